package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/model"
)

// AudioSource supplies local audio for an external video reference
type AudioSource interface {
	Extract(ctx context.Context, videoRef, dir string) (string, error)
	Duration(ctx context.Context, path string) (float64, error)
	Cut(ctx context.Context, src, dst string, start, end float64) error
}

// commandResult is a captured process execution
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// Extractor implements AudioSource with yt-dlp, ffmpeg and ffprobe
type Extractor struct {
	ytDlpPath   string
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	stat        func(name string) (os.FileInfo, error)
	mkdirAll    func(path string, perm os.FileMode) error
}

// NewExtractor creates an extractor using the configured binaries
func NewExtractor(cfg *config.MediaConfig) *Extractor {
	return &Extractor{
		ytDlpPath:   cfg.YtDlpPath,
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		runner:      &execRunner{},
		stat:        os.Stat,
		mkdirAll:    os.MkdirAll,
	}
}

// ffprobeOutput holds the part of ffprobe's JSON we read
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Extract produces <dir>/source.mp3 for a URL, a bare video id or a local media file
func (e *Extractor) Extract(ctx context.Context, videoRef, dir string) (string, error) {
	if strings.TrimSpace(videoRef) == "" {
		return "", fmt.Errorf("%w: empty video reference", model.ErrExtraction)
	}
	if err := e.mkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create work dir: %v", model.ErrExtraction, err)
	}
	out := filepath.Join(dir, "source.mp3")

	if _, err := e.stat(videoRef); err == nil {
		args := []string{"-y", "-i", videoRef, "-vn", "-ac", "1", "-ar", "16000", "-b:a", "64k", out}
		if res, err := e.runner.Run(ctx, e.ffmpegPath, args...); err != nil {
			return "", fmt.Errorf("%w: ffmpeg exit %d: %s", model.ErrExtraction, res.ExitCode, lastLine(res.Stderr))
		}
		return out, nil
	}

	args := []string{
		"-x",
		"--audio-format", "mp3",
		"--no-playlist",
		"-o", filepath.Join(dir, "source.%(ext)s"),
		normalizeRef(videoRef),
	}
	if res, err := e.runner.Run(ctx, e.ytDlpPath, args...); err != nil {
		return "", fmt.Errorf("%w: yt-dlp exit %d: %s", model.ErrExtraction, res.ExitCode, lastLine(res.Stderr))
	}
	if _, err := e.stat(out); err != nil {
		return "", fmt.Errorf("%w: yt-dlp produced no audio at %s", model.ErrExtraction, out)
	}
	return out, nil
}

// Duration returns the length of a media file in seconds
func (e *Extractor) Duration(ctx context.Context, path string) (float64, error) {
	res, err := e.runner.Run(ctx, e.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe exit %d: %s", model.ErrExtraction, res.ExitCode, lastLine(res.Stderr))
	}

	var probe ffprobeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &probe); err != nil {
		return 0, fmt.Errorf("%w: parse ffprobe output: %v", model.ErrExtraction, err)
	}
	if probe.Format.Duration == "" {
		return 0, fmt.Errorf("%w: ffprobe reported no duration for %s", model.ErrExtraction, path)
	}
	d, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse duration %q: %v", model.ErrExtraction, probe.Format.Duration, err)
	}
	return d, nil
}

// Cut writes [start, end) of src to dst as a standalone mono 16 kHz mp3
func (e *Extractor) Cut(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("%w: cut [%v, %v) is empty", model.ErrValidation, start, end)
	}
	if err := e.mkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: create chunk dir: %v", model.ErrExtraction, err)
	}

	// -ss before -i seeks on the input so each chunk decodes from its own start
	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-i", src,
		"-t", formatSeconds(end - start),
		"-vn", "-ac", "1", "-ar", "16000", "-b:a", "64k",
		dst,
	}
	if res, err := e.runner.Run(ctx, e.ffmpegPath, args...); err != nil {
		return fmt.Errorf("%w: ffmpeg cut exit %d: %s", model.ErrExtraction, res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

// ChunkPath is where chunk index of a video lives under workDir
func ChunkPath(workDir, videoID string, index int) string {
	return filepath.Join(workDir, videoID, fmt.Sprintf("chunk_%03d.mp3", index))
}

// ChunkIndexFromPath parses the index back out of a chunk file name
func ChunkIndexFromPath(path string) (int, bool) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "chunk_") || !strings.HasSuffix(base, ".mp3") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(base, "chunk_"), ".mp3"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func normalizeRef(ref string) string {
	if strings.Contains(ref, "://") {
		return ref
	}
	return "https://www.youtube.com/watch?v=" + ref
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
