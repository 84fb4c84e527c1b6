package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/lectern/transcriber/internal/client"
	"github.com/lectern/transcriber/internal/model"
)

// FakeAudioSource is a media.AudioSource that writes small placeholder
// files instead of running yt-dlp and ffmpeg.
type FakeAudioSource struct {
	// Seconds is the duration reported for every extracted file
	Seconds float64
	// ExtractErr, when set, fails every Extract call
	ExtractErr error

	mu       sync.Mutex
	extracts int
	cuts     []string
}

func NewFakeAudioSource(seconds float64) *FakeAudioSource {
	return &FakeAudioSource{Seconds: seconds}
}

func (f *FakeAudioSource) Extract(ctx context.Context, videoRef, dir string) (string, error) {
	f.mu.Lock()
	f.extracts++
	err := f.ExtractErr
	f.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrExtraction, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	out := filepath.Join(dir, "source.mp3")
	if err := os.WriteFile(out, []byte(videoRef), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (f *FakeAudioSource) Duration(ctx context.Context, path string) (float64, error) {
	return f.Seconds, nil
}

func (f *FakeAudioSource) Cut(ctx context.Context, src, dst string, start, end float64) error {
	if end <= start {
		return fmt.Errorf("%w: empty range", model.ErrValidation)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	f.mu.Lock()
	f.cuts = append(f.cuts, dst)
	f.mu.Unlock()
	return os.WriteFile(dst, []byte(fmt.Sprintf("%.3f-%.3f", start, end)), 0o644)
}

// Extracts returns how many times audio was extracted
func (f *FakeAudioSource) Extracts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extracts
}

// Cuts returns every chunk file written, in call order
func (f *FakeAudioSource) Cuts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cuts))
	copy(out, f.cuts)
	return out
}

// FakeCaptions is a client.CaptionSource with a fixed answer
type FakeCaptions struct {
	Text     string
	Language string
	Err      error

	mu    sync.Mutex
	calls int
}

func (f *FakeCaptions) Fetch(ctx context.Context, videoRef string) (*client.Captions, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Text == "" {
		return nil, fmt.Errorf("no captions for %s", videoRef)
	}
	return &client.Captions{Text: f.Text, Language: f.Language}, nil
}

// Calls returns how many times captions were requested
func (f *FakeCaptions) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
