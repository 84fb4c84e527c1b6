package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/media"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/store"
)

const janitorLockName = ".janitor.lock"

// Janitor deletes chunk files nobody will read again: files older than the
// orphan TTL whose chunk is terminal or whose record is gone.
type Janitor struct {
	store    store.TranscriptStore
	workDir  string
	ttl      time.Duration
	interval time.Duration
	lock     *flock.Flock
	log      *logrus.Logger
	now      func() time.Time
}

func NewJanitor(st store.TranscriptStore, cfg *config.ChunkingConfig, log *logrus.Logger) *Janitor {
	return &Janitor{
		store:    st,
		workDir:  cfg.WorkDir,
		ttl:      cfg.OrphanTTL,
		interval: cfg.GCInterval,
		lock:     flock.New(filepath.Join(cfg.WorkDir, janitorLockName)),
		log:      log,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled
func (j *Janitor) Run(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if n, err := j.Sweep(ctx); err != nil {
			j.log.WithError(err).Warn("chunk sweep failed")
		} else if n > 0 {
			j.log.WithField("removed", n).Info("orphaned chunk files removed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep makes one pass over the work dir. It returns without doing anything
// when another process on the host holds the sweep lock.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if err := os.MkdirAll(j.workDir, 0o755); err != nil {
		return 0, fmt.Errorf("create work dir: %w", err)
	}
	ok, err := j.lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		j.log.Debug("another sweeper holds the lock")
		return 0, nil
	}
	defer func() {
		if err := j.lock.Unlock(); err != nil {
			j.log.WithError(err).Warn("failed to release sweep lock")
		}
	}()

	entries, err := os.ReadDir(j.workDir)
	if err != nil {
		return 0, fmt.Errorf("read work dir: %w", err)
	}

	cutoff := j.now().Add(-j.ttl)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.IsDir() || !model.ValidVideoID(e.Name()) {
			continue
		}
		n, err := j.sweepVideo(ctx, e.Name(), cutoff)
		removed += n
		if err != nil {
			j.log.WithError(err).WithField("videoId", e.Name()).Warn("failed to sweep video dir")
		}
	}
	return removed, nil
}

func (j *Janitor) sweepVideo(ctx context.Context, videoID string, cutoff time.Time) (int, error) {
	dir := filepath.Join(j.workDir, videoID)
	files, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	v, err := j.store.Get(ctx, videoID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		info, err := f.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if !collectable(v, f.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, f.Name())); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}

	// only succeeds once the dir is empty
	_ = os.Remove(dir)
	return removed, nil
}

// collectable reports whether a file of the video can be deleted. Chunk
// files go once their chunk is terminal; other files once no run owns the
// record.
func collectable(v *model.VideoTranscript, name string) bool {
	if v == nil {
		return true
	}
	idx, ok := media.ChunkIndexFromPath(name)
	if !ok {
		return !v.OverallStatus.IsInFlight()
	}
	c, ok := v.Chunk(idx)
	if !ok {
		return true
	}
	return c.Status.IsTerminal()
}
