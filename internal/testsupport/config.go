package testsupport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lectern/transcriber/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig returns defaults tuned for fast tests: an in-memory queue,
// millisecond backoff and polling, and a temp work dir per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Env = "test"
	cfg.Queue.Backend = "memory"
	cfg.Queue.BaseDelay = 5 * time.Millisecond
	cfg.Queue.MaxDelay = 50 * time.Millisecond
	cfg.Queue.ShutdownTimeout = time.Second
	cfg.Provider.RatePerSecond = 1000
	cfg.Provider.PollInterval = time.Millisecond
	cfg.Provider.PollTimeout = time.Second
	cfg.Provider.SequentialPollTimeout = time.Second
	cfg.Chunking.WorkDir = filepath.Join(t.TempDir(), "chunks")

	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithRate sets the provider submission rate
func WithRate(perSecond int) ConfigOption {
	return func(c *config.Config) {
		c.Provider.RatePerSecond = perSecond
	}
}

// WithConcurrency sets the worker count
func WithConcurrency(n int) ConfigOption {
	return func(c *config.Config) {
		c.Queue.Concurrency = n
	}
}

// WithPollTimeout sets the per-chunk polling ceiling
func WithPollTimeout(d time.Duration) ConfigOption {
	return func(c *config.Config) {
		c.Provider.PollTimeout = d
	}
}
