package queue

import (
	"math"
	"time"

	"github.com/lectern/transcriber/internal/config"
)

// RetryPolicy is the backoff schedule applied to failed chunk jobs
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 3 attempts, 2s doubling, capped at one minute
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    time.Minute,
	}
}

// PolicyFromConfig fills unset fields from the defaults
func PolicyFromConfig(cfg *config.QueueConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

// Delay returns the wait before the next attempt after retried failed retries.
// retried is 0 after the first failure.
func (p RetryPolicy) Delay(retried int) time.Duration {
	if retried < 0 {
		retried = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retried))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// MaxRetry is the number of retries after the first attempt
func (p RetryPolicy) MaxRetry() int {
	if p.MaxAttempts <= 1 {
		return 0
	}
	return p.MaxAttempts - 1
}
