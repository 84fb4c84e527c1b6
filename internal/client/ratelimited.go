package client

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// spacingGuard pads the interval between submissions so timer wakeup
// jitter can never fit limit+1 calls into one second.
const spacingGuard = 5 * time.Millisecond

// RateLimitedProvider caps the submission rate of Upload and CreateJob
// across every caller sharing it. Polls are not limited.
type RateLimitedProvider struct {
	inner   TranscriptionProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider allows at most perSecond submissions per second
func NewRateLimitedProvider(inner TranscriptionProvider, perSecond int) *RateLimitedProvider {
	if perSecond <= 0 {
		perSecond = 1
	}
	interval := time.Second/time.Duration(perSecond) + spacingGuard
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (p *RateLimitedProvider) Upload(ctx context.Context, path string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.inner.Upload(ctx, path)
}

func (p *RateLimitedProvider) CreateJob(ctx context.Context, uploadURL string, meta JobMeta) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.inner.CreateJob(ctx, uploadURL, meta)
}

func (p *RateLimitedProvider) PollJob(ctx context.Context, providerJobID string) (*ProviderJob, error) {
	return p.inner.PollJob(ctx, providerJobID)
}
