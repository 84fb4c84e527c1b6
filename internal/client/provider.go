package client

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/model"
)

// TranscriptionProvider wraps the upload / create / poll cycle of a
// speech-to-text service. Two CreateJob calls with one upload URL create
// two provider jobs.
type TranscriptionProvider interface {
	Upload(ctx context.Context, path string) (string, error)
	CreateJob(ctx context.Context, uploadURL string, meta JobMeta) (string, error)
	PollJob(ctx context.Context, providerJobID string) (*ProviderJob, error)
}

// JobMeta describes what a provider job transcribes
type JobMeta struct {
	VideoID    string
	ChunkIndex int
	RequestID  string
}

// ProviderJobStatus mirrors the provider's job states
type ProviderJobStatus string

const (
	ProviderJobQueued     ProviderJobStatus = "queued"
	ProviderJobProcessing ProviderJobStatus = "processing"
	ProviderJobCompleted  ProviderJobStatus = "completed"
	ProviderJobError      ProviderJobStatus = "error"
)

// ProviderJob is one poll result
type ProviderJob struct {
	ID       string            `json:"id"`
	Status   ProviderJobStatus `json:"status"`
	Text     string            `json:"text"`
	Language string            `json:"language_code"`
	Error    string            `json:"error"`
}

// PollTranscript polls a provider job until it is terminal or maxWait passes.
// Exceeding maxWait yields ErrTranscriptionTimeout; a provider-reported
// failure yields ErrProviderJobFailed.
func PollTranscript(ctx context.Context, log *logrus.Entry, p TranscriptionProvider, providerJobID string, interval, maxWait time.Duration) (*ProviderJob, error) {
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	tick := time.NewTimer(0)
	defer tick.Stop()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: job %s not finished after %v", model.ErrTranscriptionTimeout, providerJobID, maxWait)
		case <-tick.C:
		}

		attempt++
		job, err := p.PollJob(ctx, providerJobID)
		if err != nil {
			return nil, err
		}

		log.WithFields(logrus.Fields{
			"transcriptId": providerJobID,
			"poll":         attempt,
			"status":       job.Status,
		}).Debug("polled provider job")

		switch job.Status {
		case ProviderJobCompleted:
			return job, nil
		case ProviderJobError:
			return nil, fmt.Errorf("%w: job %s: %s", model.ErrProviderJobFailed, providerJobID, job.Error)
		}

		tick.Reset(interval)
	}
}
