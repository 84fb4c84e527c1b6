package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/client"
	"github.com/lectern/transcriber/internal/events"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/internal/store"
)

// Evaluator re-derives the video status after a chunk became terminal
type Evaluator interface {
	Evaluate(ctx context.Context, videoID string) (*model.VideoTranscript, error)
}

// ChunkWorker transcribes one chunk per job
type ChunkWorker struct {
	store        store.TranscriptStore
	provider     client.TranscriptionProvider
	aggregator   Evaluator
	events       events.Sink
	log          *logrus.Logger
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewChunkWorker(
	st store.TranscriptStore,
	provider client.TranscriptionProvider,
	aggregator Evaluator,
	sink events.Sink,
	log *logrus.Logger,
	pollInterval, pollTimeout time.Duration,
) *ChunkWorker {
	return &ChunkWorker{
		store:        st,
		provider:     provider,
		aggregator:   aggregator,
		events:       sink,
		log:          log,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
	}
}

// Process is a queue.Handler. A returned error asks the queue to retry
// unless it wraps queue.ErrSkipRetry.
func (w *ChunkWorker) Process(ctx context.Context, job model.ChunkJob) error {
	attempt, _ := queue.AttemptFrom(ctx)
	logger := w.log.WithFields(logrus.Fields{
		"videoId":    job.VideoID,
		"chunkIndex": job.ChunkIndex,
		"attempt":    attempt.Number,
	})

	prev, videoStarted, err := w.store.StartChunk(ctx, job.VideoID, job.ChunkIndex, time.Now())
	if errors.Is(err, model.ErrNotFound) {
		logger.Info("chunk no longer exists, dropping job")
		return fmt.Errorf("%w: %v", queue.ErrSkipRetry, err)
	}
	if err != nil {
		return err
	}
	if prev.Status.IsTerminal() {
		logger.WithField("status", prev.Status).Debug("chunk already terminal, acknowledging redelivery")
		w.evaluate(ctx, logger, job.VideoID)
		return nil
	}
	if prev.Status == model.StatusPending {
		w.events.Publish(model.ChunkEvent(job.VideoID, job.ChunkIndex, model.StatusPending, model.StatusProcessing))
	}
	if videoStarted {
		w.events.Publish(model.VideoEvent(job.VideoID, model.StatusPending, model.StatusProcessing))
	}

	result, err := w.transcribe(ctx, logger, job, prev.TranscriptID)
	if err != nil {
		return w.retryOrFail(ctx, logger, job, attempt, err)
	}

	moved, err := w.store.CompleteChunk(ctx, job.VideoID, job.ChunkIndex, result.Text, result.Language, time.Now())
	if err != nil {
		return err
	}
	if moved {
		w.events.Publish(model.ChunkEvent(job.VideoID, job.ChunkIndex, model.StatusProcessing, model.StatusCompleted))
		logger.Info("chunk completed")
	}
	if err := os.Remove(job.ChunkPath); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("failed to remove chunk file")
	}
	w.evaluate(ctx, logger, job.VideoID)
	return nil
}

func (w *ChunkWorker) transcribe(ctx context.Context, logger *logrus.Entry, job model.ChunkJob, transcriptID string) (*client.ProviderJob, error) {
	if transcriptID == "" {
		if _, err := os.Stat(job.ChunkPath); err != nil {
			return nil, fmt.Errorf("%w: chunk file: %v", model.ErrValidation, err)
		}
		uploadURL, err := w.provider.Upload(ctx, job.ChunkPath)
		if err != nil {
			return nil, err
		}
		transcriptID, err = w.provider.CreateJob(ctx, uploadURL, client.JobMeta{
			VideoID:    job.VideoID,
			ChunkIndex: job.ChunkIndex,
			RequestID:  uuid.NewString(),
		})
		if err != nil {
			return nil, err
		}
		if err := w.store.SetChunkTranscriptID(ctx, job.VideoID, job.ChunkIndex, transcriptID); err != nil {
			return nil, err
		}
		logger.WithField("transcriptId", transcriptID).Debug("provider job created")
	} else {
		logger.WithField("transcriptId", transcriptID).Info("resuming poll of existing provider job")
	}

	return client.PollTranscript(ctx, logger, w.provider, transcriptID, w.pollInterval, w.pollTimeout)
}

// retryOrFail records the failure on the final attempt and otherwise hands
// the error back for a delayed retry
func (w *ChunkWorker) retryOrFail(ctx context.Context, logger *logrus.Entry, job model.ChunkJob, attempt queue.Attempt, cause error) error {
	if ctx.Err() != nil {
		logger.Info("chunk interrupted by shutdown")
		return ctx.Err()
	}

	// the provider job is dead; a retry has to create a new one
	if errors.Is(cause, model.ErrProviderJobFailed) {
		if err := w.store.SetChunkTranscriptID(ctx, job.VideoID, job.ChunkIndex, ""); err != nil {
			logger.WithError(err).Warn("failed to clear transcript id")
		}
	}

	retryable := !errors.Is(cause, model.ErrValidation)
	if retryable && !queue.IsFinalAttempt(ctx) {
		logger.WithError(cause).Warn("chunk attempt failed, will retry")
		w.events.Publish(model.RetryEvent(job.VideoID, job.ChunkIndex, attempt.Number, cause))
		return cause
	}

	moved, err := w.store.FailChunk(ctx, job.VideoID, job.ChunkIndex, cause.Error(), time.Now())
	if err != nil {
		logger.WithError(err).Error("failed to record chunk failure")
		return err
	}
	if moved {
		ev := model.ChunkEvent(job.VideoID, job.ChunkIndex, model.StatusProcessing, model.StatusFailed)
		ev.Attempt = attempt.Number
		ev.Error = cause.Error()
		w.events.Publish(ev)
		logger.WithError(cause).Error("chunk failed")
	}
	w.evaluate(ctx, logger, job.VideoID)

	if !retryable {
		return fmt.Errorf("%w: %v", queue.ErrSkipRetry, cause)
	}
	return cause
}

func (w *ChunkWorker) evaluate(ctx context.Context, logger *logrus.Entry, videoID string) {
	if _, err := w.aggregator.Evaluate(ctx, videoID); err != nil {
		logger.WithError(err).Warn("aggregation failed")
	}
}
