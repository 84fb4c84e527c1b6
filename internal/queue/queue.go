package queue

import (
	"context"
	"errors"
	"time"

	"github.com/lectern/transcriber/internal/model"
)

var (
	// ErrDuplicateJob means a job for the same chunk is queued, running or dead-lettered
	ErrDuplicateJob = errors.New("job for chunk already queued")

	// ErrJobActive means the chunk's job is running, so it cannot be
	// released yet
	ErrJobActive = errors.New("job for chunk is still active")

	// ErrQueueFull means the in-process queue buffer is exhausted
	ErrQueueFull = errors.New("queue full")

	// ErrQueueClosed means the queue is shutting down
	ErrQueueClosed = errors.New("queue closed")

	// ErrSkipRetry marks a handler error that must dead-letter immediately
	ErrSkipRetry = errors.New("skip retry")
)

// Handler processes one chunk job. Returning an error schedules a retry
// unless the attempt was final or the error wraps ErrSkipRetry.
type Handler func(ctx context.Context, job model.ChunkJob) error

// Queue delivers chunk jobs at least once to a fixed pool of handlers
type Queue interface {
	Enqueue(ctx context.Context, job model.ChunkJob) error
	// Release drops the dead-lettered job of a chunk so it can be enqueued
	// again. A job that has not settled yet yields ErrJobActive.
	Release(ctx context.Context, videoID string, chunkIndex int) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	Start(h Handler) error
	Shutdown()
}

// DeadLetter is a job that exhausted its retries
type DeadLetter struct {
	Job       model.ChunkJob
	Retried   int
	LastError string
	FailedAt  time.Time
}

// Response converts a dead letter to its API shape
func (d DeadLetter) Response() model.DeadLetterResponse {
	return model.DeadLetterResponse{
		VideoID:    d.Job.VideoID,
		ChunkIndex: d.Job.ChunkIndex,
		LastError:  d.LastError,
		FailedAt:   d.FailedAt,
	}
}
