package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/chunking"
	"github.com/lectern/transcriber/internal/events"
	"github.com/lectern/transcriber/internal/media"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/internal/store"
)

// ParallelRunner plans a video into chunks and enqueues one job per chunk.
// Workers take it from there; the Aggregator closes the video out.
type ParallelRunner struct {
	store      store.TranscriptStore
	audio      media.AudioSource
	queue      queue.Queue
	aggregator *Aggregator
	sequential *SequentialRunner
	events     events.Sink
	log        *logrus.Logger
	workDir    string
	target     float64
}

func NewParallelRunner(
	st store.TranscriptStore,
	audio media.AudioSource,
	q queue.Queue,
	aggregator *Aggregator,
	sequential *SequentialRunner,
	sink events.Sink,
	log *logrus.Logger,
	workDir string,
	targetSeconds float64,
) *ParallelRunner {
	return &ParallelRunner{
		store:      st,
		audio:      audio,
		queue:      q,
		aggregator: aggregator,
		sequential: sequential,
		events:     sink,
		log:        log,
		workDir:    workDir,
		target:     targetSeconds,
	}
}

// Run cuts the source into chunk files, records the plan and enqueues every
// chunk. If the queue rejects every job the video is handed to the
// sequential path instead; a queue that is shutting down is not a rejection.
func (r *ParallelRunner) Run(ctx context.Context, v *model.VideoTranscript, src *Source) error {
	logger := r.log.WithFields(logrus.Fields{"videoId": v.VideoID, "mode": model.ModeParallel})
	start := time.Now().UTC()
	if v.Metadata.ProcessingStartTime != nil {
		start = *v.Metadata.ProcessingStartTime
	}

	if src == nil {
		var err error
		if src, err = extractSource(ctx, r.audio, r.workDir, v); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_, err = r.sequential.Recover(ctx, v, start, 0, err)
			return err
		}
	}

	chunks, err := r.plan(ctx, v.VideoID, src)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		os.Remove(src.Path)
		return r.sequential.markFailed(ctx, v, start, err)
	}
	if err := r.store.InitChunks(ctx, v.VideoID, src.Duration, chunks); err != nil {
		removeChunkFiles(chunks)
		os.Remove(src.Path)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.sequential.markFailed(ctx, v, start, fmt.Errorf("failed to record chunk plan: %w", err))
	}
	logger.WithFields(logrus.Fields{
		"chunks":   len(chunks),
		"duration": src.Duration,
	}).Info("chunk plan recorded")

	var enqueued int
	var rejected []model.ChunkRecord
	var lastErr error
	for _, c := range chunks {
		if err := enqueueChunk(ctx, r.queue, v.VideoID, c); err != nil {
			if interrupted(ctx, err) {
				// the record stays in flight for a later takeover
				logger.WithError(err).Warn("enqueue interrupted by shutdown")
				os.Remove(src.Path)
				return err
			}
			logger.WithError(err).WithField("chunkIndex", c.ChunkIndex).Warn("failed to enqueue chunk")
			rejected = append(rejected, c)
			lastErr = err
			continue
		}
		enqueued++
	}

	if enqueued == 0 {
		logger.WithError(lastErr).Warn("no chunk job could be enqueued, degrading to sequential")
		removeChunkFiles(chunks)
		_, err := r.sequential.Run(ctx, v, src)
		return err
	}
	os.Remove(src.Path)

	for _, c := range rejected {
		moved, err := r.store.FailChunk(ctx, v.VideoID, c.ChunkIndex, fmt.Sprintf("enqueue failed: %v", lastErr), time.Now())
		if err != nil {
			return err
		}
		if moved {
			r.events.Publish(model.ChunkEvent(v.VideoID, c.ChunkIndex, model.StatusPending, model.StatusFailed))
		}
	}
	if len(rejected) > 0 {
		if _, err := r.aggregator.Evaluate(ctx, v.VideoID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}
	return nil
}

func (r *ParallelRunner) plan(ctx context.Context, videoID string, src *Source) ([]model.ChunkRecord, error) {
	bounds, err := chunking.Plan(src.Duration, r.target)
	if err != nil {
		return nil, err
	}
	chunks := chunking.Chunks(bounds, func(i int) string {
		return media.ChunkPath(r.workDir, videoID, i)
	})
	if err := chunking.Validate(chunks, src.Duration); err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if err := r.audio.Cut(ctx, src.Path, c.ChunkPath, c.StartTime, c.EndTime); err != nil {
			removeChunkFiles(chunks)
			return nil, fmt.Errorf("failed to cut chunk %d: %w", c.ChunkIndex, err)
		}
	}
	return chunks, nil
}

// interrupted reports an enqueue that failed because the process is
// stopping, not because the queue refused the job
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed)
}

// enqueueChunk submits one chunk. A job left behind by an earlier run is
// released and the chunk submitted again once; a job that is still running
// is reported, never mistaken for the new one.
func enqueueChunk(ctx context.Context, q queue.Queue, videoID string, c model.ChunkRecord) error {
	job := model.NewChunkJob(videoID, c)
	err := q.Enqueue(ctx, job)
	if !errors.Is(err, queue.ErrDuplicateJob) {
		return err
	}
	if err := q.Release(ctx, videoID, c.ChunkIndex); err != nil {
		return err
	}
	return q.Enqueue(ctx, job)
}

func extractSource(ctx context.Context, audio media.AudioSource, workDir string, v *model.VideoTranscript) (*Source, error) {
	path, err := audio.Extract(ctx, v.VideoRef, filepath.Join(workDir, v.VideoID))
	if err != nil {
		return nil, err
	}
	duration, err := audio.Duration(ctx, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Source{Path: path, Duration: duration}, nil
}

func removeChunkFiles(chunks []model.ChunkRecord) {
	for _, c := range chunks {
		os.Remove(c.ChunkPath)
	}
}
