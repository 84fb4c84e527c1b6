package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/model"
)

// AsynqQueue is the durable Redis-backed queue. Exhausted jobs are archived,
// which is the dead-letter state, and keep their task id until released.
type AsynqQueue struct {
	redisOpt        asynq.RedisClientOpt
	client          *asynq.Client
	inspector       *asynq.Inspector
	server          *asynq.Server
	queueName       string
	concurrency     int
	shutdownTimeout time.Duration
	policy          RetryPolicy
	validate        *validator.Validate
	log             *logrus.Entry
	logLevel        string
	closed          atomic.Bool
}

// NewAsynqQueue creates the queue client and inspector; the server starts in Start
func NewAsynqQueue(redisOpt asynq.RedisClientOpt, cfg *config.QueueConfig, logLevel string, validate *validator.Validate, log *logrus.Logger) *AsynqQueue {
	name := cfg.Name
	if name == "" {
		name = "transcription"
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &AsynqQueue{
		redisOpt:        redisOpt,
		client:          asynq.NewClient(redisOpt),
		inspector:       asynq.NewInspector(redisOpt),
		queueName:       name,
		concurrency:     concurrency,
		shutdownTimeout: cfg.ShutdownTimeout,
		policy:          PolicyFromConfig(cfg),
		validate:        validate,
		log:             log.WithField("component", "asynq"),
		logLevel:        logLevel,
	}
}

// Enqueue validates and submits a chunk job keyed by its chunk
func (q *AsynqQueue) Enqueue(ctx context.Context, job model.ChunkJob) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	if err := job.Validate(q.validate); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	task := asynq.NewTask(string(model.JobTypeChunkTranscription), payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.Key()),
		asynq.Queue(q.queueName),
		asynq.MaxRetry(q.policy.MaxRetry()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Key())
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", job.Key(), err)
	}
	return nil
}

// Release deletes the task left behind for a chunk, typically archived. An
// active task is left to finish.
func (q *AsynqQueue) Release(ctx context.Context, videoID string, chunkIndex int) error {
	id := model.ChunkJobKey(videoID, chunkIndex)
	info, err := q.inspector.GetTaskInfo(q.queueName, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", id, err)
	}
	if info.State == asynq.TaskStateActive {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}

	err = q.inspector.DeleteTask(q.queueName, id)
	if err == nil || errors.Is(err, asynq.ErrTaskNotFound) {
		return nil
	}
	// picked up between the lookup and the delete
	if info, ierr := q.inspector.GetTaskInfo(q.queueName, id); ierr == nil && info.State == asynq.TaskStateActive {
		return fmt.Errorf("%w: %s", ErrJobActive, id)
	}
	return fmt.Errorf("failed to release %s: %w", id, err)
}


// DeadLetters lists archived chunk jobs
func (q *AsynqQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	for page := 1; ; page++ {
		tasks, err := q.inspector.ListArchivedTasks(q.queueName, asynq.PageSize(100), asynq.Page(page))
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list archived tasks: %w", err)
		}
		for _, t := range tasks {
			var job model.ChunkJob
			if err := json.Unmarshal(t.Payload, &job); err != nil {
				q.log.WithField("taskId", t.ID).Warn("skipping undecodable archived task")
				continue
			}
			out = append(out, DeadLetter{
				Job:       job,
				Retried:   t.Retried,
				LastError: t.LastErr,
				FailedAt:  t.LastFailedAt,
			})
		}
		if len(tasks) < 100 {
			return out, nil
		}
	}
}

// Start runs the worker server with fixed concurrency
func (q *AsynqQueue) Start(h Handler) error {
	q.server = asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: q.concurrency,
		Queues: map[string]int{
			q.queueName: 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return q.policy.Delay(n)
		},
		ShutdownTimeout: q.shutdownTimeout,
		Logger:          q.log,
		LogLevel:        asynqLogLevel(q.logLevel),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			q.log.WithFields(logrus.Fields{
				"taskId":  taskID(ctx),
				"retried": retried,
				"max":     maxRetry,
			}).WithError(err).Warn("chunk task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(string(model.JobTypeChunkTranscription), func(ctx context.Context, t *asynq.Task) error {
		job, err := model.DecodeChunkJob(t.Payload(), q.validate)
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, ok := asynq.GetMaxRetry(ctx)
		if !ok {
			maxRetry = q.policy.MaxRetry()
		}
		ctx = WithAttempt(ctx, Attempt{Number: retried + 1, Max: maxRetry + 1})

		if err := h(ctx, job); err != nil {
			if errors.Is(err, ErrSkipRetry) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	})

	if err := q.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight tasks and closes connections
func (q *AsynqQueue) Shutdown() {
	if q.closed.Swap(true) {
		return
	}
	if q.server != nil {
		q.server.Shutdown()
	}
	if err := q.client.Close(); err != nil {
		q.log.WithError(err).Warn("failed to close asynq client")
	}
	if err := q.inspector.Close(); err != nil {
		q.log.WithError(err).Warn("failed to close asynq inspector")
	}
}

func taskID(ctx context.Context) string {
	id, _ := asynq.GetTaskID(ctx)
	return id
}

func asynqLogLevel(level string) asynq.LogLevel {
	switch {
	case strings.EqualFold(level, "debug"):
		return asynq.DebugLevel
	case strings.EqualFold(level, "warn"):
		return asynq.WarnLevel
	case strings.EqualFold(level, "error"):
		return asynq.ErrorLevel
	default:
		return asynq.InfoLevel
	}
}
