package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/model"
)

// MemoryQueue is an in-process Queue with the same dedupe, retry and
// dead-letter behavior as AsynqQueue. Jobs do not survive a restart.
type MemoryQueue struct {
	policy          RetryPolicy
	concurrency     int
	shutdownTimeout time.Duration
	validate        *validator.Validate
	log             *logrus.Entry

	jobs   chan memTask
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	pending map[string]struct{}
	active  map[string]struct{}
	dropped map[string]int
	dead    map[string]DeadLetter
	timers  map[string]*time.Timer
}

type memTask struct {
	job     model.ChunkJob
	retried int
}

// MemoryQueueOptions configures a MemoryQueue
type MemoryQueueOptions struct {
	Policy          RetryPolicy
	Concurrency     int
	Buffer          int
	ShutdownTimeout time.Duration
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(opts MemoryQueueOptions, validate *validator.Validate, log *logrus.Logger) *MemoryQueue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 1024
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryQueue{
		policy:          opts.Policy,
		concurrency:     opts.Concurrency,
		shutdownTimeout: opts.ShutdownTimeout,
		validate:        validate,
		log:             log.WithField("component", "memory-queue"),
		jobs:            make(chan memTask, opts.Buffer),
		stop:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		pending:         make(map[string]struct{}),
		active:          make(map[string]struct{}),
		dropped:         make(map[string]int),
		dead:            make(map[string]DeadLetter),
		timers:          make(map[string]*time.Timer),
	}
}

// Enqueue validates a job and buffers it; one job per chunk at a time
func (q *MemoryQueue) Enqueue(ctx context.Context, job model.ChunkJob) error {
	if err := job.Validate(q.validate); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	key := job.Key()
	if _, ok := q.pending[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, key)
	}
	if _, ok := q.dead[key]; ok {
		return fmt.Errorf("%w: %s is dead-lettered", ErrDuplicateJob, key)
	}

	select {
	case q.jobs <- memTask{job: job}:
		q.pending[key] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Release drops whatever is left of a chunk's job: its dead letter, a
// scheduled retry or a buffered delivery. A running job is not touched.
func (q *MemoryQueue) Release(ctx context.Context, videoID string, chunkIndex int) error {
	key := model.ChunkJobKey(videoID, chunkIndex)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.active[key]; ok {
		return fmt.Errorf("%w: %s", ErrJobActive, key)
	}
	if t, ok := q.timers[key]; ok {
		delete(q.timers, key)
		if t.Stop() {
			delete(q.pending, key)
		}
	}
	if _, ok := q.pending[key]; ok {
		// still in the buffer; skipped when a worker pulls it
		q.dropped[key]++
		delete(q.pending, key)
	}
	delete(q.dead, key)
	return nil
}

// DeadLetters lists exhausted jobs ordered by video and chunk
func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	out := make([]DeadLetter, 0, len(q.dead))
	for _, d := range q.dead {
		out = append(out, d)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Job.VideoID != out[j].Job.VideoID {
			return out[i].Job.VideoID < out[j].Job.VideoID
		}
		return out[i].Job.ChunkIndex < out[j].Job.ChunkIndex
	})
	return out, nil
}

// Pending returns the number of jobs queued, running or waiting to retry
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start launches the worker goroutines
func (q *MemoryQueue) Start(h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New("memory queue already started")
	}
	if q.closed {
		return ErrQueueClosed
	}
	q.started = true

	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.work(h)
	}
	return nil
}

func (q *MemoryQueue) work(h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		select {
		case <-q.stop:
			return
		case t := <-q.jobs:
			if q.claim(t.job.Key()) {
				q.run(h, t)
			}
		}
	}
}

// claim marks a delivery as running, or consumes it if it was released
func (q *MemoryQueue) claim(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.dropped[key]; n > 0 {
		if n == 1 {
			delete(q.dropped, key)
		} else {
			q.dropped[key] = n - 1
		}
		return false
	}
	q.active[key] = struct{}{}
	return true
}

func (q *MemoryQueue) run(h Handler, t memTask) {
	attempt := Attempt{Number: t.retried + 1, Max: q.policy.MaxAttempts}
	ctx := WithAttempt(q.ctx, attempt)

	err := h(ctx, t.job)
	key := t.job.Key()
	if err == nil {
		q.mu.Lock()
		delete(q.active, key)
		delete(q.pending, key)
		q.mu.Unlock()
		return
	}

	if q.ctx.Err() != nil {
		// shutting down; the job is dropped with the process
		q.mu.Lock()
		delete(q.active, key)
		delete(q.pending, key)
		q.mu.Unlock()
		return
	}

	entry := q.log.WithFields(logrus.Fields{
		"videoId":    t.job.VideoID,
		"chunkIndex": t.job.ChunkIndex,
		"attempt":    attempt.Number,
	}).WithError(err)

	if attempt.Final() || errors.Is(err, ErrSkipRetry) {
		entry.Warn("chunk job dead-lettered")
		q.mu.Lock()
		delete(q.active, key)
		delete(q.pending, key)
		q.dead[key] = DeadLetter{
			Job:       t.job,
			Retried:   t.retried,
			LastError: err.Error(),
			FailedAt:  time.Now().UTC(),
		}
		q.mu.Unlock()
		return
	}

	delay := q.policy.Delay(t.retried)
	entry.WithField("delay", delay).Info("chunk job scheduled for retry")

	next := memTask{job: t.job, retried: t.retried + 1}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, key)
	if q.closed {
		delete(q.pending, key)
		return
	}
	q.timers[key] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, key)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.jobs <- next:
		case <-q.stop:
		}
	})
}

// Shutdown stops intake, cancels pending retries and waits for running
// handlers; handlers still running after the timeout see their context cancelled.
func (q *MemoryQueue) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, t := range q.timers {
		t.Stop()
		delete(q.timers, key)
	}
	close(q.stop)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	if q.shutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(q.shutdownTimeout):
			q.log.Warn("shutdown timeout reached, cancelling running jobs")
			q.cancel()
			<-done
		}
	} else {
		<-done
	}
	q.cancel()
}
