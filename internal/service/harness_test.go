package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lectern/transcriber/internal/client"
	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/logging"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/internal/store"
	"github.com/lectern/transcriber/internal/testsupport"
	"github.com/lectern/transcriber/internal/worker"
)

type harness struct {
	cfg      *config.Config
	store    store.TranscriptStore
	provider *testsupport.FakeProvider
	audio    *testsupport.FakeAudioSource
	captions *testsupport.FakeCaptions
	events   *testsupport.RecorderSink
	queue    *queue.MemoryQueue
	svc      *TranscriptService
}

// hooks swap pieces of the pipeline for a single test
type hooks struct {
	// runnerStore wraps the store seen by the parallel runner
	runnerStore func(store.TranscriptStore) store.TranscriptStore
	// runnerQueue wraps the queue seen by the parallel runner
	runnerQueue func(queue.Queue) queue.Queue
	// evaluator wraps the aggregator seen by the chunk workers
	evaluator func(worker.Evaluator) worker.Evaluator
}

// newHarness wires the full pipeline around fakes: the real store on
// miniredis, the in-memory queue and chunk workers.
func newHarness(t *testing.T, seconds float64, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	return newHookedHarness(t, seconds, hooks{}, opts...)
}

func newHookedHarness(t *testing.T, seconds float64, hk hooks, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	log := logging.Discard()

	h := &harness{
		cfg:      cfg,
		store:    testsupport.NewRedisStore(t),
		provider: testsupport.NewFakeProvider(),
		audio:    testsupport.NewFakeAudioSource(seconds),
		captions: &testsupport.FakeCaptions{},
		events:   &testsupport.RecorderSink{},
	}
	provider := client.NewRateLimitedProvider(h.provider, cfg.Provider.RatePerSecond)

	h.queue = queue.NewMemoryQueue(queue.MemoryQueueOptions{
		Policy:          queue.PolicyFromConfig(&cfg.Queue),
		Concurrency:     cfg.Queue.Concurrency,
		ShutdownTimeout: cfg.Queue.ShutdownTimeout,
	}, validator.New(), log)

	agg := NewAggregator(h.store, h.events, log)
	seq := NewSequentialRunner(h.store, h.audio, provider, h.captions, h.events, log, SequentialOptions{
		WorkDir:      cfg.Chunking.WorkDir,
		PollInterval: cfg.Provider.PollInterval,
		PollTimeout:  cfg.Provider.SequentialPollTimeout,
		MinChars:     cfg.Fallback.MinChars,
		MinWords:     cfg.Fallback.MinWords,
	})
	runnerStore := h.store
	if hk.runnerStore != nil {
		runnerStore = hk.runnerStore(h.store)
	}
	var runnerQueue queue.Queue = h.queue
	if hk.runnerQueue != nil {
		runnerQueue = hk.runnerQueue(h.queue)
	}
	par := NewParallelRunner(runnerStore, h.audio, runnerQueue, agg, seq, h.events, log, cfg.Chunking.WorkDir, cfg.Chunking.TargetSeconds)
	h.svc = NewTranscriptService(Deps{
		Store:      h.store,
		Queue:      h.queue,
		Audio:      h.audio,
		Aggregator: agg,
		Sequential: seq,
		Parallel:   par,
		Events:     h.events,
	}, cfg, log)

	var evaluator worker.Evaluator = agg
	if hk.evaluator != nil {
		evaluator = hk.evaluator(agg)
	}
	w := worker.NewChunkWorker(h.store, provider, evaluator, h.events, log, cfg.Provider.PollInterval, cfg.Provider.PollTimeout)
	if err := h.queue.Start(w.Process); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		h.svc.Shutdown()
		h.queue.Shutdown()
	})
	return h
}

func (h *harness) get(t *testing.T, videoID string, mode model.ProcessingMode) *model.TranscriptResult {
	t.Helper()
	res, err := h.svc.GetTranscript(context.Background(), videoID, "", mode)
	if err != nil {
		t.Fatalf("GetTranscript(%s): %v", videoID, err)
	}
	return res
}

func (h *harness) record(t *testing.T, videoID string) *model.VideoTranscript {
	t.Helper()
	v, err := h.store.Get(context.Background(), videoID)
	if err != nil {
		t.Fatalf("get %s: %v", videoID, err)
	}
	return v
}

// waitStatus blocks until the video reaches status
func (h *harness) waitStatus(t *testing.T, videoID string, status model.TranscriptStatus) *model.VideoTranscript {
	t.Helper()
	var v *model.VideoTranscript
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		var err error
		v, err = h.store.Get(context.Background(), videoID)
		return err == nil && v.OverallStatus == status
	})
	return v
}

// slowEvaluator holds the worker after the video status settled, keeping
// the failed chunk's job running for a while
type slowEvaluator struct {
	worker.Evaluator
	hold time.Duration
}

func (e slowEvaluator) Evaluate(ctx context.Context, videoID string) (*model.VideoTranscript, error) {
	v, err := e.Evaluator.Evaluate(ctx, videoID)
	time.Sleep(e.hold)
	return v, err
}

// brokenPlanStore fails to record a chunk plan
type brokenPlanStore struct {
	store.TranscriptStore
}

func (brokenPlanStore) InitChunks(context.Context, string, float64, []model.ChunkRecord) error {
	return errors.New("redis: connection refused")
}

// fullQueue refuses every job
type fullQueue struct {
	queue.Queue
}

func (fullQueue) Enqueue(context.Context, model.ChunkJob) error {
	return queue.ErrQueueFull
}

func lectureText(i int) string {
	return fmt.Sprintf("part %d of the lecture", i)
}
