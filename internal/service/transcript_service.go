package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/events"
	"github.com/lectern/transcriber/internal/media"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/internal/store"
)

// defaultReleaseWait bounds how long Resubmit waits for a chunk job that
// failed the chunk but has not been dead-lettered yet
const defaultReleaseWait = 5 * time.Second

// Deps are the collaborators of TranscriptService
type Deps struct {
	Store      store.TranscriptStore
	Queue      queue.Queue
	Audio      media.AudioSource
	Aggregator *Aggregator
	Sequential *SequentialRunner
	Parallel   *ParallelRunner
	Events     events.Sink
}

// TranscriptService is the public face of the pipeline: cache lookup,
// run coalescing, operator actions.
type TranscriptService struct {
	store      store.TranscriptStore
	queue      queue.Queue
	audio      media.AudioSource
	aggregator *Aggregator
	sequential *SequentialRunner
	parallel   *ParallelRunner
	events     events.Sink
	log        *logrus.Logger

	minChars    int
	staleAfter  time.Duration
	releaseWait time.Duration
	seqMaxSecs  float64
	workDir     string
	defaultMode model.ProcessingMode

	group  singleflight.Group
	runs   sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTranscriptService(deps Deps, cfg *config.Config, log *logrus.Logger) *TranscriptService {
	ctx, cancel := context.WithCancel(context.Background())
	return &TranscriptService{
		store:       deps.Store,
		queue:       deps.Queue,
		audio:       deps.Audio,
		aggregator:  deps.Aggregator,
		sequential:  deps.Sequential,
		parallel:    deps.Parallel,
		events:      deps.Events,
		log:         log,
		minChars:    cfg.Cache.MinChars,
		staleAfter:  cfg.Cache.StaleAfter,
		releaseWait: defaultReleaseWait,
		seqMaxSecs:  cfg.Chunking.SequentialMaxSeconds,
		workDir:     cfg.Chunking.WorkDir,
		defaultMode: model.ModeAuto,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// GetTranscript returns the cached transcript or starts (or joins) a run.
// The call waits for the run's first phase: a sequential run answers with
// the transcript, a parallel run with its status once chunks are queued.
func (s *TranscriptService) GetTranscript(ctx context.Context, videoID, videoRef string, mode model.ProcessingMode) (*model.TranscriptResult, error) {
	if err := checkVideoID(videoID); err != nil {
		return nil, err
	}

	v, err := s.store.Get(ctx, videoID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if v.IsViable(s.minChars) {
		return s.hit(ctx, v), nil
	}

	res, err, _ := s.group.Do(videoID, func() (interface{}, error) {
		v, done, err := s.begin(ctx, videoID, videoRef, mode)
		if err != nil {
			return nil, err
		}
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		if latest, err := s.store.Get(context.WithoutCancel(ctx), videoID); err == nil {
			v = latest
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}

	v = res.(*model.VideoTranscript)
	if v.IsViable(s.minChars) {
		return &model.TranscriptResult{Ready: true, Transcript: model.NewTranscriptResponse(v, false)}, nil
	}
	return &model.TranscriptResult{Status: model.NewStatusResponse(v)}, nil
}

// touch stamps lastUsedAt; a failed write never fails the read
func (s *TranscriptService) touch(ctx context.Context, videoID string) {
	if err := s.store.TouchLastUsed(ctx, videoID, time.Now()); err != nil {
		s.log.WithError(err).WithField("videoId", videoID).Warn("failed to touch lastUsedAt")
	}
}

func (s *TranscriptService) hit(ctx context.Context, v *model.VideoTranscript) *model.TranscriptResult {
	s.touch(ctx, v.VideoID)
	return &model.TranscriptResult{Ready: true, Transcript: model.NewTranscriptResponse(v, true)}
}

// Start begins a run without waiting for it. A viable record is left alone.
func (s *TranscriptService) Start(ctx context.Context, videoID, videoRef string, mode model.ProcessingMode) (*model.StatusResponse, error) {
	if err := checkVideoID(videoID); err != nil {
		return nil, err
	}
	res, err, _ := s.group.Do(videoID, func() (interface{}, error) {
		v, _, err := s.begin(ctx, videoID, videoRef, mode)
		return v, err
	})
	if err != nil {
		return nil, err
	}
	return model.NewStatusResponse(res.(*model.VideoTranscript)), nil
}

// begin claims the record and launches a run. done is nil when no run was
// launched: the record is viable, a live run was joined, or failed chunks
// were resubmitted.
func (s *TranscriptService) begin(ctx context.Context, videoID, videoRef string, mode model.ProcessingMode) (*model.VideoTranscript, <-chan struct{}, error) {
	if mode == "" {
		mode = s.defaultMode
	}
	if !validRequestMode(mode) {
		return nil, nil, fmt.Errorf("%w: unknown mode %q", model.ErrInvalidInput, mode)
	}

	existing, err := s.store.Get(ctx, videoID)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return nil, nil, err
	case existing.IsViable(s.minChars):
		return existing, nil, nil
	case resumable(existing):
		if _, err := s.Resubmit(ctx, videoID); err != nil {
			return nil, nil, err
		}
		v, err := s.store.Get(ctx, videoID)
		return v, nil, err
	}

	ref := strings.TrimSpace(videoRef)
	if ref == "" && existing != nil {
		ref = existing.VideoRef
	}
	if ref == "" {
		ref = videoID
	}

	v, claimed, err := s.store.Claim(ctx, videoID, store.ClaimOptions{
		VideoRef:   ref,
		Mode:       storedMode(mode),
		StaleAfter: s.staleAfter,
		MinChars:   s.minChars,
		Now:        time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	if !claimed {
		s.log.WithField("videoId", videoID).Debug("joined existing run")
		return v, nil, nil
	}

	s.log.WithFields(logrus.Fields{"videoId": videoID, "mode": mode}).Info("transcription run started")
	done := make(chan struct{})
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer close(done)
		s.run(v, mode)
	}()
	return v, done, nil
}

func (s *TranscriptService) run(v *model.VideoTranscript, mode model.ProcessingMode) {
	ctx := s.ctx
	logger := s.log.WithField("videoId", v.VideoID)

	if mode == model.ModeSequential {
		if _, err := s.sequential.Run(ctx, v, nil); err != nil {
			logger.WithError(err).Warn("sequential run ended without transcript")
		}
		return
	}

	start := time.Now().UTC()
	src, err := extractSource(ctx, s.audio, s.workDir, v)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("audio extraction failed")
		if _, err := s.sequential.Recover(ctx, v, start, 0, err); err != nil {
			logger.WithError(err).Warn("run ended without transcript")
		}
		return
	}

	if mode == model.ModeAuto && src.Duration <= s.seqMaxSecs {
		if _, err := s.sequential.Run(ctx, v, src); err != nil {
			logger.WithError(err).Warn("sequential run ended without transcript")
		}
		return
	}
	if err := s.parallel.Run(ctx, v, src); err != nil {
		logger.WithError(err).Warn("parallel planning failed")
	}
}

// Status never fails for failed videos; only a missing record errors
func (s *TranscriptService) Status(ctx context.Context, videoID string) (*model.StatusResponse, error) {
	if err := checkVideoID(videoID); err != nil {
		return nil, err
	}
	v, err := s.store.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, videoID)
	return model.NewStatusResponse(v), nil
}

// Resubmit re-enqueues exactly the failed chunks of a video, re-cutting any
// chunk file that was already collected.
func (s *TranscriptService) Resubmit(ctx context.Context, videoID string) (*model.ResubmitResponse, error) {
	if err := checkVideoID(videoID); err != nil {
		return nil, err
	}
	res, err, _ := s.group.Do("resubmit:"+videoID, func() (interface{}, error) {
		return s.resubmit(ctx, videoID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*model.ResubmitResponse), nil
}

func (s *TranscriptService) resubmit(ctx context.Context, videoID string) (*model.ResubmitResponse, error) {
	v, err := s.store.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	logger := s.log.WithField("videoId", videoID)

	var failed []model.ChunkRecord
	for _, c := range v.SortedChunks() {
		if c.Status == model.StatusFailed {
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return &model.ResubmitResponse{VideoID: videoID}, nil
	}

	// nothing is reset until every failed chunk's job has settled
	for _, c := range failed {
		if err := s.release(ctx, videoID, c.ChunkIndex); err != nil {
			return nil, err
		}
	}

	var src *Source
	defer func() {
		if src != nil {
			os.Remove(src.Path)
		}
	}()

	var reset []model.ChunkRecord
	for _, c := range failed {
		if _, err := os.Stat(c.ChunkPath); err != nil {
			if src == nil {
				if src, err = extractSource(ctx, s.audio, s.workDir, v); err != nil {
					return nil, fmt.Errorf("failed to re-extract audio: %w", err)
				}
			}
			if err := s.audio.Cut(ctx, src.Path, c.ChunkPath, c.StartTime, c.EndTime); err != nil {
				return nil, fmt.Errorf("failed to re-cut chunk %d: %w", c.ChunkIndex, err)
			}
		}
		moved, err := s.store.ResetChunk(ctx, videoID, c.ChunkIndex)
		if err != nil {
			return nil, err
		}
		if moved {
			s.events.Publish(model.ChunkEvent(videoID, c.ChunkIndex, model.StatusFailed, model.StatusPending))
			reset = append(reset, c)
		}
	}

	if err := s.store.ReopenVideo(ctx, videoID, time.Now()); err != nil {
		return nil, err
	}
	if v.OverallStatus != model.StatusProcessing {
		s.events.Publish(model.VideoEvent(videoID, v.OverallStatus, model.StatusProcessing))
	}

	enqueued := 0
	for _, c := range reset {
		if err := enqueueChunk(ctx, s.queue, videoID, c); err != nil {
			logger.WithError(err).WithField("chunkIndex", c.ChunkIndex).Warn("failed to re-enqueue chunk")
			if moved, _ := s.store.FailChunk(ctx, videoID, c.ChunkIndex, fmt.Sprintf("enqueue failed: %v", err), time.Now()); moved {
				s.events.Publish(model.ChunkEvent(videoID, c.ChunkIndex, model.StatusPending, model.StatusFailed))
			}
			continue
		}
		enqueued++
	}
	if enqueued < len(reset) {
		if _, err := s.aggregator.Evaluate(ctx, videoID); err != nil {
			return nil, err
		}
	}

	logger.WithField("enqueued", enqueued).Info("failed chunks resubmitted")
	return &model.ResubmitResponse{VideoID: videoID, Enqueued: enqueued}, nil
}

// release drops the settled job of a chunk. A job that recorded the failure
// but is still returning is waited for up to releaseWait.
func (s *TranscriptService) release(ctx context.Context, videoID string, index int) error {
	deadline := time.Now().Add(s.releaseWait)
	tick := time.NewTimer(0)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
		err := s.queue.Release(ctx, videoID, index)
		if !errors.Is(err, queue.ErrJobActive) {
			if err != nil {
				return fmt.Errorf("failed to release chunk %d: %w", index, err)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("chunk %d: %w", index, err)
		}
		tick.Reset(releasePollInterval)
	}
}

const releasePollInterval = 20 * time.Millisecond

// Import stores an operator-provided transcript; no provider is involved
func (s *TranscriptService) Import(ctx context.Context, videoID, text, language string) (*model.TranscriptResponse, error) {
	if err := checkVideoID(videoID); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty transcript", model.ErrInvalidInput)
	}

	now := time.Now().UTC()
	v := &model.VideoTranscript{
		VideoID:        videoID,
		OverallStatus:  model.StatusCompleted,
		ProcessingMode: model.ModeOffline,
		Transcript:     text,
		Language:       language,
		WordCount:      model.CountWords(text),
		Source:         model.SourceImport,
		Metadata: model.Metadata{
			TotalChunks:         1,
			CompletedChunks:     1,
			ProcessingStartTime: &now,
			ProcessingEndTime:   &now,
		},
	}
	if existing, err := s.store.Get(ctx, videoID); err == nil {
		v.VideoRef = existing.VideoRef
		v.Duration = existing.Duration
		v.CreatedAt = existing.CreatedAt
	}
	if err := s.store.Save(ctx, v); err != nil {
		return nil, err
	}
	s.events.Publish(model.VideoEvent(videoID, "", model.StatusCompleted))
	return model.NewTranscriptResponse(v, false), nil
}

// Delete removes the record, its queued chunk jobs and local chunk files
func (s *TranscriptService) Delete(ctx context.Context, videoID string) error {
	if err := checkVideoID(videoID); err != nil {
		return err
	}
	v, err := s.store.Get(ctx, videoID)
	if err != nil {
		return err
	}
	for _, c := range v.Chunks {
		if err := s.queue.Release(ctx, videoID, c.ChunkIndex); err != nil {
			s.log.WithError(err).WithField("chunkIndex", c.ChunkIndex).Warn("failed to release chunk job")
		}
	}
	if err := s.store.Delete(ctx, videoID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.workDir, videoID)); err != nil {
		s.log.WithError(err).WithField("videoId", videoID).Warn("failed to remove chunk files")
	}
	return nil
}

// DeadLetters lists chunk jobs that exhausted their retries
func (s *TranscriptService) DeadLetters(ctx context.Context) ([]model.DeadLetterResponse, error) {
	dls, err := s.queue.DeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.DeadLetterResponse, 0, len(dls))
	for _, d := range dls {
		out = append(out, d.Response())
	}
	return out, nil
}

// Wait blocks until every background run returned
func (s *TranscriptService) Wait() {
	s.runs.Wait()
}

// Shutdown cancels background runs and waits for them
func (s *TranscriptService) Shutdown() {
	s.cancel()
	s.runs.Wait()
}

func checkVideoID(id string) error {
	if !model.ValidVideoID(id) {
		return fmt.Errorf("%w: malformed video id %q", model.ErrInvalidInput, id)
	}
	return nil
}

func validRequestMode(mode model.ProcessingMode) bool {
	for _, m := range model.ValidRequestModes {
		if m == mode {
			return true
		}
	}
	return false
}

// storedMode is the mode recorded at claim time; auto is settled later
func storedMode(mode model.ProcessingMode) model.ProcessingMode {
	if mode == model.ModeSequential {
		return model.ModeSequential
	}
	return model.ModeParallel
}

// resumable reports a failed parallel record whose failed chunks can be
// resubmitted instead of replanning the whole video
func resumable(v *model.VideoTranscript) bool {
	return v.OverallStatus == model.StatusFailed &&
		v.ProcessingMode == model.ModeParallel &&
		v.CountChunks(model.StatusFailed) > 0
}
