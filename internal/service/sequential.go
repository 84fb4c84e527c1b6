package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/client"
	"github.com/lectern/transcriber/internal/events"
	"github.com/lectern/transcriber/internal/media"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/store"
)

// Source is audio already extracted for a run
type Source struct {
	Path     string
	Duration float64
}

// SequentialOptions tunes the serial path
type SequentialOptions struct {
	WorkDir      string
	PollInterval time.Duration
	PollTimeout  time.Duration
	// Captions below either threshold are kept but tagged captions_short
	MinChars int
	MinWords int
}

// SequentialRunner transcribes a whole video with one provider job and falls
// back to the caption source when that fails.
type SequentialRunner struct {
	store    store.TranscriptStore
	audio    media.AudioSource
	provider client.TranscriptionProvider
	captions client.CaptionSource
	events   events.Sink
	log      *logrus.Logger
	opts     SequentialOptions
}

// NewSequentialRunner builds the serial path. captions may be nil.
func NewSequentialRunner(
	st store.TranscriptStore,
	audio media.AudioSource,
	provider client.TranscriptionProvider,
	captions client.CaptionSource,
	sink events.Sink,
	log *logrus.Logger,
	opts SequentialOptions,
) *SequentialRunner {
	return &SequentialRunner{
		store:    st,
		audio:    audio,
		provider: provider,
		captions: captions,
		events:   sink,
		log:      log,
		opts:     opts,
	}
}

// Run transcribes v. When src is nil the audio is extracted first. The
// returned record is the stored outcome; a non-nil error means the video
// failed or the run was cancelled.
func (r *SequentialRunner) Run(ctx context.Context, v *model.VideoTranscript, src *Source) (*model.VideoTranscript, error) {
	logger := r.log.WithFields(logrus.Fields{"videoId": v.VideoID, "mode": model.ModeSequential})
	start := time.Now().UTC()
	if v.Metadata.ProcessingStartTime != nil {
		start = *v.Metadata.ProcessingStartTime
	}

	if err := r.store.ReopenVideo(ctx, v.VideoID, time.Now()); err != nil {
		return nil, err
	}
	if v.OverallStatus != model.StatusProcessing {
		r.events.Publish(model.VideoEvent(v.VideoID, v.OverallStatus, model.StatusProcessing))
		v.OverallStatus = model.StatusProcessing
	}

	job, duration, err := r.transcribe(ctx, v, src)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err == nil {
		logger.WithField("transcriptId", job.ID).Info("sequential transcription completed")
		return r.save(ctx, v, start, duration, job.Text, job.Language, model.SourceProvider)
	}

	logger.WithError(err).Warn("sequential transcription failed, trying captions")
	return r.Recover(ctx, v, start, duration, err)
}

func (r *SequentialRunner) transcribe(ctx context.Context, v *model.VideoTranscript, src *Source) (*client.ProviderJob, float64, error) {
	if src == nil {
		dir := filepath.Join(r.opts.WorkDir, v.VideoID)
		path, err := r.audio.Extract(ctx, v.VideoRef, dir)
		if err != nil {
			return nil, 0, err
		}
		src = &Source{Path: path}
		if d, err := r.audio.Duration(ctx, path); err == nil {
			src.Duration = d
		}
	}
	defer os.Remove(src.Path)

	uploadURL, err := r.provider.Upload(ctx, src.Path)
	if err != nil {
		return nil, src.Duration, err
	}
	id, err := r.provider.CreateJob(ctx, uploadURL, client.JobMeta{
		VideoID:    v.VideoID,
		ChunkIndex: -1,
		RequestID:  uuid.NewString(),
	})
	if err != nil {
		return nil, src.Duration, err
	}
	job, err := client.PollTranscript(ctx, r.log.WithField("videoId", v.VideoID), r.provider, id, r.opts.PollInterval, r.opts.PollTimeout)
	return job, src.Duration, err
}

// Recover tries the caption source after the primary path raised cause.
// Short captions are accepted and tagged. If captions fail too the video is
// marked failed with both reasons.
func (r *SequentialRunner) Recover(ctx context.Context, v *model.VideoTranscript, start time.Time, duration float64, cause error) (*model.VideoTranscript, error) {
	primary := fmt.Errorf("transcription failed: %w", cause)
	if r.captions == nil {
		return nil, r.markFailed(ctx, v, start, primary)
	}

	caps, err := r.captions.Fetch(ctx, v.VideoRef)
	if err != nil {
		return nil, r.markFailed(ctx, v, start, errors.Join(primary, fmt.Errorf("captions fallback: %w", err)))
	}

	source := model.SourceCaptions
	if len(caps.Text) < r.opts.MinChars || model.CountWords(caps.Text) < r.opts.MinWords {
		source = model.SourceCaptionsShort
	}
	r.log.WithFields(logrus.Fields{
		"videoId": v.VideoID,
		"source":  source,
		"chars":   len(caps.Text),
	}).Info("transcript taken from captions")
	return r.save(ctx, v, start, duration, caps.Text, caps.Language, source)
}

func (r *SequentialRunner) save(ctx context.Context, v *model.VideoTranscript, start time.Time, duration float64, text, language, source string) (*model.VideoTranscript, error) {
	end := time.Now().UTC()
	rec := &model.VideoTranscript{
		VideoID:        v.VideoID,
		VideoRef:       v.VideoRef,
		OverallStatus:  model.StatusCompleted,
		ProcessingMode: model.ModeSequential,
		Transcript:     text,
		Language:       language,
		WordCount:      model.CountWords(text),
		Duration:       duration,
		Source:         source,
		Metadata: model.Metadata{
			TotalChunks:          1,
			CompletedChunks:      1,
			ProcessingStartTime:  model.TimePtr(start),
			ProcessingEndTime:    model.TimePtr(end),
			ProcessingDurationMs: end.Sub(start).Milliseconds(),
		},
		CreatedAt: v.CreatedAt,
	}
	if err := r.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save transcript: %w", err)
	}
	r.events.Publish(model.VideoEvent(v.VideoID, v.OverallStatus, model.StatusCompleted))
	return rec, nil
}

func (r *SequentialRunner) markFailed(ctx context.Context, v *model.VideoTranscript, start time.Time, cause error) error {
	end := time.Now().UTC()
	err := r.store.FinishVideo(ctx, v.VideoID, store.Finalization{
		Status:     model.StatusFailed,
		Error:      cause.Error(),
		EndTime:    end,
		DurationMs: end.Sub(start).Milliseconds(),
	})
	if err != nil {
		r.log.WithError(err).WithField("videoId", v.VideoID).Error("failed to record transcript failure")
	}
	r.events.Publish(model.VideoEvent(v.VideoID, v.OverallStatus, model.StatusFailed))
	return cause
}
