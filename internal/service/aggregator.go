package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/events"
	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/store"
)

// Aggregator derives the video status from its chunks and assembles the
// final transcript once every chunk completed.
type Aggregator struct {
	store  store.TranscriptStore
	events events.Sink
	log    *logrus.Logger
}

func NewAggregator(st store.TranscriptStore, sink events.Sink, log *logrus.Logger) *Aggregator {
	return &Aggregator{store: st, events: sink, log: log}
}

// Evaluate is safe to call any number of times; it only writes when the
// derived status differs from the stored one.
func (a *Aggregator) Evaluate(ctx context.Context, videoID string) (*model.VideoTranscript, error) {
	v, err := a.store.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if v.ProcessingMode != model.ModeParallel || len(v.Chunks) == 0 {
		return v, nil
	}

	completed := v.CountChunks(model.StatusCompleted)
	if completed != v.Metadata.CompletedChunks {
		a.log.WithFields(logrus.Fields{
			"videoId": videoID,
			"stored":  v.Metadata.CompletedChunks,
			"counted": completed,
		}).Warn(model.ErrAggregationInconsistency.Error())
		a.events.Publish(model.RepairEvent(videoID, v.Metadata.CompletedChunks, completed))
		if err := a.store.SetCompletedCount(ctx, videoID, completed); err != nil {
			return nil, fmt.Errorf("failed to repair completed counter: %w", err)
		}
		v.Metadata.CompletedChunks = completed
	}

	switch {
	case completed == len(v.Chunks):
		if v.OverallStatus == model.StatusCompleted {
			return v, nil
		}
		return a.finish(ctx, v)

	case v.AllChunksTerminal():
		if v.OverallStatus == model.StatusFailed {
			return v, nil
		}
		return a.fail(ctx, v, completed)
	}
	return v, nil
}

func (a *Aggregator) finish(ctx context.Context, v *model.VideoTranscript) (*model.VideoTranscript, error) {
	text, words, language := Assemble(v.Chunks)
	end := time.Now().UTC()
	f := store.Finalization{
		Status:     model.StatusCompleted,
		Transcript: text,
		Language:   language,
		WordCount:  words,
		Source:     model.SourceProvider,
		EndTime:    end,
		DurationMs: elapsedMs(v.Metadata.ProcessingStartTime, end),
	}
	if err := a.store.FinishVideo(ctx, v.VideoID, f); err != nil {
		return nil, fmt.Errorf("failed to finalize transcript: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"videoId":   v.VideoID,
		"chunks":    len(v.Chunks),
		"wordCount": words,
	}).Info("transcript assembled")
	a.events.Publish(model.VideoEvent(v.VideoID, v.OverallStatus, model.StatusCompleted))
	return a.store.Get(ctx, v.VideoID)
}

func (a *Aggregator) fail(ctx context.Context, v *model.VideoTranscript, completed int) (*model.VideoTranscript, error) {
	end := time.Now().UTC()
	failed := v.CountChunks(model.StatusFailed)
	f := store.Finalization{
		Status:     model.StatusFailed,
		Error:      fmt.Sprintf("%d of %d chunks failed", failed, len(v.Chunks)),
		EndTime:    end,
		DurationMs: elapsedMs(v.Metadata.ProcessingStartTime, end),
	}
	if err := a.store.FinishVideo(ctx, v.VideoID, f); err != nil {
		return nil, fmt.Errorf("failed to mark transcript failed: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"videoId":   v.VideoID,
		"failed":    failed,
		"completed": completed,
	}).Warn("transcript failed")
	a.events.Publish(model.VideoEvent(v.VideoID, v.OverallStatus, model.StatusFailed))
	return a.store.Get(ctx, v.VideoID)
}

// Assemble joins chunk transcripts in chunk order. The language is the one
// most chunks reported; on a tie the first to reach the count wins.
func Assemble(chunks []model.ChunkRecord) (text string, words int, language string) {
	v := model.VideoTranscript{Chunks: chunks}
	parts := make([]string, 0, len(chunks))
	counts := make(map[string]int)
	best := 0
	for _, c := range v.SortedChunks() {
		if t := strings.TrimSpace(c.Transcript); t != "" {
			parts = append(parts, t)
		}
		words += model.CountWords(c.Transcript)
		if c.Language == "" {
			continue
		}
		counts[c.Language]++
		if counts[c.Language] > best {
			best = counts[c.Language]
			language = c.Language
		}
	}
	return strings.Join(parts, " "), words, language
}

func elapsedMs(start *time.Time, end time.Time) int64 {
	if start == nil {
		return 0
	}
	return end.Sub(*start).Milliseconds()
}
