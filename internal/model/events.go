package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType classifies state-transition events
type EventType string

const (
	EventChunkTransition   EventType = "chunk.transition"
	EventVideoTransition   EventType = "video.transition"
	EventAggregationRepair EventType = "aggregation.repair"
	EventJobRetry          EventType = "job.retry"
)

// Event is a structured state transition emitted by the pipeline
type Event struct {
	ID         string           `json:"id"`
	Type       EventType        `json:"type"`
	VideoID    string           `json:"videoId"`
	ChunkIndex *int             `json:"chunkIndex,omitempty"`
	From       TranscriptStatus `json:"from,omitempty"`
	To         TranscriptStatus `json:"to,omitempty"`
	Attempt    int              `json:"attempt,omitempty"`
	Error      string           `json:"error,omitempty"`
	At         time.Time        `json:"at"`
}

// ChunkEvent builds a chunk transition event
func ChunkEvent(videoID string, index int, from, to TranscriptStatus) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventChunkTransition,
		VideoID:    videoID,
		ChunkIndex: &index,
		From:       from,
		To:         to,
		At:         time.Now().UTC(),
	}
}

// VideoEvent builds a video transition event
func VideoEvent(videoID string, from, to TranscriptStatus) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    EventVideoTransition,
		VideoID: videoID,
		From:    from,
		To:      to,
		At:      time.Now().UTC(),
	}
}

// RepairEvent records a completed counter that had to be recomputed
func RepairEvent(videoID string, stored, actual int) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    EventAggregationRepair,
		VideoID: videoID,
		Error:   fmt.Sprintf("%v: stored %d, counted %d", ErrAggregationInconsistency, stored, actual),
		At:      time.Now().UTC(),
	}
}

// RetryEvent records a chunk attempt that failed and will be retried
func RetryEvent(videoID string, index, attempt int, err error) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       EventJobRetry,
		VideoID:    videoID,
		ChunkIndex: &index,
		Attempt:    attempt,
		Error:      err.Error(),
		At:         time.Now().UTC(),
	}
}
