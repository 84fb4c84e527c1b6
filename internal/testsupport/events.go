package testsupport

import (
	"sync"

	"github.com/lectern/transcriber/internal/model"
)

// RecorderSink keeps every published event for assertions
type RecorderSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *RecorderSink) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything published so far
func (r *RecorderSink) Events() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the events of one type for a video
func (r *RecorderSink) OfType(videoID string, typ model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range r.Events() {
		if ev.VideoID == videoID && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// ChunkStatuses returns the target statuses a chunk moved through, in order
func (r *RecorderSink) ChunkStatuses(videoID string, index int) []model.TranscriptStatus {
	var out []model.TranscriptStatus
	for _, ev := range r.OfType(videoID, model.EventChunkTransition) {
		if ev.ChunkIndex != nil && *ev.ChunkIndex == index {
			out = append(out, ev.To)
		}
	}
	return out
}
