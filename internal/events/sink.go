package events

import (
	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/model"
)

// Sink consumes pipeline state transitions. Publish must not block.
type Sink interface {
	Publish(ev model.Event)
}

// LogSink writes every event as a structured log line
type LogSink struct {
	log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ev model.Event) {
	fields := logrus.Fields{
		"event":   string(ev.Type),
		"eventId": ev.ID,
		"videoId": ev.VideoID,
	}
	if ev.ChunkIndex != nil {
		fields["chunkIndex"] = *ev.ChunkIndex
	}
	if ev.From != "" {
		fields["from"] = string(ev.From)
	}
	if ev.To != "" {
		fields["to"] = string(ev.To)
	}
	if ev.Attempt > 0 {
		fields["attempt"] = ev.Attempt
	}

	entry := s.log.WithFields(fields)
	switch {
	case ev.Type == model.EventAggregationRepair:
		entry.Warn(ev.Error)
	case ev.Error != "":
		entry.WithField("error", ev.Error).Info("state transition")
	default:
		entry.Info("state transition")
	}
}

// Fanout publishes to several sinks in order
type Fanout []Sink

func (f Fanout) Publish(ev model.Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ev)
		}
	}
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(model.Event) {}
