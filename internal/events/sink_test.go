package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lectern/transcriber/internal/model"
)

type collect struct{ got []model.Event }

func (c *collect) Publish(ev model.Event) { c.got = append(c.got, ev) }

func TestFanout_PublishesToEverySink(t *testing.T) {
	a, b := &collect{}, &collect{}
	f := Fanout{a, nil, b}

	f.Publish(model.ChunkEvent("vid", 1, model.StatusPending, model.StatusProcessing))

	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("expected one event per sink, got %d and %d", len(a.got), len(b.got))
	}
	if *a.got[0].ChunkIndex != 1 || a.got[0].ID == "" {
		t.Errorf("unexpected event %+v", a.got[0])
	}
}

func TestLogSink_WritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	NewLogSink(log).Publish(model.ChunkEvent("vid", 3, model.StatusProcessing, model.StatusCompleted))

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected one json line, got %q", buf.String())
	}
	if line["videoId"] != "vid" || line["chunkIndex"] != float64(3) || line["to"] != "completed" {
		t.Errorf("missing fields in %v", line)
	}
	if line["level"] != "info" {
		t.Errorf("expected info level, got %v", line["level"])
	}
}

func TestLogSink_RepairLogsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)

	NewLogSink(log).Publish(model.RepairEvent("vid", 4, 3))

	out := buf.String()
	if !strings.Contains(out, "level=warning") || !strings.Contains(out, "stored 4, counted 3") {
		t.Errorf("unexpected log output %q", out)
	}
}
