package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lectern/transcriber/internal/logging"
	"github.com/lectern/transcriber/internal/model"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	go h.Run()
	t.Cleanup(h.Stop)
	return h
}

func receive(t *testing.T, c *Client) (model.WSEventMessage, bool) {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			return model.WSEventMessage{}, false
		}
		var msg model.WSEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad message %q: %v", data, err)
		}
		return msg, true
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
	return model.WSEventMessage{}, false
}

func TestHub_DeliversEventsOnlyToSubscribersOfTheVideo(t *testing.T) {
	h := startHub(t)
	a := &Client{VideoID: "a", Send: make(chan []byte, 4)}
	b := &Client{VideoID: "b", Send: make(chan []byte, 4)}
	h.Register(a)
	h.Register(b)

	h.Publish(model.ChunkEvent("a", 0, model.StatusPending, model.StatusProcessing))

	msg, ok := receive(t, a)
	if !ok || msg.Type != model.WSMessageTypeEvent || msg.Event.VideoID != "a" {
		t.Fatalf("unexpected message %+v", msg)
	}
	select {
	case <-b.Send:
		t.Error("subscriber of another video received the event")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_DropsSlowSubscribers(t *testing.T) {
	h := startHub(t)
	slow := &Client{VideoID: "v", Send: make(chan []byte, 1)}
	slow.Send <- []byte("{}")
	h.Register(slow)

	h.Publish(model.VideoEvent("v", model.StatusPending, model.StatusProcessing))

	deadline := time.Now().Add(time.Second)
	for h.Subscribers("v") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow subscriber was not dropped")
		}
		time.Sleep(time.Millisecond)
	}
	<-slow.Send
	if _, ok := <-slow.Send; ok {
		t.Error("expected channel to be closed")
	}
}

func TestHub_StopClosesSubscribersAndIgnoresLatePublish(t *testing.T) {
	h := NewHub(logging.Discard())
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()

	c := &Client{VideoID: "v", Send: make(chan []byte, 1)}
	h.Register(c)
	h.Stop()
	<-done

	if _, ok := <-c.Send; ok {
		t.Error("expected subscriber channel to be closed")
	}
	h.Publish(model.VideoEvent("v", model.StatusProcessing, model.StatusCompleted))
	h.Unregister(c)

	late := &Client{VideoID: "v", Send: make(chan []byte, 1)}
	h.Register(late)
	if _, ok := <-late.Send; ok {
		t.Error("registering after stop must close the client")
	}
}
