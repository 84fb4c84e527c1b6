package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/logging"
	"github.com/lectern/transcriber/internal/model"
)

type memStorage struct {
	objects map[string][]byte
	failPut bool
}

func (m *memStorage) Upload(_ context.Context, key string, body io.Reader, _ string) error {
	if m.failPut {
		return errors.New("bucket unavailable")
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = b
	return nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	return nil
}

func (m *memStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://r2.example/" + key + "?sig=1", nil
}

func TestStagedUpload_PutsChunkAndReturnsSignedURL(t *testing.T) {
	store := &memStorage{objects: map[string][]byte{}}
	p := NewStagedUploadProvider(&countingProvider{}, store, "", logging.Discard())

	url, err := p.Upload(context.Background(), writeChunk(t))
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if url != "https://r2.example/chunks/vid/chunk_000.mp3?sig=1" {
		t.Errorf("unexpected url %q", url)
	}
	if string(store.objects["chunks/vid/chunk_000.mp3"]) != "audio-bytes" {
		t.Error("chunk bytes not staged")
	}

	if _, err := p.CreateJob(context.Background(), url, JobMeta{}); err != nil {
		t.Errorf("create should delegate to the wrapped provider: %v", err)
	}
}

func TestStagedUpload_DeletesObjectOnceJobIsTerminal(t *testing.T) {
	store := &memStorage{objects: map[string][]byte{}}
	p := NewStagedUploadProvider(&countingProvider{}, store, "staging", logging.Discard())
	ctx := context.Background()

	url, err := p.Upload(ctx, writeChunk(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.objects["staging/vid/chunk_000.mp3"]; !ok {
		t.Fatalf("object not staged under prefix: %v", store.objects)
	}

	// a job this process never created leaves the object alone
	if _, err := p.PollJob(ctx, "someone-else"); err != nil {
		t.Fatal(err)
	}
	if len(store.objects) != 1 {
		t.Fatal("unrelated poll removed the staged object")
	}

	id, err := p.CreateJob(ctx, url, JobMeta{})
	if err != nil {
		t.Fatal(err)
	}
	job, err := p.PollJob(ctx, id)
	if err != nil || job.Status != ProviderJobCompleted {
		t.Fatalf("poll: %+v %v", job, err)
	}
	if len(store.objects) != 0 {
		t.Errorf("staged object kept after completion: %v", store.objects)
	}
}

func TestStagedUpload_FailedCreateForgetsURL(t *testing.T) {
	store := &memStorage{objects: map[string][]byte{}}
	inner := &countingProvider{createErr: model.ErrProviderUnavailable}
	p := NewStagedUploadProvider(inner, store, "", logging.Discard())
	ctx := context.Background()

	url, err := p.Upload(ctx, writeChunk(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateJob(ctx, url, JobMeta{}); !errors.Is(err, model.ErrProviderUnavailable) {
		t.Fatalf("expected the provider error, got %v", err)
	}
	p.mu.Lock()
	tracked := len(p.byURL) + len(p.byJobID)
	p.mu.Unlock()
	if tracked != 0 {
		t.Errorf("failed create left %d tracked entries", tracked)
	}
	if len(store.objects) != 0 {
		t.Errorf("failed create left staged objects %v", store.objects)
	}

	// retrying stages and tracks the chunk afresh
	inner.createErr = nil
	if url, err = p.Upload(ctx, writeChunk(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateJob(ctx, url, JobMeta{}); err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.byURL) != 0 || len(p.byJobID) != 1 {
		t.Errorf("unexpected tracking byURL=%v byJobID=%v", p.byURL, p.byJobID)
	}
}

func TestStagedUpload_StorageFailureIsTransient(t *testing.T) {
	p := NewStagedUploadProvider(&countingProvider{}, &memStorage{objects: map[string][]byte{}, failPut: true}, "", logging.Discard())
	_, err := p.Upload(context.Background(), writeChunk(t))
	if !errors.Is(err, model.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestCaptionsClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/captions" || r.URL.Query().Get("video") != "abc" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"text":"  some caption text  ","language":"en"}`))
	}))
	defer srv.Close()

	c := NewCaptionsClient(&config.FallbackConfig{CaptionsURL: srv.URL + "/"})
	caps, err := c.Fetch(context.Background(), "abc")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if caps.Text != "some caption text" || caps.Language != "en" {
		t.Errorf("unexpected captions %+v", caps)
	}

	if _, err := c.Fetch(context.Background(), "missing"); err == nil {
		t.Error("expected error for missing captions")
	}
}

func TestCaptionsClient_Unconfigured(t *testing.T) {
	c := NewCaptionsClient(&config.FallbackConfig{})
	if c.IsConfigured() {
		t.Fatal("expected unconfigured client")
	}
	if _, err := c.Fetch(context.Background(), "abc"); err == nil {
		t.Error("expected error from unconfigured client")
	}
}
