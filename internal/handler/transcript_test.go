package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/internal/queue"
	"github.com/lectern/transcriber/pkg/response"
)

type fakeAPI struct {
	result   *model.TranscriptResult
	err      error
	lastMode model.ProcessingMode
	lastRef  string
	imported string
	deleted  string
}

func (f *fakeAPI) GetTranscript(_ context.Context, id, ref string, mode model.ProcessingMode) (*model.TranscriptResult, error) {
	f.lastMode, f.lastRef = mode, ref
	return f.result, f.err
}

func (f *fakeAPI) Start(_ context.Context, id, ref string, mode model.ProcessingMode) (*model.StatusResponse, error) {
	f.lastMode, f.lastRef = mode, ref
	if f.err != nil {
		return nil, f.err
	}
	return &model.StatusResponse{VideoID: id, OverallStatus: model.StatusPending}, nil
}

func (f *fakeAPI) Status(_ context.Context, id string) (*model.StatusResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.StatusResponse{VideoID: id, OverallStatus: model.StatusFailed, TotalChunks: 5, CompletedChunks: 4}, nil
}

func (f *fakeAPI) Resubmit(_ context.Context, id string) (*model.ResubmitResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.ResubmitResponse{VideoID: id, Enqueued: 1}, nil
}

func (f *fakeAPI) Import(_ context.Context, id, text, lang string) (*model.TranscriptResponse, error) {
	f.imported = text
	if f.err != nil {
		return nil, f.err
	}
	return &model.TranscriptResponse{VideoID: id, Transcript: text, Source: model.SourceImport}, nil
}

func (f *fakeAPI) Delete(_ context.Context, id string) error {
	f.deleted = id
	return f.err
}

func (f *fakeAPI) DeadLetters(context.Context) ([]model.DeadLetterResponse, error) {
	return []model.DeadLetterResponse{{VideoID: "vid", ChunkIndex: 2, LastError: "boom", FailedAt: time.Now()}}, f.err
}

func newApp(api TranscriptAPI) *fiber.App {
	h := NewTranscriptHandler(api, validator.New())
	app := fiber.New()
	app.Get("/api/transcripts/:videoId", h.Get)
	app.Put("/api/transcripts/:videoId", h.Import)
	app.Delete("/api/transcripts/:videoId", h.Delete)
	app.Post("/api/transcripts/:videoId/start", h.Start)
	app.Get("/api/transcripts/:videoId/status", h.Status)
	app.Post("/api/transcripts/:videoId/resubmit", h.Resubmit)
	app.Get("/api/queue/dead-letters", h.DeadLetters)
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e response.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("not an error body: %s", body)
	}
	return e.Error.Code
}

func TestGet_StatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		result *model.TranscriptResult
		want   int
	}{
		{"hit", &model.TranscriptResult{Ready: true, Transcript: &model.TranscriptResponse{Transcript: "text", Cached: true}}, 200},
		{"in flight", &model.TranscriptResult{Status: &model.StatusResponse{OverallStatus: model.StatusProcessing}}, 202},
		{"failed", &model.TranscriptResult{Status: &model.StatusResponse{OverallStatus: model.StatusFailed}}, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := do(t, newApp(&fakeAPI{result: tc.result}), "GET", "/api/transcripts/vid", "")
			if code != tc.want {
				t.Errorf("status %d, want %d", code, tc.want)
			}
		})
	}
}

func TestGet_PassesModeAndRef(t *testing.T) {
	api := &fakeAPI{result: &model.TranscriptResult{Ready: true, Transcript: &model.TranscriptResponse{}}}
	do(t, newApp(api), "GET", "/api/transcripts/vid?mode=parallel&videoRef=abc", "")
	if api.lastMode != model.ModeParallel || api.lastRef != "abc" {
		t.Errorf("got mode=%q ref=%q", api.lastMode, api.lastRef)
	}
}

func TestErrorsMapToResponseCodes(t *testing.T) {
	cases := []struct {
		err      error
		wantHTTP int
		wantCode string
	}{
		{fmt.Errorf("%w: bad id", model.ErrInvalidInput), 400, response.CodeValidationError},
		{model.ErrNotFound, 404, response.CodeNotFound},
		{fmt.Errorf("%w: 503", model.ErrProviderUnavailable), 502, response.CodeProviderError},
		{fmt.Errorf("chunk 2: %w", queue.ErrJobActive), 409, response.CodeConflict},
		{fmt.Errorf("redis down"), 500, response.CodeServiceError},
	}
	for _, tc := range cases {
		t.Run(tc.wantCode, func(t *testing.T) {
			code, body := do(t, newApp(&fakeAPI{err: tc.err}), "GET", "/api/transcripts/vid/status", "")
			if code != tc.wantHTTP || errorCode(t, body) != tc.wantCode {
				t.Errorf("got %d %s, want %d %s", code, body, tc.wantHTTP, tc.wantCode)
			}
		})
	}
}

func TestResubmit_RunningJobIsAConflict(t *testing.T) {
	app := newApp(&fakeAPI{err: fmt.Errorf("chunk 2: %w", queue.ErrJobActive)})
	code, body := do(t, app, "POST", "/api/transcripts/vid/resubmit", "")
	if code != 409 || errorCode(t, body) != response.CodeConflict {
		t.Errorf("got %d %s, want 409 %s", code, body, response.CodeConflict)
	}
}

func TestStart_ValidatesMode(t *testing.T) {
	api := &fakeAPI{}
	app := newApp(api)

	code, body := do(t, app, "POST", "/api/transcripts/vid/start", `{"mode":"turbo"}`)
	if code != 400 || errorCode(t, body) != response.CodeValidationError {
		t.Errorf("unknown mode: %d %s", code, body)
	}

	code, _ = do(t, app, "POST", "/api/transcripts/vid/start", `{"mode":"sequential","videoRef":"https://videos.example/v"}`)
	if code != 202 || api.lastMode != model.ModeSequential || api.lastRef != "https://videos.example/v" {
		t.Errorf("valid start: %d mode=%s ref=%s", code, api.lastMode, api.lastRef)
	}

	if code, _ := do(t, app, "POST", "/api/transcripts/vid/start", ""); code != 202 {
		t.Errorf("empty body start: %d", code)
	}
}

func TestImport_RequiresTranscript(t *testing.T) {
	api := &fakeAPI{}
	app := newApp(api)

	if code, _ := do(t, app, "PUT", "/api/transcripts/vid", `{"language":"en"}`); code != 400 {
		t.Errorf("missing transcript: %d", code)
	}
	code, body := do(t, app, "PUT", "/api/transcripts/vid", `{"transcript":"hello there"}`)
	if code != 200 || api.imported != "hello there" {
		t.Errorf("import: %d %s", code, body)
	}
}

func TestResubmitDeleteAndDeadLetters(t *testing.T) {
	api := &fakeAPI{}
	app := newApp(api)

	code, body := do(t, app, "POST", "/api/transcripts/vid/resubmit", "")
	var rr model.ResubmitResponse
	json.Unmarshal(body, &rr)
	if code != 202 || rr.Enqueued != 1 {
		t.Errorf("resubmit: %d %s", code, body)
	}

	if code, _ := do(t, app, "DELETE", "/api/transcripts/vid", ""); code != 204 || api.deleted != "vid" {
		t.Errorf("delete: %d", code)
	}

	code, body = do(t, app, "GET", "/api/queue/dead-letters", "")
	var dl struct {
		DeadLetters []model.DeadLetterResponse `json:"deadLetters"`
	}
	json.Unmarshal(body, &dl)
	if code != 200 || len(dl.DeadLetters) != 1 || dl.DeadLetters[0].ChunkIndex != 2 {
		t.Errorf("dead letters: %d %s", code, body)
	}
}
