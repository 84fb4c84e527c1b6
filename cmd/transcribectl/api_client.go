package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lectern/transcriber/internal/model"
	"github.com/lectern/transcriber/pkg/response"
)

type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (a *apiClient) Start(ctx context.Context, videoID string, req model.StartRequest) (*model.StatusResponse, error) {
	var out model.StatusResponse
	if err := a.do(ctx, http.MethodPost, transcriptPath(videoID, "start"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *apiClient) Status(ctx context.Context, videoID string) (*model.StatusResponse, error) {
	var out model.StatusResponse
	if err := a.do(ctx, http.MethodGet, transcriptPath(videoID, "status"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *apiClient) Resubmit(ctx context.Context, videoID string) (*model.ResubmitResponse, error) {
	var out model.ResubmitResponse
	if err := a.do(ctx, http.MethodPost, transcriptPath(videoID, "resubmit"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *apiClient) Delete(ctx context.Context, videoID string) error {
	return a.do(ctx, http.MethodDelete, transcriptPath(videoID, ""), nil, nil)
}

func (a *apiClient) DeadLetters(ctx context.Context) ([]model.DeadLetterResponse, error) {
	var out struct {
		DeadLetters []model.DeadLetterResponse `json:"deadLetters"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/queue/dead-letters", nil, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

func transcriptPath(videoID, action string) string {
	p := "/api/transcripts/" + url.PathEscape(videoID)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (a *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e response.ErrorResponse
		if json.Unmarshal(data, &e) == nil && e.Error.Message != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, e.Error.Message, e.Error.Code)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
