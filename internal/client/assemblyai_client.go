package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lectern/transcriber/internal/config"
	"github.com/lectern/transcriber/internal/model"
)

// AssemblyAIClient implements TranscriptionProvider against the AssemblyAI REST API
type AssemblyAIClient struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type createTranscriptRequest struct {
	AudioURL          string `json:"audio_url"`
	LanguageDetection bool   `json:"language_detection"`
}

// NewAssemblyAIClient creates a new provider client
func NewAssemblyAIClient(cfg *config.ProviderConfig) *AssemblyAIClient {
	return &AssemblyAIClient{
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
	}
}

// Upload streams a local audio file to the provider and returns its private URL
func (c *AssemblyAIClient) Upload(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: open chunk: %v", model.ErrValidation, err)
	}
	defer f.Close()

	var result uploadResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v2/upload", f, "application/octet-stream", "", &result); err != nil {
		return "", err
	}
	if result.UploadURL == "" {
		return "", fmt.Errorf("%w: upload returned no url", model.ErrProviderUnavailable)
	}
	return result.UploadURL, nil
}

// CreateJob submits a transcription job for an uploaded file without waiting for it
func (c *AssemblyAIClient) CreateJob(ctx context.Context, uploadURL string, meta JobMeta) (string, error) {
	var job ProviderJob
	if err := c.post(ctx, "/v2/transcript", createTranscriptRequest{
		AudioURL:          uploadURL,
		LanguageDetection: true,
	}, meta.RequestID, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", fmt.Errorf("%w: create returned no job id", model.ErrProviderUnavailable)
	}
	return job.ID, nil
}

// PollJob fetches the current state of a provider job
func (c *AssemblyAIClient) PollJob(ctx context.Context, providerJobID string) (*ProviderJob, error) {
	var job ProviderJob
	if err := c.doRequest(ctx, http.MethodGet, "/v2/transcript/"+providerJobID, nil, "", "", &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// post sends a POST request with JSON body and parses the response
func (c *AssemblyAIClient) post(ctx context.Context, endpoint string, body interface{}, requestID string, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.doRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes), "application/json", requestID, result)
}

func (c *AssemblyAIClient) doRequest(ctx context.Context, method, endpoint string, body io.Reader, contentType, requestID string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", c.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", model.ErrProviderUnavailable, method, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", model.ErrProviderUnavailable, err)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// classifyStatus maps HTTP failures onto the error taxonomy.
// Auth, throttling, timeouts and server errors are transient; other 4xx
// responses mean the provider rejected this job.
func classifyStatus(code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusRequestTimeout, code == http.StatusTooManyRequests,
		code >= 500:
		return fmt.Errorf("%w: status %d: %s", model.ErrProviderUnavailable, code, truncate(body, 200))
	default:
		return fmt.Errorf("%w: status %d: %s", model.ErrProviderJobFailed, code, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// IsConfigured returns true if the client has valid configuration
func (c *AssemblyAIClient) IsConfigured() bool {
	return c.apiKey != "" && c.baseURL != ""
}
