package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lectern/transcriber/internal/config"
)

// CaptionSource is the secondary transcript source used when the provider fails
type CaptionSource interface {
	Fetch(ctx context.Context, videoRef string) (*Captions, error)
}

// Captions is plain caption text for a video
type Captions struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// CaptionsClient fetches captions from an HTTP captions service
type CaptionsClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewCaptionsClient creates a new captions client
func NewCaptionsClient(cfg *config.FallbackConfig) *CaptionsClient {
	return &CaptionsClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.CaptionsURL, "/"),
	}
}

// Fetch returns the captions for a video reference
func (c *CaptionsClient) Fetch(ctx context.Context, videoRef string) (*Captions, error) {
	if !c.IsConfigured() {
		return nil, fmt.Errorf("captions service not configured")
	}

	endpoint := c.baseURL + "/captions?video=" + url.QueryEscape(videoRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("captions service error (status %d): %s", resp.StatusCode, truncate(body, 200))
	}

	var result Captions
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	result.Text = strings.TrimSpace(result.Text)
	if result.Text == "" {
		return nil, fmt.Errorf("no captions available for %s", videoRef)
	}
	return &result, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *CaptionsClient) IsConfigured() bool {
	return c.baseURL != ""
}
