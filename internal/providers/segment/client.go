package segment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPClientOptions configures the segmentation provider endpoint.
type HTTPClientOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// HTTPClient implements Client against a replicate-style predictions API.
type HTTPClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type segmentSubmitRequest struct {
	Version string `json:"version"`
	Input   struct {
		Image string `json:"image"`
	} `json:"input"`
}

type segmentPrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// NewHTTPClient validates credentials and applies endpoint defaults.
func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("segment api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPClient{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		model:   strings.TrimSpace(opts.Model),
		client:  client,
	}, nil
}

// Submit enqueues a segmentation job for the image.
func (c *HTTPClient) Submit(ctx context.Context, imageURL string) (string, error) {
	payload := segmentSubmitRequest{Version: c.model}
	payload.Input.Image = imageURL
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out segmentPrediction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error != "" {
			return "", fmt.Errorf("submit rejected: %s", out.Error)
		}
		return "", fmt.Errorf("submit http %d", resp.StatusCode)
	}
	if out.ID == "" {
		return "", errors.New("submit response missing job id")
	}
	return out.ID, nil
}

// Poll reads the segmentation job state.
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+jobID, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", "", fmt.Errorf("poll http %d", resp.StatusCode)
	}
	var out segmentPrediction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", err
	}
	status := StatusProcessing
	switch strings.ToLower(strings.TrimSpace(out.Status)) {
	case "succeeded":
		status = StatusSucceeded
	case "failed", "canceled", "cancelled":
		status = StatusFailed
	}
	var outputURL string
	if len(out.Output) > 0 {
		var single string
		if err := json.Unmarshal(out.Output, &single); err == nil {
			outputURL = single
		} else {
			var many []string
			if err := json.Unmarshal(out.Output, &many); err == nil && len(many) > 0 {
				outputURL = many[0]
			}
		}
	}
	return status, outputURL, nil
}

var _ Client = (*HTTPClient)(nil)
