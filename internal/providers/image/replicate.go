package image

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

const replicateDefaultTimeout = 60 * time.Second

// ReplicateOptions configures one prediction endpoint.
type ReplicateOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// ReplicateClient talks to a replicate-style predictions API: submit returns
// a prediction id, poll reads its status until terminal.
type ReplicateClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

type replicateSubmitRequest struct {
	Version string               `json:"version"`
	Input   replicateSubmitInput `json:"input"`
}

type replicateSubmitInput struct {
	Prompt      string `json:"prompt"`
	Image       string `json:"image,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Seed        int64  `json:"seed,omitempty"`
}

type replicatePrediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

// NewReplicateClient validates credentials and applies endpoint defaults.
func NewReplicateClient(opts ReplicateOptions) (*ReplicateClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("replicate api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("replicate model is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: replicateDefaultTimeout}
	}
	return &ReplicateClient{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: baseURL,
		model:   model,
		client:  client,
	}, nil
}

// Name identifies the provider in logs and result metadata.
func (c *ReplicateClient) Name() string { return c.model }

// Submit enqueues a prediction and returns the provider's id for polling.
func (c *ReplicateClient) Submit(ctx context.Context, in SubmitInput) (string, error) {
	payload := replicateSubmitRequest{
		Version: c.model,
		Input: replicateSubmitInput{
			Prompt:      in.Prompt,
			Image:       in.ImageURL,
			AspectRatio: normalizeAspectRatio(in.AspectRatio),
			Seed:        in.Seed,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("replicate: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predictions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("replicate: submit: %w", err)
	}
	defer resp.Body.Close()
	var out replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("replicate: decode submit response (http %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error != "" {
			return "", fmt.Errorf("replicate: submit rejected: %s", out.Error)
		}
		return "", fmt.Errorf("replicate: submit http %d", resp.StatusCode)
	}
	if out.ID == "" {
		return "", errors.New("replicate: submit response missing prediction id")
	}
	return out.ID, nil
}

// Poll reads the current prediction state.
func (c *ReplicateClient) Poll(ctx context.Context, predictionID string) (*Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/predictions/"+predictionID, nil)
	if err != nil {
		return nil, fmt.Errorf("replicate: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("replicate: poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("replicate: poll http %d", resp.StatusCode)
	}
	var out replicatePrediction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("replicate: decode poll response: %w", err)
	}
	return &Prediction{
		ID:        out.ID,
		Status:    mapReplicateStatus(out.Status),
		OutputURL: firstOutputURL(out.Output),
		Error:     out.Error,
	}, nil
}

func mapReplicateStatus(status string) PredictionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "starting":
		return PredictionStatusStarting
	case "processing":
		return PredictionStatusProcessing
	case "succeeded":
		return PredictionStatusSucceeded
	case "failed":
		return PredictionStatusFailed
	case "canceled", "cancelled":
		return PredictionStatusCanceled
	default:
		return PredictionStatusSubmitted
	}
}

// firstOutputURL handles both a bare string output and a list of URLs.
func firstOutputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil && len(many) > 0 {
		return many[0]
	}
	return ""
}

var _ PredictionClient = (*ReplicateClient)(nil)
