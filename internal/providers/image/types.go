// Package image wraps the external image-generation models behind a
// submit/poll contract with retry, error classification, and a single-shot
// fallback provider.
package image

import (
	"context"
	"strings"
)

// PredictionStatus mirrors the lifecycle an external prediction moves
// through: submitted -> {starting, processing}* -> terminal.
type PredictionStatus string

const (
	PredictionStatusSubmitted  PredictionStatus = "submitted"
	PredictionStatusStarting   PredictionStatus = "starting"
	PredictionStatusProcessing PredictionStatus = "processing"
	PredictionStatusSucceeded  PredictionStatus = "succeeded"
	PredictionStatusFailed     PredictionStatus = "failed"
	PredictionStatusCanceled   PredictionStatus = "canceled"
)

// IsTerminal reports whether the provider will make no further progress.
func (s PredictionStatus) IsTerminal() bool {
	return s == PredictionStatusSucceeded || s == PredictionStatusFailed || s == PredictionStatusCanceled
}

// SubmitInput is the normalized request sent to any prediction provider.
type SubmitInput struct {
	Prompt      string
	ImageURL    string
	AspectRatio string
	Seed        int64
}

// Prediction is a point-in-time view of one external generation job.
type Prediction struct {
	ID        string
	Status    PredictionStatus
	OutputURL string
	Error     string
}

// PredictionClient is implemented by each external image model provider.
type PredictionClient interface {
	Submit(ctx context.Context, in SubmitInput) (string, error)
	Poll(ctx context.Context, predictionID string) (*Prediction, error)
	Name() string
}

// normalizeAspectRatio keeps only the ratios providers accept.
func normalizeAspectRatio(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9", "4:3", "3:4", "9:16", "1:1":
		return strings.TrimSpace(aspect)
	default:
		return "1:1"
	}
}
