// Package segment wraps the external background-segmentation model. Removal
// is strictly best-effort: any failure hands the original image back so the
// pipeline keeps moving.
package segment

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"server/internal/imaging"
	"server/internal/storage"
)

// Client is the submit/poll contract of the segmentation provider.
type Client interface {
	Submit(ctx context.Context, imageURL string) (string, error)
	Poll(ctx context.Context, jobID string) (status string, outputURL string, err error)
}

// Poll statuses reported by the provider.
const (
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
)

// Remover drives the segmentation model and repairs its one known quirk:
// the model may silently normalize image orientation, which breaks the
// compositing assumptions downstream.
type Remover struct {
	client       Client
	store        storage.Store
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
	logger       zerolog.Logger
}

// NewRemover wires the segmentation client against the blob store used for
// re-uploading orientation-corrected outputs.
func NewRemover(client Client, store storage.Store, logger zerolog.Logger) *Remover {
	return &Remover{
		client:       client,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: 2 * time.Second,
		maxPolls:     60,
		logger:       logger,
	}
}

// Remove returns the background-removed image URL, orientation-corrected
// when the model flipped it. On any failure it returns the input URL
// unmodified; background removal never fails a job.
func (r *Remover) Remove(ctx context.Context, jobID, imageURL string) string {
	if r == nil || r.client == nil {
		return imageURL
	}
	outputURL, err := r.run(ctx, imageURL)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("segment: removal failed, keeping original image")
		return imageURL
	}
	corrected, err := r.correctOrientation(ctx, jobID, imageURL, outputURL)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", jobID).Msg("segment: orientation check failed, using raw output")
		return outputURL
	}
	return corrected
}

func (r *Remover) run(ctx context.Context, imageURL string) (string, error) {
	id, err := r.client.Submit(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("segment: submit: %w", err)
	}
	for poll := 0; poll < r.maxPolls; poll++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.pollInterval):
		}
		status, outputURL, err := r.client.Poll(ctx, id)
		if err != nil {
			return "", fmt.Errorf("segment: poll: %w", err)
		}
		switch status {
		case StatusSucceeded:
			if outputURL == "" {
				return "", fmt.Errorf("segment: job %s succeeded without output", id)
			}
			return outputURL, nil
		case StatusFailed:
			return "", fmt.Errorf("segment: job %s failed", id)
		}
	}
	return "", fmt.Errorf("segment: job %s not terminal after %d polls", id, r.maxPolls)
}

// correctOrientation compares the orientation class of input and output and
// rotates the output back when they disagree. The corrected image is
// re-uploaded and its URL returned.
func (r *Remover) correctOrientation(ctx context.Context, jobID, inputURL, outputURL string) (string, error) {
	inputImg, err := r.fetchImage(ctx, inputURL)
	if err != nil {
		return "", err
	}
	outputImg, err := r.fetchImage(ctx, outputURL)
	if err != nil {
		return "", err
	}
	if imaging.IsPortrait(inputImg) == imaging.IsPortrait(outputImg) {
		return outputURL, nil
	}
	r.logger.Info().Str("job_id", jobID).Msg("segment: model flipped orientation, rotating output back")
	rotated := imaging.Rotate90CCW(outputImg)
	data, err := imaging.EncodePNG(rotated)
	if err != nil {
		return "", err
	}
	url, err := r.store.Put(ctx, storage.UniqueKey(jobID, "background-removed", ".png"), data)
	if err != nil {
		return "", fmt.Errorf("segment: upload corrected output: %w", err)
	}
	return url, nil
}

// fetchImage prefers the blob store and falls back to plain HTTP.
func (r *Remover) fetchImage(ctx context.Context, url string) (image.Image, error) {
	data, err := r.store.Get(ctx, url)
	if err != nil {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		resp, doErr := r.httpClient.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("segment: fetch %s: http %d", url, resp.StatusCode)
		}
		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
	}
	return imaging.Decode(data)
}
