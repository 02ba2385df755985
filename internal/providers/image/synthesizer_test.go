package image

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

type stubClient struct {
	name      string
	submitErr error
	// predictions is returned poll by poll; the last entry repeats.
	predictions []Prediction

	submits int
	seeds   []int64
	polls   int
}

func (c *stubClient) Submit(ctx context.Context, in SubmitInput) (string, error) {
	c.submits++
	c.seeds = append(c.seeds, in.Seed)
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return "pred-1", nil
}

func (c *stubClient) Poll(ctx context.Context, predictionID string) (*Prediction, error) {
	idx := c.polls
	if idx >= len(c.predictions) {
		idx = len(c.predictions) - 1
	}
	c.polls++
	pred := c.predictions[idx]
	pred.ID = predictionID
	return &pred, nil
}

func (c *stubClient) Name() string { return c.name }

func fastOptions() SynthesizerOptions {
	return SynthesizerOptions{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 20,
		WallClock:       5 * time.Second,
	}
}

func TestSynthesizePrimarySuccess(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusProcessing}, {Status: PredictionStatusSucceeded, OutputURL: "https://cdn/out.png"}},
	}
	s := NewSynthesizer(primary, nil, fastOptions(), zerolog.Nop())

	result, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p", ImageURL: "https://cdn/in.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ImageURL != "https://cdn/out.png" {
		t.Fatalf("image url = %q", result.ImageURL)
	}
	if result.FallbackUsed || result.Provider != "primary" {
		t.Fatalf("result attribution = %+v, want primary without fallback", result)
	}
	if primary.submits != 1 {
		t.Fatalf("primary submits = %d, want 1", primary.submits)
	}
}

func TestSynthesizePolicyFailureSwitchesToFallbackOnce(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusFailed, Error: "flagged by moderation"}},
	}
	fallback := &stubClient{
		name:        "fallback",
		predictions: []Prediction{{Status: PredictionStatusSucceeded, OutputURL: "https://cdn/fb.png"}},
	}
	s := NewSynthesizer(primary, fallback, fastOptions(), zerolog.Nop())

	result, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p", ImageURL: "https://cdn/in.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FallbackUsed || result.Provider != "fallback" {
		t.Fatalf("result attribution = %+v, want fallback", result)
	}
	if primary.submits != 1 {
		t.Fatalf("primary submits = %d, want 1: policy rejections must not be retried", primary.submits)
	}
	if fallback.submits != 1 {
		t.Fatalf("fallback submits = %d, want exactly 1", fallback.submits)
	}
}

func TestSynthesizeFallbackFailureIsFinal(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusFailed, Error: "internal model error"}},
	}
	fallback := &stubClient{
		name:        "fallback",
		predictions: []Prediction{{Status: PredictionStatusFailed, Error: "nsfw content detected"}},
	}
	s := NewSynthesizer(primary, fallback, fastOptions(), zerolog.Nop())

	_, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p"})
	if !errors.Is(err, domain.ErrContentPolicy) {
		t.Fatalf("err = %v, want fallback's content policy error", err)
	}
	if fallback.submits != 1 {
		t.Fatalf("fallback submits = %d, want 1: the chain has exactly two providers", fallback.submits)
	}
}

func TestSynthesizeWithoutFallbackReturnsClassifiedError(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusFailed, Error: "violates content policy"}},
	}
	s := NewSynthesizer(primary, nil, fastOptions(), zerolog.Nop())

	_, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p"})
	if !errors.Is(err, domain.ErrContentPolicy) {
		t.Fatalf("err = %v, want ErrContentPolicy", err)
	}
}

func TestSynthesizeCanceledPredictionIsHardFailure(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusCanceled}},
	}
	fallback := &stubClient{
		name:        "fallback",
		predictions: []Prediction{{Status: PredictionStatusSucceeded, OutputURL: "https://cdn/fb.png"}},
	}
	s := NewSynthesizer(primary, fallback, fastOptions(), zerolog.Nop())

	_, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p"})
	if !errors.Is(err, domain.ErrStageFailure) {
		t.Fatalf("err = %v, want ErrStageFailure", err)
	}
	if fallback.submits != 0 {
		t.Fatalf("fallback submits = %d, want 0: cancellation never falls back", fallback.submits)
	}
	if primary.submits != 1 {
		t.Fatalf("primary submits = %d, want 1: cancellation is never retried", primary.submits)
	}
}

func TestSynthesizeRetriesTransientFailuresWithFreshSeeds(t *testing.T) {
	primary := &stubClient{
		name: "primary",
		predictions: []Prediction{
			{Status: PredictionStatusFailed, Error: "connection reset by peer"},
			{Status: PredictionStatusSucceeded, OutputURL: "https://cdn/out.png"},
		},
	}
	s := NewSynthesizer(primary, nil, fastOptions(), zerolog.Nop())
	var next int64
	s.seed = func() int64 { next++; return next }

	result, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ImageURL != "https://cdn/out.png" {
		t.Fatalf("image url = %q", result.ImageURL)
	}
	if primary.submits != 2 {
		t.Fatalf("primary submits = %d, want 2", primary.submits)
	}
	if primary.seeds[0] == primary.seeds[1] {
		t.Fatalf("seeds %v must differ between attempts", primary.seeds)
	}
}

func TestSynthesizePollCeilingYieldsTimeout(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusProcessing}},
	}
	opts := fastOptions()
	opts.MaxPollAttempts = 3
	opts.MaxSubmitAttempts = 1
	s := NewSynthesizer(primary, nil, opts, zerolog.Nop())

	_, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if primary.polls != 3 {
		t.Fatalf("polls = %d, want 3", primary.polls)
	}
}

func TestSynthesizeWallClockCeilingYieldsTimeout(t *testing.T) {
	primary := &stubClient{
		name:        "primary",
		predictions: []Prediction{{Status: PredictionStatusProcessing}},
	}
	opts := fastOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.WallClock = 20 * time.Millisecond
	opts.MaxSubmitAttempts = 1
	s := NewSynthesizer(primary, nil, opts, zerolog.Nop())

	_, err := s.Synthesize(context.Background(), SynthesisRequest{Prompt: "p"})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
