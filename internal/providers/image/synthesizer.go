package image

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/retry"
)

// SynthesisRequest asks for one final image from the prompt and composite.
type SynthesisRequest struct {
	Prompt      string
	ImageURL    string
	AspectRatio string
}

// SynthesisResult reports the produced image and which provider made it.
type SynthesisResult struct {
	ImageURL     string
	PredictionID string
	Provider     string
	FallbackUsed bool
}

// errModelInternal marks provider-reported internal model failures. Like
// content-policy rejections they abandon the primary provider in favour of
// the fallback.
var errModelInternal = errors.New("provider internal model error")

// SynthesizerOptions bounds the polling loop.
type SynthesizerOptions struct {
	PollInterval time.Duration
	// MaxPollAttempts caps polls per prediction.
	MaxPollAttempts int
	// WallClock caps the total elapsed time of one Synthesize call,
	// independent of the poll-attempt ceiling.
	WallClock time.Duration
	// MaxSubmitAttempts caps transient-error retries against the primary.
	MaxSubmitAttempts int
}

// Synthesizer drives the primary provider with bounded retries and falls
// back to a single call against the secondary provider when the primary's
// failure is classified as policy- or model-related. A third provider is
// never consulted.
type Synthesizer struct {
	primary  PredictionClient
	fallback PredictionClient
	opts     SynthesizerOptions
	seed     func() int64
	logger   zerolog.Logger
}

// NewSynthesizer wires the primary and optional fallback providers.
func NewSynthesizer(primary, fallback PredictionClient, opts SynthesizerOptions, logger zerolog.Logger) *Synthesizer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = 240
	}
	if opts.WallClock <= 0 {
		opts.WallClock = 8 * time.Minute
	}
	if opts.MaxSubmitAttempts <= 0 {
		opts.MaxSubmitAttempts = 3
	}
	return &Synthesizer{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		seed:     func() int64 { return rand.Int63() },
		logger:   logger,
	}
}

// Synthesize runs the primary provider to a terminal state, classifying
// failures into transient retries, fallback switches, and hard failures.
func (s *Synthesizer) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	ctx, cancel := context.WithTimeoutCause(ctx, s.opts.WallClock, domain.ErrTimeout)
	defer cancel()

	result, err := s.runProvider(ctx, s.primary, req)
	if err == nil {
		result.Provider = s.primary.Name()
		return result, nil
	}
	if timeoutErr := timeoutOf(ctx, err); timeoutErr != nil {
		return nil, timeoutErr
	}
	if !shouldFallback(err) || s.fallback == nil {
		return nil, err
	}

	s.logger.Warn().Err(err).
		Str("primary", s.primary.Name()).
		Str("fallback", s.fallback.Name()).
		Msg("synthesizer: switching to fallback provider")
	// Exactly one shot at the secondary: no transient retries.
	result, fbErr := s.runAttempt(ctx, s.fallback, req)
	if fbErr != nil {
		if timeoutErr := timeoutOf(ctx, fbErr); timeoutErr != nil {
			return nil, timeoutErr
		}
		return nil, fmt.Errorf("fallback provider: %w", fbErr)
	}
	result.Provider = s.fallback.Name()
	result.FallbackUsed = true
	return result, nil
}

// runProvider retries transient failures against one provider. Every attempt
// submits with a fresh seed; reusing a seed would yield near-duplicate
// retries.
func (s *Synthesizer) runProvider(ctx context.Context, client PredictionClient, req SynthesisRequest) (*SynthesisResult, error) {
	var result *SynthesisResult
	policy := retry.Policy{
		MaxAttempts: s.opts.MaxSubmitAttempts,
		Backoff:     retry.ExponentialBackoff(time.Second, 8*time.Second),
		Retryable: func(err error) bool {
			return errors.Is(err, domain.ErrTransientProvider)
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		res, err := s.runAttempt(ctx, client, req)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Str("provider", client.Name()).Msg("synthesizer: attempt failed")
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runAttempt performs one submit-then-poll cycle to a terminal prediction
// state.
func (s *Synthesizer) runAttempt(ctx context.Context, client PredictionClient, req SynthesisRequest) (*SynthesisResult, error) {
	predictionID, err := client.Submit(ctx, SubmitInput{
		Prompt:      req.Prompt,
		ImageURL:    req.ImageURL,
		AspectRatio: req.AspectRatio,
		Seed:        s.seed(),
	})
	if err != nil {
		return nil, classifySubmitError(err)
	}

	for poll := 0; poll < s.opts.MaxPollAttempts; poll++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.PollInterval):
		}
		pred, err := client.Poll(ctx, predictionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrTransientProvider, err)
		}
		switch pred.Status {
		case PredictionStatusSucceeded:
			if pred.OutputURL == "" {
				return nil, fmt.Errorf("%w: prediction %s succeeded without output", domain.ErrTransientProvider, predictionID)
			}
			return &SynthesisResult{ImageURL: pred.OutputURL, PredictionID: predictionID}, nil
		case PredictionStatusFailed:
			return nil, classifyPredictionFailure(pred.Error)
		case PredictionStatusCanceled:
			// Explicit cancel is a hard failure, never retried.
			return nil, fmt.Errorf("%w: prediction %s canceled by provider", domain.ErrStageFailure, predictionID)
		}
	}
	return nil, fmt.Errorf("%w: prediction %s not terminal after %d polls", domain.ErrTimeout, predictionID, s.opts.MaxPollAttempts)
}

func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	if isPolicyMessage(msg) {
		return fmt.Errorf("%w: %w", domain.ErrContentPolicy, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrTransientProvider, err)
}

func classifyPredictionFailure(message string) error {
	msg := strings.ToLower(strings.TrimSpace(message))
	switch {
	case isPolicyMessage(msg):
		return fmt.Errorf("%w: %s", domain.ErrContentPolicy, message)
	case strings.Contains(msg, "internal"), strings.Contains(msg, "model error"):
		return fmt.Errorf("%w: %s", errModelInternal, message)
	default:
		return fmt.Errorf("%w: provider reported: %s", domain.ErrTransientProvider, message)
	}
}

func isPolicyMessage(msg string) bool {
	for _, marker := range []string{"nsfw", "sensitive", "flagged", "moderation", "content policy", "safety"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func shouldFallback(err error) bool {
	return errors.Is(err, domain.ErrContentPolicy) || errors.Is(err, errModelInternal)
}

// timeoutOf maps a wall-clock expiry to ErrTimeout so the ceiling is
// reported distinctly from provider failures.
func timeoutOf(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), domain.ErrTimeout) && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrTimeout)) {
		return fmt.Errorf("%w: image synthesis exceeded %s", domain.ErrTimeout, "wall clock ceiling")
	}
	if errors.Is(err, domain.ErrTimeout) {
		return err
	}
	return nil
}
