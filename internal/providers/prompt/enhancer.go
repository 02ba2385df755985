// Package prompt wraps the vision-capable text models that turn a base
// prompt plus reference imagery into a rich synthesis instruction.
package prompt

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/retry"
)

// ImageInput is one image attached to an enhancement request.
type ImageInput struct {
	URL  string
	Data []byte
	MIME string
}

// EnhanceRequest carries everything the text model needs to style a prompt.
// The reference image is mandatory; auxiliary images are attached when the
// mode consumes them.
type EnhanceRequest struct {
	BasePrompt     string
	ReferenceImage ImageInput
	LocationImage  *ImageInput
	PoseImage      *ImageInput
	HairStyleImage *ImageInput
	Settings       domain.StyleSettings
	Mode           domain.Mode
}

// Enhancer is the contract implemented by all prompt model providers.
type Enhancer interface {
	Enhance(ctx context.Context, req EnhanceRequest) (string, error)
}

// Synthesizer drives a primary enhancer with bounded retries, then one
// fallback call to a secondary model, and finally degrades to the unmodified
// base prompt. Prompt enhancement is never allowed to fail a job.
type Synthesizer struct {
	primary  Enhancer
	fallback Enhancer
	policy   retry.Policy
	logger   zerolog.Logger
}

// NewSynthesizer wires the primary and optional fallback enhancers.
func NewSynthesizer(primary, fallback Enhancer, logger zerolog.Logger) *Synthesizer {
	return &Synthesizer{
		primary:  primary,
		fallback: fallback,
		policy: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.ExponentialBackoff(500*time.Millisecond, 4*time.Second),
		},
		logger: logger,
	}
}

// Enhance returns the styled prompt, or the base prompt when every provider
// is exhausted. Model output varies across retries; callers must not expect
// determinism.
func (s *Synthesizer) Enhance(ctx context.Context, req EnhanceRequest) string {
	var result string
	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		text, err := s.primary.Enhance(ctx, req)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("prompt: primary enhancer failed")
			return err
		}
		result = text
		return nil
	})
	if err == nil && strings.TrimSpace(result) != "" {
		return result
	}
	if s.fallback != nil {
		text, fbErr := s.fallback.Enhance(ctx, req)
		if fbErr == nil && strings.TrimSpace(text) != "" {
			return text
		}
		s.logger.Warn().Err(fbErr).Msg("prompt: fallback enhancer failed, degrading to base prompt")
	}
	return req.BasePrompt
}
