package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateID        = errors.New("duplicate job id")
	ErrConflict           = errors.New("conflicting status transition")
	ErrValidation         = errors.New("invalid request")
	ErrTransientProvider  = errors.New("transient provider failure")
	ErrContentPolicy      = errors.New("content rejected by provider policy")
	ErrStageFailure       = errors.New("pipeline stage failed")
	ErrInsufficientCredit = errors.New("insufficient credit")
	ErrTimeout            = errors.New("operation exceeded time ceiling")
	ErrNoValidImages      = errors.New("no valid input images")
)

// FailureClass is the persisted classification of a failed job. It is derived
// from the error taxonomy above and recorded for analytics and support.
type FailureClass string

const (
	FailureClassNone          FailureClass = ""
	FailureClassValidation    FailureClass = "validation"
	FailureClassStage         FailureClass = "stage_failure"
	FailureClassContentPolicy FailureClass = "content_policy"
	FailureClassTimeout       FailureClass = "timeout"
)

// ClassifyFailure maps a pipeline error to its persisted failure class.
func ClassifyFailure(err error) FailureClass {
	switch {
	case err == nil:
		return FailureClassNone
	case errors.Is(err, ErrValidation):
		return FailureClassValidation
	case errors.Is(err, ErrContentPolicy):
		return FailureClassContentPolicy
	case errors.Is(err, ErrTimeout):
		return FailureClassTimeout
	default:
		return FailureClassStage
	}
}
