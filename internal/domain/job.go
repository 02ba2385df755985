package domain

import (
	"strings"
	"time"
)

// Mode enumerates the supported generation workflows. Exactly one mode is
// active per job; invalid flag combinations are unrepresentable.
type Mode string

const (
	ModeReplace      Mode = "replace"
	ModeColorChange  Mode = "color_change"
	ModePoseChange   Mode = "pose_change"
	ModeEditFreeform Mode = "edit_freeform"
)

// NormalizeMode sanitizes free-form user input into a supported mode.
func NormalizeMode(mode string) Mode {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeColorChange), "colorchange":
		return ModeColorChange
	case string(ModePoseChange), "posechange":
		return ModePoseChange
	case string(ModeEditFreeform), "editfreeform", "freeform":
		return ModeEditFreeform
	default:
		return ModeReplace
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status permits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Transitions only move forward: pending -> processing -> completed|failed.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	default:
		return false
	}
}

// StyleSettings carries the creative direction supplied by the client.
type StyleSettings struct {
	Style               string
	Background          string
	GarmentNotes        string
	FreeformInstruction string
	TargetLanguage      string
}

// JobInputs holds the source material for one generation request.
type JobInputs struct {
	SourceImageURLs   []string
	LocationImageURL  string
	PoseImageURL      string
	HairStyleImageURL string
	PortraitImageURL  string
	Settings          StyleSettings
	AspectRatio       string
	ProductMode       bool
}

// JobResult is populated when a job reaches the completed state.
type JobResult struct {
	FinalImageURL         string
	EnhancedPrompt        string
	ProviderPredictionID  string
	ProcessingTimeSeconds float64
	FallbackUsed          bool
}

// CreditState tracks settlement for one job. Deducted flips false -> true at
// most once over the job's lifetime.
type CreditState struct {
	Deducted            bool
	Amount              int
	NeedsReconciliation bool
}

// Job tracks one user-initiated generation request end-to-end.
type Job struct {
	ID           string
	OwnerID      string
	Status       JobStatus
	Mode         Mode
	Inputs       JobInputs
	Result       *JobResult
	CreditState  CreditState
	FailureClass FailureClass
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobPatch describes the fields a status transition may update alongside the
// status itself. Nil fields are left untouched.
type JobPatch struct {
	Inputs       *JobInputs
	Result       *JobResult
	CreditState  *CreditState
	FailureClass *FailureClass
	ErrorMessage *string
}
