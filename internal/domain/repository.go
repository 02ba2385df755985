package domain

import "context"

// JobRepository defines persistence for generation jobs. Jobs are keyed by
// the (jobID, ownerID) pair: lookups with the wrong owner behave exactly like
// a missing record so job state never leaks across owners.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID, ownerID string) (*Job, error)
	// Transition moves the job to newStatus and applies the patch in one
	// mutation. It fails with ErrConflict when the lifecycle forbids the
	// move and ErrNotFound when the (jobID, ownerID) pair does not match.
	Transition(ctx context.Context, jobID, ownerID string, newStatus JobStatus, patch JobPatch) (*Job, error)
	// MarkDeducted flips CreditState.Deducted to true. Returns the updated
	// job; idempotent when already deducted.
	MarkDeducted(ctx context.Context, jobID, ownerID string) (*Job, error)
	// MarkReconciliation flags a completed job whose settlement could not
	// cover the cost.
	MarkReconciliation(ctx context.Context, jobID, ownerID string) error
}

// CreditRepository provides compare-and-swap access to credit balances.
type CreditRepository interface {
	Get(ctx context.Context, ownerID string) (*CreditAccount, error)
	// CompareAndSwap sets the balance to newBalance only if it still equals
	// oldBalance. The boolean reports whether the swap applied.
	CompareAndSwap(ctx context.Context, ownerID string, oldBalance, newBalance int) (bool, error)
}

// AssetRepository records every object-storage asset a job produces.
type AssetRepository interface {
	Save(ctx context.Context, asset *ImageAsset) error
	ListByJob(ctx context.Context, jobID, ownerID string) ([]ImageAsset, error)
	DeleteByID(ctx context.Context, assetID string) error
}
