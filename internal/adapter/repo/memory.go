package repo

import (
	"context"
	"sync"
	"time"

	"server/internal/domain"
)

// In-memory repository implementations. Like storage.FileStore they are
// intended for development and test environments; they honor the same
// lifecycle and CAS guarantees as the PostgreSQL implementations.

type jobKey struct {
	jobID   string
	ownerID string
}

// MemoryJobRepository implements domain.JobRepository in process memory.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[jobKey]*domain.Job
	ids  map[string]struct{}
	// Clock is swappable so sweep tests can age jobs.
	Clock func() time.Time
}

// NewMemoryJobRepository builds an empty in-memory job store.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs:  map[jobKey]*domain.Job{},
		ids:   map[string]struct{}{},
		Clock: time.Now,
	}
}

// Create inserts a new job record, failing on id reuse.
func (r *MemoryJobRepository) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ids[job.ID]; exists {
		return domain.ErrDuplicateID
	}
	now := r.Clock()
	stored := *job
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.ids[job.ID] = struct{}{}
	r.jobs[jobKey{job.ID, job.OwnerID}] = &stored
	return nil
}

// Get fetches a job by its (id, owner) pair.
func (r *MemoryJobRepository) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobKey{jobID, ownerID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

// Transition moves the job forward under the lifecycle rules.
func (r *MemoryJobRepository) Transition(ctx context.Context, jobID, ownerID string, newStatus domain.JobStatus, patch domain.JobPatch) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobKey{jobID, ownerID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !job.Status.CanTransitionTo(newStatus) {
		return nil, domain.ErrConflict
	}
	job.Status = newStatus
	job.UpdatedAt = r.Clock()
	if patch.Inputs != nil {
		job.Inputs = *patch.Inputs
	}
	if patch.Result != nil {
		result := *patch.Result
		job.Result = &result
	}
	if patch.CreditState != nil {
		job.CreditState = *patch.CreditState
	}
	if patch.FailureClass != nil {
		job.FailureClass = *patch.FailureClass
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	copied := *job
	return &copied, nil
}

// MarkDeducted flips the settlement flag, idempotently.
func (r *MemoryJobRepository) MarkDeducted(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobKey{jobID, ownerID}]
	if !ok {
		return nil, domain.ErrNotFound
	}
	job.CreditState.Deducted = true
	job.UpdatedAt = r.Clock()
	copied := *job
	return &copied, nil
}

// MarkReconciliation flags the job for manual settlement review.
func (r *MemoryJobRepository) MarkReconciliation(ctx context.Context, jobID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobKey{jobID, ownerID}]
	if !ok {
		return domain.ErrNotFound
	}
	job.CreditState.NeedsReconciliation = true
	job.UpdatedAt = r.Clock()
	return nil
}

// Age rewinds a job's UpdatedAt, letting tests exercise the stuck-job sweep.
func (r *MemoryJobRepository) Age(jobID, ownerID string, by time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobKey{jobID, ownerID}]; ok {
		job.UpdatedAt = job.UpdatedAt.Add(-by)
	}
}

var _ domain.JobRepository = (*MemoryJobRepository)(nil)

// MemoryCreditRepository implements domain.CreditRepository in process
// memory with true compare-and-swap semantics.
type MemoryCreditRepository struct {
	mu       sync.Mutex
	accounts map[string]*domain.CreditAccount
}

// NewMemoryCreditRepository builds an empty in-memory ledger backend.
func NewMemoryCreditRepository() *MemoryCreditRepository {
	return &MemoryCreditRepository{accounts: map[string]*domain.CreditAccount{}}
}

// Seed sets an owner's balance directly. Test helper.
func (r *MemoryCreditRepository) Seed(ownerID string, balance int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[ownerID] = &domain.CreditAccount{OwnerID: ownerID, Balance: balance, UpdatedAt: time.Now()}
}

// Get fetches an owner's account.
func (r *MemoryCreditRepository) Get(ctx context.Context, ownerID string) (*domain.CreditAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[ownerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *account
	return &copied, nil
}

// CompareAndSwap applies the swap only when the stored balance still equals
// oldBalance and the new balance is non-negative.
func (r *MemoryCreditRepository) CompareAndSwap(ctx context.Context, ownerID string, oldBalance, newBalance int) (bool, error) {
	if newBalance < 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[ownerID]
	if !ok || account.Balance != oldBalance {
		return false, nil
	}
	account.Balance = newBalance
	account.UpdatedAt = time.Now()
	return true, nil
}

var _ domain.CreditRepository = (*MemoryCreditRepository)(nil)

// MemoryAssetRepository implements domain.AssetRepository in process memory.
type MemoryAssetRepository struct {
	mu     sync.Mutex
	assets map[string]domain.ImageAsset
}

// NewMemoryAssetRepository builds an empty in-memory asset registry.
func NewMemoryAssetRepository() *MemoryAssetRepository {
	return &MemoryAssetRepository{assets: map[string]domain.ImageAsset{}}
}

// Save records one uploaded asset.
func (r *MemoryAssetRepository) Save(ctx context.Context, asset *domain.ImageAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := *asset
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	r.assets[asset.ID] = stored
	return nil
}

// ListByJob returns all assets belonging to the (job, owner) pair.
func (r *MemoryAssetRepository) ListByJob(ctx context.Context, jobID, ownerID string) ([]domain.ImageAsset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ImageAsset
	for _, asset := range r.assets {
		if asset.JobID == jobID && asset.OwnerID == ownerID {
			out = append(out, asset)
		}
	}
	return out, nil
}

// DeleteByID removes one asset record.
func (r *MemoryAssetRepository) DeleteByID(ctx context.Context, assetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.assets, assetID)
	return nil
}

var _ domain.AssetRepository = (*MemoryAssetRepository)(nil)
