package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository backed by PostgreSQL.
// Job inputs and results are stored as JSON documents; lifecycle columns are
// first-class so transitions can be guarded in SQL.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `id, owner_id, status, mode, inputs_json, result_json,
credit_deducted, credit_amount, credit_reconcile, failure_class, error_message,
created_at, updated_at`

// Create inserts a new job record, failing on id reuse.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	inputs, err := json.Marshal(job.Inputs)
	if err != nil {
		return fmt.Errorf("encode job inputs: %w", err)
	}
	query := `
INSERT INTO jobs (id, owner_id, status, mode, inputs_json, credit_amount)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, query, job.ID, job.OwnerID, job.Status, job.Mode, inputs, job.CreditState.Amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicateID
	}
	return nil
}

// Get fetches a job by its (id, owner) pair. A mismatched owner reads as a
// missing record.
func (r *JobRepositoryPG) Get(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE id = $1 AND owner_id = $2;
`, jobID, ownerID)
	return scanJob(row)
}

// Transition moves the job forward in one conditional UPDATE. The allowed
// source statuses are computed from the lifecycle table, so a terminal or
// out-of-order row is never touched; in that case the row is re-read to
// distinguish ErrConflict from ErrNotFound.
func (r *JobRepositoryPG) Transition(ctx context.Context, jobID, ownerID string, newStatus domain.JobStatus, patch domain.JobPatch) (*domain.Job, error) {
	var from []string
	for _, s := range []domain.JobStatus{domain.JobStatusPending, domain.JobStatusProcessing} {
		if s.CanTransitionTo(newStatus) {
			from = append(from, string(s))
		}
	}
	if len(from) == 0 {
		return nil, domain.ErrConflict
	}

	var inputsJSON []byte
	if patch.Inputs != nil {
		encoded, err := json.Marshal(patch.Inputs)
		if err != nil {
			return nil, fmt.Errorf("encode job inputs: %w", err)
		}
		inputsJSON = encoded
	}
	var resultJSON []byte
	if patch.Result != nil {
		encoded, err := json.Marshal(patch.Result)
		if err != nil {
			return nil, fmt.Errorf("encode job result: %w", err)
		}
		resultJSON = encoded
	}
	var failureClass *string
	if patch.FailureClass != nil {
		fc := string(*patch.FailureClass)
		failureClass = &fc
	}
	var (
		creditDeducted  *bool
		creditAmount    *int
		creditReconcile *bool
	)
	if patch.CreditState != nil {
		creditDeducted = &patch.CreditState.Deducted
		creditAmount = &patch.CreditState.Amount
		creditReconcile = &patch.CreditState.NeedsReconciliation
	}

	row := r.pool.QueryRow(ctx, `
UPDATE jobs
SET status = $3,
    updated_at = NOW(),
    inputs_json = COALESCE($4, inputs_json),
    result_json = COALESCE($5, result_json),
    failure_class = COALESCE($6, failure_class),
    error_message = COALESCE($7, error_message),
    credit_deducted = COALESCE($8, credit_deducted),
    credit_amount = COALESCE($9, credit_amount),
    credit_reconcile = COALESCE($10, credit_reconcile)
WHERE id = $1 AND owner_id = $2 AND status = ANY($11)
RETURNING `+jobColumns+`;
`, jobID, ownerID, newStatus,
		nullableBytes(inputsJSON), nullableBytes(resultJSON),
		failureClass, patch.ErrorMessage,
		creditDeducted, creditAmount, creditReconcile, from)

	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	// No row matched: either the pair is unknown or the move is illegal.
	if _, getErr := r.Get(ctx, jobID, ownerID); getErr == nil {
		return nil, domain.ErrConflict
	}
	return nil, domain.ErrNotFound
}

// MarkDeducted flips the settlement flag. Idempotent: a second call finds
// the flag already set and returns the row unchanged.
func (r *JobRepositoryPG) MarkDeducted(ctx context.Context, jobID, ownerID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE jobs
SET credit_deducted = TRUE, updated_at = NOW()
WHERE id = $1 AND owner_id = $2
RETURNING `+jobColumns+`;
`, jobID, ownerID)
	return scanJob(row)
}

// MarkReconciliation flags a job whose settlement could not cover the cost.
func (r *JobRepositoryPG) MarkReconciliation(ctx context.Context, jobID, ownerID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET credit_reconcile = TRUE, updated_at = NOW()
WHERE id = $1 AND owner_id = $2;
`, jobID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job          domain.Job
		inputsJSON   []byte
		resultJSON   []byte
		failureClass *string
		errorMessage *string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Status,
		&job.Mode,
		&inputsJSON,
		&resultJSON,
		&job.CreditState.Deducted,
		&job.CreditState.Amount,
		&job.CreditState.NeedsReconciliation,
		&failureClass,
		&errorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(inputsJSON) > 0 {
		if err := json.Unmarshal(inputsJSON, &job.Inputs); err != nil {
			return nil, fmt.Errorf("decode job inputs: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result domain.JobResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &result
	}
	if failureClass != nil {
		job.FailureClass = domain.FailureClass(*failureClass)
	}
	if errorMessage != nil {
		job.ErrorMessage = *errorMessage
	}
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
