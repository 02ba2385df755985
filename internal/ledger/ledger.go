// Package ledger implements pay-on-success credit settlement. Credit is
// never pre-authorized at intake; it is deducted once, when a job reaches
// the completed state.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// casAttempts bounds the retry loop when concurrent settlements for one
// owner keep invalidating each other's balance read.
const casAttempts = 5

// Ledger settles credits against an owner's balance.
type Ledger struct {
	jobs    domain.JobRepository
	credits domain.CreditRepository
	logger  zerolog.Logger
}

// New wires the ledger against the job and credit stores.
func New(jobs domain.JobRepository, credits domain.CreditRepository, logger zerolog.Logger) *Ledger {
	return &Ledger{jobs: jobs, credits: credits, logger: logger}
}

// DeductOnSuccess settles a completed job. It is idempotent: a job whose
// credit state is already deducted is a no-op. When the balance cannot cover
// the cost the job stays completed (the image was already produced) but is
// flagged for manual reconciliation and ErrInsufficientCredit is returned.
func (l *Ledger) DeductOnSuccess(ctx context.Context, jobID, ownerID string, amount int) error {
	job, err := l.jobs.Get(ctx, jobID, ownerID)
	if err != nil {
		return fmt.Errorf("ledger: load job: %w", err)
	}
	if job.CreditState.Deducted {
		return nil
	}
	if amount <= 0 {
		_, err := l.jobs.MarkDeducted(ctx, jobID, ownerID)
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		account, err := l.credits.Get(ctx, ownerID)
		if err != nil {
			return fmt.Errorf("ledger: load account: %w", err)
		}
		if account.Balance < amount {
			if markErr := l.jobs.MarkReconciliation(ctx, jobID, ownerID); markErr != nil {
				l.logger.Error().Err(markErr).Str("job_id", jobID).Msg("ledger: failed to flag reconciliation")
			}
			return fmt.Errorf("ledger: balance %d below cost %d: %w", account.Balance, amount, domain.ErrInsufficientCredit)
		}
		swapped, err := l.credits.CompareAndSwap(ctx, ownerID, account.Balance, account.Balance-amount)
		if err != nil {
			return fmt.Errorf("ledger: swap balance: %w", err)
		}
		if swapped {
			if _, err := l.jobs.MarkDeducted(ctx, jobID, ownerID); err != nil {
				return fmt.Errorf("ledger: mark deducted: %w", err)
			}
			l.logger.Info().Str("job_id", jobID).Str("owner_id", ownerID).Int("amount", amount).Msg("ledger: settled")
			return nil
		}
		// Another settlement moved the balance; re-read and retry.
	}
	return fmt.Errorf("ledger: settlement contention for owner %s: %w", ownerID, domain.ErrTransientProvider)
}

// Refund returns credit to an owner. It exists only for backward-compatible
// pre-authorization paths; pay-on-success settlement never needs it.
func (l *Ledger) Refund(ctx context.Context, jobID, ownerID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		account, err := l.credits.Get(ctx, ownerID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("ledger: refund for unknown owner %s: %w", ownerID, err)
			}
			return err
		}
		swapped, err := l.credits.CompareAndSwap(ctx, ownerID, account.Balance, account.Balance+amount)
		if err != nil {
			return err
		}
		if swapped {
			l.logger.Info().Str("job_id", jobID).Str("owner_id", ownerID).Int("amount", amount).Msg("ledger: refunded")
			return nil
		}
	}
	return fmt.Errorf("ledger: refund contention for owner %s: %w", ownerID, domain.ErrTransientProvider)
}
