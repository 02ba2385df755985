package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// CreditRepositoryPG implements domain.CreditRepository using PostgreSQL.
// The balance is only ever mutated through the conditional UPDATE in
// CompareAndSwap, so concurrent settlements for one owner serialize on the
// row without losing updates.
type CreditRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewCreditRepository constructs a new credit repository instance.
func NewCreditRepository(pool *pgxpool.Pool) *CreditRepositoryPG {
	return &CreditRepositoryPG{pool: pool}
}

// Get fetches an owner's account.
func (r *CreditRepositoryPG) Get(ctx context.Context, ownerID string) (*domain.CreditAccount, error) {
	row := r.pool.QueryRow(ctx, `
SELECT owner_id, balance, updated_at
FROM credit_accounts
WHERE owner_id = $1;
`, ownerID)
	var account domain.CreditAccount
	if err := row.Scan(&account.OwnerID, &account.Balance, &account.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CompareAndSwap sets the balance to newBalance only if it still equals
// oldBalance. Negative balances are rejected outright.
func (r *CreditRepositoryPG) CompareAndSwap(ctx context.Context, ownerID string, oldBalance, newBalance int) (bool, error) {
	if newBalance < 0 {
		return false, nil
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE credit_accounts
SET balance = $3, updated_at = NOW()
WHERE owner_id = $1 AND balance = $2;
`, ownerID, oldBalance, newBalance)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

var _ domain.CreditRepository = (*CreditRepositoryPG)(nil)
