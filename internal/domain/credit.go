package domain

import "time"

// CreditAccount holds an owner's spendable balance. The balance is mutated
// exclusively through compare-and-swap so concurrent settlements for one
// owner never lose updates.
type CreditAccount struct {
	OwnerID   string
	Balance   int
	UpdatedAt time.Time
}
