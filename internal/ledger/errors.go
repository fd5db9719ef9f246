package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is a hard failure for writes. Reads treat a missing
	// account as a zero balance instead.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when a refund references a
	// transaction that does not exist or belongs to a different account.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// InsufficientCreditsError reports a rejected deduction together with the
// balance observed at rejection time, so callers can surface it.
type InsufficientCreditsError struct {
	Balance int
	Cost    int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: balance %d, cost %d", e.Balance, e.Cost)
}
