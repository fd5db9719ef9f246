// Package executor wraps billable external work in a deduct -> run -> settle
// protocol so that failures in the wrapped call never leave the ledger
// inconsistent, and replayed external events are applied at most once.
package executor

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/models"
)

// Ledger is the slice of the ledger engine the executor needs.
type Ledger interface {
	CheckAffordable(ctx context.Context, accountID uuid.UUID, op models.OperationType, customCost *int) (ledger.CheckResult, error)
	Deduct(ctx context.Context, accountID uuid.UUID, op models.OperationType, meta models.Metadata, referenceID *uuid.UUID, customCost *int) (ledger.DeductionResult, error)
	AddIfAbsent(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, idempotencyKey string, meta models.Metadata) (ledger.AdditionResult, bool, error)
	Refund(ctx context.Context, accountID uuid.UUID, originalTransactionID uuid.UUID, meta models.Metadata) (ledger.RefundResult, error)
}

// Call is one paid unit of external work. It owns its own deadline; the
// executor never retries it.
type Call func(ctx context.Context) error

// RefundReasonFailed tags refunds issued because the wrapped call failed.
const RefundReasonFailed = "generation_failed"

type Executor struct {
	ledger Ledger
	logger *slog.Logger
}

func New(l Ledger, logger *slog.Logger) *Executor {
	return &Executor{ledger: l, logger: logger}
}

// Request identifies the account and operation a Call is billed as.
type Request struct {
	AccountID  uuid.UUID
	Operation  models.OperationType
	Metadata   models.Metadata
	CustomCost *int
}

// Outcome reports a settled execution: the deduction stands.
type Outcome struct {
	TransactionID uuid.UUID
	Cost          int
	BalanceAfter  int
}

// Execute runs the billing protocol around call:
//
//	precheck -> deduct -> call -> settle (commit, or refund on failure)
//
// Cost is only charged for attempted work: the call runs strictly after the
// deduction, and any call error triggers a refund of the deduction before the
// error is returned unchanged. Insufficient funds at either the precheck or
// the deduction (a concurrent spender may win the race in between) is
// reported as *ledger.InsufficientCreditsError without invoking call.
func (e *Executor) Execute(ctx context.Context, req Request, call Call) (*Outcome, error) {
	check, err := e.ledger.CheckAffordable(ctx, req.AccountID, req.Operation, req.CustomCost)
	if err != nil {
		return nil, err
	}
	if !check.Available {
		return nil, &ledger.InsufficientCreditsError{Balance: check.CurrentBalance, Cost: check.Cost}
	}

	ded, err := e.ledger.Deduct(ctx, req.AccountID, req.Operation, req.Metadata, nil, req.CustomCost)
	if err != nil {
		return nil, err
	}
	if !ded.Success {
		return nil, &ledger.InsufficientCreditsError{Balance: ded.BalanceAfter, Cost: ded.Cost}
	}

	if callErr := call(ctx); callErr != nil {
		e.refund(ctx, req, *ded.TransactionID, callErr)
		return nil, callErr
	}

	return &Outcome{TransactionID: *ded.TransactionID, Cost: ded.Cost, BalanceAfter: ded.BalanceAfter}, nil
}

// refund is best-effort cleanup after a failed call. Its outcome never
// changes the failure reported to the caller. A refund that itself fails
// leaves the account short credits for work that never completed; that is
// the one state operators must reconcile by hand, so it is logged at error
// severity with a stable marker.
func (e *Executor) refund(ctx context.Context, req Request, transactionID uuid.UUID, callErr error) {
	// The caller's deadline may already be spent (that can be exactly why the
	// call failed); the refund must still reach the ledger.
	ctx = context.WithoutCancel(ctx)

	res, err := e.ledger.Refund(ctx, req.AccountID, transactionID, models.Metadata{
		models.MetaReason: RefundReasonFailed,
	})
	if err != nil || !res.Success {
		e.logger.Error("refund_failed: account is short credits for failed work",
			"account_id", req.AccountID,
			"transaction_id", transactionID,
			"operation", string(req.Operation),
			"call_error", callErr,
			"refund_error", err,
		)
		return
	}
	e.logger.Info("refunded failed operation",
		"account_id", req.AccountID,
		"transaction_id", transactionID,
		"operation", string(req.Operation),
		"balance_after", res.BalanceAfter,
	)
}

// Grant is an externally-triggered credit grant (checkout completion,
// subscription renewal) keyed by a stable identifier from the external event.
type Grant struct {
	AccountID      uuid.UUID
	Operation      models.OperationType
	Amount         int
	IdempotencyKey string
	Metadata       models.Metadata
}

// GrantOutcome reports whether the grant was applied. Applied=false means the
// event was already processed; that is a success, not a failure.
type GrantOutcome struct {
	Applied       bool
	TransactionID *uuid.UUID
	BalanceAfter  int
}

// GrantIfNew applies g at most once per (operation, idempotency key), so
// repeated delivery of the same payment-provider event cannot double-grant.
func (e *Executor) GrantIfNew(ctx context.Context, g Grant) (*GrantOutcome, error) {
	if g.IdempotencyKey == "" {
		return nil, errors.New("idempotency key is required")
	}
	res, applied, err := e.ledger.AddIfAbsent(ctx, g.AccountID, g.Operation, g.Amount, g.IdempotencyKey, g.Metadata)
	if err != nil {
		return nil, err
	}
	if !applied {
		e.logger.Info("duplicate grant absorbed",
			"account_id", g.AccountID,
			"operation", string(g.Operation),
			"idempotency_key", g.IdempotencyKey,
		)
		return &GrantOutcome{Applied: false}, nil
	}
	return &GrantOutcome{Applied: true, TransactionID: res.TransactionID, BalanceAfter: res.BalanceAfter}, nil
}
