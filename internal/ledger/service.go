package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/models"
)

// Store is the persistence contract the engine runs on. Every Apply* method
// is atomic with respect to concurrent calls for the same account: the
// balance check and the write happen inside one database transaction.
type Store interface {
	Balance(ctx context.Context, accountID uuid.UUID) (int, error)
	ApplyDebit(ctx context.Context, accountID uuid.UUID, op models.OperationType, cost int, meta models.Metadata, referenceID *uuid.UUID) (*models.Transaction, error)
	ApplyCredit(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, meta models.Metadata, referenceID *uuid.UUID) (*models.Transaction, error)
	ApplyCreditIfAbsent(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, idempotencyKey string, meta models.Metadata) (*models.Transaction, bool, error)
	TransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	RecentTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
}

// Service is the sole mutator of account balances and sole writer of
// ledger transactions.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// History pagination is limit-only.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type CheckResult struct {
	Available      bool `json:"available"`
	Cost           int  `json:"cost"`
	CurrentBalance int  `json:"current_balance"`
}

type DeductionResult struct {
	Success       bool       `json:"success"`
	Cost          int        `json:"cost"`
	BalanceAfter  int        `json:"balance_after"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

type AdditionResult struct {
	Success       bool       `json:"success"`
	BalanceAfter  int        `json:"balance_after"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

type RefundResult struct {
	Success       bool       `json:"success"`
	BalanceAfter  int        `json:"balance_after"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

func resolveCost(op models.OperationType, customCost *int) (int, error) {
	if customCost != nil {
		if *customCost < 0 {
			return 0, fmt.Errorf("custom cost must be >= 0, got %d", *customCost)
		}
		// Callers still need a known operation type even when they price the
		// call themselves.
		if _, err := models.DefaultCost(op); err != nil {
			return 0, err
		}
		return *customCost, nil
	}
	return models.DefaultCost(op)
}

// CheckAffordable reports whether the account can pay for op without any side
// effect. A missing account reads as a zero balance.
func (s *Service) CheckAffordable(ctx context.Context, accountID uuid.UUID, op models.OperationType, customCost *int) (CheckResult, error) {
	cost, err := resolveCost(op, customCost)
	if err != nil {
		return CheckResult{}, err
	}
	balance, err := s.store.Balance(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return CheckResult{Available: false, Cost: cost, CurrentBalance: 0}, nil
	}
	if err != nil {
		return CheckResult{}, fmt.Errorf("read balance: %w", err)
	}
	return CheckResult{Available: balance >= cost, Cost: cost, CurrentBalance: balance}, nil
}

// Deduct charges the account for op. Insufficient funds is an expected
// outcome and comes back as a structured result, not an error; nothing is
// written in that case. The check and the write are atomic against
// concurrent deductions on the same account.
func (s *Service) Deduct(ctx context.Context, accountID uuid.UUID, op models.OperationType, meta models.Metadata, referenceID *uuid.UUID, customCost *int) (DeductionResult, error) {
	cost, err := resolveCost(op, customCost)
	if err != nil {
		return DeductionResult{}, err
	}
	txn, err := s.store.ApplyDebit(ctx, accountID, op, cost, meta, referenceID)
	var insufficient *InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return DeductionResult{
			Success:      false,
			Cost:         cost,
			BalanceAfter: insufficient.Balance,
			ErrorMessage: "insufficient credits",
		}, nil
	}
	if err != nil {
		return DeductionResult{}, err
	}
	return DeductionResult{
		Success:       true,
		Cost:          cost,
		BalanceAfter:  txn.BalanceAfter,
		TransactionID: &txn.ID,
	}, nil
}

// Add grants amount credits to the account. Grants are always positive;
// balance decreases only ever go through Deduct, which enforces the
// no-negative-balance invariant.
func (s *Service) Add(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, meta models.Metadata, referenceID *uuid.UUID) (AdditionResult, error) {
	if amount <= 0 {
		return AdditionResult{}, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if _, err := models.DefaultCost(op); err != nil {
		return AdditionResult{}, err
	}
	txn, err := s.store.ApplyCredit(ctx, accountID, op, amount, meta, referenceID)
	if err != nil {
		return AdditionResult{}, err
	}
	return AdditionResult{Success: true, BalanceAfter: txn.BalanceAfter, TransactionID: &txn.ID}, nil
}

// AddIfAbsent is Add guarded by an idempotency key. The key is unique per
// operation type; a replayed external event lands on the unique index and
// leaves the ledger untouched. applied=false is a no-op success.
func (s *Service) AddIfAbsent(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, idempotencyKey string, meta models.Metadata) (AdditionResult, bool, error) {
	if idempotencyKey == "" {
		return AdditionResult{}, false, errors.New("idempotency key is required")
	}
	if amount <= 0 {
		return AdditionResult{}, false, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	if _, err := models.DefaultCost(op); err != nil {
		return AdditionResult{}, false, err
	}
	txn, applied, err := s.store.ApplyCreditIfAbsent(ctx, accountID, op, amount, idempotencyKey, meta)
	if err != nil {
		return AdditionResult{}, false, err
	}
	if !applied {
		return AdditionResult{Success: true}, false, nil
	}
	return AdditionResult{Success: true, BalanceAfter: txn.BalanceAfter, TransactionID: &txn.ID}, true, nil
}

// Refund reverses a prior transaction by crediting back its absolute amount
// as a new refund row referencing the original. The original must exist and
// belong to accountID.
func (s *Service) Refund(ctx context.Context, accountID uuid.UUID, originalTransactionID uuid.UUID, meta models.Metadata) (RefundResult, error) {
	original, err := s.store.TransactionByID(ctx, originalTransactionID)
	if errors.Is(err, ErrTransactionNotFound) {
		return RefundResult{}, ErrTransactionNotFound
	}
	if err != nil {
		return RefundResult{}, fmt.Errorf("look up transaction: %w", err)
	}
	if original.AccountID != accountID {
		return RefundResult{}, ErrTransactionNotFound
	}

	amount := original.Amount
	if amount < 0 {
		amount = -amount
	}

	tagged := models.Metadata{}
	for k, v := range meta {
		tagged[k] = v
	}
	tagged[models.MetaOriginalTransactionID] = originalTransactionID.String()
	tagged[models.MetaOriginalOperationType] = string(original.OperationType)

	added, err := s.Add(ctx, accountID, models.OpRefund, amount, tagged, &originalTransactionID)
	if err != nil {
		return RefundResult{}, err
	}
	return RefundResult{Success: true, BalanceAfter: added.BalanceAfter, TransactionID: added.TransactionID}, nil
}

// GetBalance returns the current balance, or 0 for unknown accounts: "no
// ledger row yet" and "zero balance" are equivalent for reads.
func (s *Service) GetBalance(ctx context.Context, accountID uuid.UUID) (int, error) {
	balance, err := s.store.Balance(ctx, accountID)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// GetHistory returns the most recent transactions, newest first.
func (s *Service) GetHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.RecentTransactions(ctx, accountID, limit)
}
