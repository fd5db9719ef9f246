package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

// Repository is the Postgres-backed Store. Each Apply* call runs in its own
// transaction: the account row is locked (SELECT ... FOR UPDATE), the balance
// is checked and updated, and the ledger row is inserted, all before commit.
// Atomicity lives in the database, not in any in-process lock, so independent
// processes stay correct.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Balance(ctx context.Context, accountID uuid.UUID) (int, error) {
	var balance int
	err := r.pool.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1
	`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *Repository) ApplyDebit(ctx context.Context, accountID uuid.UUID, op models.OperationType, cost int, meta models.Metadata, referenceID *uuid.UUID) (*models.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if balance < cost {
		return nil, &InsufficientCreditsError{Balance: balance, Cost: cost}
	}
	newBalance := balance - cost
	if err := updateBalance(ctx, tx, accountID, newBalance); err != nil {
		return nil, err
	}
	txn, err := insertTransaction(ctx, tx, accountID, op, -cost, balance, newBalance, meta, referenceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *Repository) ApplyCredit(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, meta models.Metadata, referenceID *uuid.UUID) (*models.Transaction, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	newBalance := balance + amount
	if err := updateBalance(ctx, tx, accountID, newBalance); err != nil {
		return nil, err
	}
	txn, err := insertTransaction(ctx, tx, accountID, op, amount, balance, newBalance, meta, referenceID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return txn, nil
}

// ApplyCreditIfAbsent inserts the ledger row first, relying on the partial
// unique index on (operation_type, metadata->>'idempotency_key'). A conflict
// means the external event was already applied; the transaction rolls back
// with the balance untouched.
func (r *Repository) ApplyCreditIfAbsent(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, idempotencyKey string, meta models.Metadata) (*models.Transaction, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	balance, err := lockBalance(ctx, tx, accountID)
	if err != nil {
		return nil, false, err
	}
	newBalance := balance + amount

	keyed := models.Metadata{}
	for k, v := range meta {
		keyed[k] = v
	}
	keyed[models.MetaIdempotencyKey] = idempotencyKey

	txn := &models.Transaction{
		AccountID:     accountID,
		OperationType: op,
		Amount:        amount,
		BalanceBefore: balance,
		BalanceAfter:  newBalance,
		Metadata:      keyed,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (account_id, operation_type, amount, balance_before, balance_after, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (operation_type, ((metadata->>'idempotency_key'))) WHERE metadata ? 'idempotency_key' DO NOTHING
		RETURNING id, created_at
	`, accountID, op, amount, balance, newBalance, keyed).Scan(&txn.ID, &txn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert transaction: %w", err)
	}
	if err := updateBalance(ctx, tx, accountID, newBalance); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return txn, true, nil
}

func (r *Repository) TransactionByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	var t models.Transaction
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, operation_type, amount, balance_before, balance_after, metadata, reference_id, created_at
		FROM credit_transactions WHERE id = $1
	`, id).Scan(&t.ID, &t.AccountID, &t.OperationType, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Metadata, &t.ReferenceID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Repository) RecentTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, operation_type, amount, balance_before, balance_after, metadata, reference_id, created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.AccountID, &t.OperationType, &t.Amount, &t.BalanceBefore, &t.BalanceAfter, &t.Metadata, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}

func lockBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var balance int
	err := tx.QueryRow(ctx, `
		SELECT credit_balance FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func updateBalance(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, balance int) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET credit_balance = $2, updated_at = now() WHERE id = $1
	`, accountID, balance)
	return err
}

func insertTransaction(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, op models.OperationType, amount, balanceBefore, balanceAfter int, meta models.Metadata, referenceID *uuid.UUID) (*models.Transaction, error) {
	if meta == nil {
		meta = models.Metadata{}
	}
	t := &models.Transaction{
		AccountID:     accountID,
		OperationType: op,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Metadata:      meta,
		ReferenceID:   referenceID,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (account_id, operation_type, amount, balance_before, balance_after, metadata, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, accountID, op, amount, balanceBefore, balanceAfter, meta, referenceID).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return t, nil
}
