package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `id, email, name, credit_balance, subscription_plan, subscription_status,
	stripe_customer_id, stripe_subscription_id, current_period_end, is_admin, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.CreditBalance, &a.SubscriptionPlan, &a.SubscriptionStatus,
		&a.StripeCustomerID, &a.StripeSubscriptionID, &a.CurrentPeriodEnd, &a.IsAdmin, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) Create(ctx context.Context, a *models.Account) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, email, name, credit_balance, subscription_plan, subscription_status, stripe_customer_id, is_admin)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, a.ID, a.Email, a.Name, a.CreditBalance, a.SubscriptionPlan, a.SubscriptionStatus, a.StripeCustomerID, a.IsAdmin).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *AccountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, email))
}

// GetByStripeCustomerID resolves webhook events that carry only the
// payment provider's customer reference.
func (r *AccountRepo) GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE stripe_customer_id = $1`, customerID))
}

func (r *AccountRepo) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE stripe_subscription_id = $1`, subscriptionID))
}

// SetStripeCustomerID records the provider customer reference after the first
// checkout for the account.
func (r *AccountRepo) SetStripeCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET stripe_customer_id = $2, updated_at = now() WHERE id = $1
	`, id, customerID)
	return err
}

// SetSubscription records a new or changed subscription on the account.
func (r *AccountRepo) SetSubscription(ctx context.Context, id uuid.UUID, plan, status, subscriptionID string, periodEnd *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts
		SET subscription_plan = $2, subscription_status = $3, stripe_subscription_id = $4, current_period_end = $5, updated_at = now()
		WHERE id = $1
	`, id, plan, status, subscriptionID, periodEnd)
	return err
}

func (r *AccountRepo) SetSubscriptionStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET subscription_status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	return err
}
