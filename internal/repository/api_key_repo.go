package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

// APIKeyWithAccount is returned by FindByKeyHash (api_key joined with account).
type APIKeyWithAccount struct {
	APIKey  models.APIKey
	Account models.Account
}

func (r *APIKeyRepo) Create(ctx context.Context, k *models.APIKey) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, account_id, key_hash, label)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, k.ID, k.AccountID, k.KeyHash, k.Label).Scan(&k.CreatedAt)
}

// FindByKeyHash returns the api_key and joined account for the given key hash,
// stamping last_used_at on the way through.
func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*APIKeyWithAccount, error) {
	var out APIKeyWithAccount
	err := r.pool.QueryRow(ctx, `
		UPDATE api_keys k SET last_used_at = now()
		FROM accounts ac
		WHERE k.key_hash = $1 AND ac.id = k.account_id
		RETURNING k.id, k.account_id, k.key_hash, k.label, k.created_at, k.last_used_at,
		          ac.id, ac.email, ac.name, ac.credit_balance, ac.subscription_plan, ac.subscription_status,
		          ac.stripe_customer_id, ac.stripe_subscription_id, ac.current_period_end, ac.is_admin, ac.created_at, ac.updated_at
	`, keyHash).Scan(
		&out.APIKey.ID, &out.APIKey.AccountID, &out.APIKey.KeyHash, &out.APIKey.Label, &out.APIKey.CreatedAt, &out.APIKey.LastUsedAt,
		&out.Account.ID, &out.Account.Email, &out.Account.Name, &out.Account.CreditBalance, &out.Account.SubscriptionPlan, &out.Account.SubscriptionStatus,
		&out.Account.StripeCustomerID, &out.Account.StripeSubscriptionID, &out.Account.CurrentPeriodEnd, &out.Account.IsAdmin, &out.Account.CreatedAt, &out.Account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
