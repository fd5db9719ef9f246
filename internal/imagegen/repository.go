package imagegen

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenstudio/backend/internal/models"
)

var ErrJobNotFound = errors.New("image job not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateTx inserts the job row inside the caller's transaction so the queue
// insert and the row commit or roll back together.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, job *models.ImageJob) error {
	return tx.QueryRow(ctx, `
		INSERT INTO image_jobs (id, account_id, status, prompt, quality)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, job.ID, job.AccountID, job.Status, job.Prompt, job.Quality).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ImageJob, error) {
	var j models.ImageJob
	err := r.pool.QueryRow(ctx, `
		SELECT id, account_id, status, prompt, quality, output, error_message, transaction_id, created_at, updated_at
		FROM image_jobs WHERE id = $1
	`, id).Scan(&j.ID, &j.AccountID, &j.Status, &j.Prompt, &j.Quality, &j.Output, &j.ErrorMessage, &j.TransactionID, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.ImageJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, status, prompt, quality, output, error_message, transaction_id, created_at, updated_at
		FROM image_jobs WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ImageJob
	for rows.Next() {
		var j models.ImageJob
		if err := rows.Scan(&j.ID, &j.AccountID, &j.Status, &j.Prompt, &j.Quality, &j.Output, &j.ErrorMessage, &j.TransactionID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &j)
	}
	return list, rows.Err()
}

// ClaimProcessing moves a queued job to processing. Returns ErrJobNotFound if
// the job is gone or was already claimed, which makes queue replays no-ops.
func (r *Repository) ClaimProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE image_jobs SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, models.ImageJobProcessing, models.ImageJobQueued)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, output string, transactionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE image_jobs SET status = $2, output = $3, transaction_id = $4, updated_at = now()
		WHERE id = $1
	`, id, models.ImageJobCompleted, output, transactionID)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE image_jobs SET status = $2, error_message = $3, updated_at = now()
		WHERE id = $1
	`, id, models.ImageJobFailed, reason)
	return err
}
