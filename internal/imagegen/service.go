package imagegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/models"
)

// Image generation runs off-request: submissions write a job row and enqueue
// work; the worker deducts, calls the provider, and settles.

var ErrEmptyPrompt = errors.New("prompt is required")

// Affordability is the precheck slice of the ledger engine. The real
// deduction happens in the worker; this only keeps obviously unpayable jobs
// out of the queue.
type Affordability interface {
	CheckAffordable(ctx context.Context, accountID uuid.UUID, op models.OperationType, customCost *int) (ledger.CheckResult, error)
}

// JobRepo is the persistence contract the service needs.
type JobRepo interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, job *models.ImageJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImageJob, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.ImageJob, error)
}

// InsertGenerateImageTxFunc enqueues a generation job within the given
// transaction. Provided by main as a closure over river.Client.InsertTx.
type InsertGenerateImageTxFunc func(ctx context.Context, tx pgx.Tx, args GenerateImageJobArgs) error

type Service struct {
	repo     JobRepo
	ledger   Affordability
	insertTx InsertGenerateImageTxFunc
}

func NewService(repo JobRepo, ledger Affordability, insertTx InsertGenerateImageTxFunc) *Service {
	return &Service{repo: repo, ledger: ledger, insertTx: insertTx}
}

// Submit records a generation request and enqueues it. The job row and the
// queue entry commit atomically; a crash between the two cannot strand either.
func (s *Service) Submit(ctx context.Context, accountID uuid.UUID, prompt, quality string) (*models.ImageJob, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if quality == "" {
		quality = "2K"
	}

	check, err := s.ledger.CheckAffordable(ctx, accountID, models.OpImageGeneration, nil)
	if err != nil {
		return nil, err
	}
	if !check.Available {
		return nil, &ledger.InsufficientCreditsError{Balance: check.CurrentBalance, Cost: check.Cost}
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	job := &models.ImageJob{
		ID:        uuid.New(),
		AccountID: accountID,
		Status:    models.ImageJobQueued,
		Prompt:    prompt,
		Quality:   quality,
	}
	if err := s.repo.CreateTx(ctx, tx, job); err != nil {
		return nil, fmt.Errorf("create image job: %w", err)
	}
	if err := s.insertTx(ctx, tx, GenerateImageJobArgs{JobID: job.ID, AccountID: accountID}); err != nil {
		return nil, fmt.Errorf("enqueue image job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob returns the job if it belongs to accountID.
func (s *Service) GetJob(ctx context.Context, id, accountID uuid.UUID) (*models.ImageJob, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.AccountID != accountID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.ImageJob, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListByAccount(ctx, accountID, limit)
}
