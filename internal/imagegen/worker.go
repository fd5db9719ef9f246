package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/providers"
)

type GenerateImageJobArgs struct {
	JobID     uuid.UUID `json:"job_id"`
	AccountID uuid.UUID `json:"account_id"`
}

func (GenerateImageJobArgs) Kind() string { return "generate_image" }

// Generator is the paid external call the worker wraps.
type Generator interface {
	Generate(ctx context.Context, req providers.ImageRequest) (*providers.ImageResult, error)
}

// Runner is the executor slice the worker needs.
type Runner interface {
	Execute(ctx context.Context, req executor.Request, call executor.Call) (*executor.Outcome, error)
}

// JobStore is the repository slice the worker needs.
type JobStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ImageJob, error)
	ClaimProcessing(ctx context.Context, id uuid.UUID) error
	MarkCompleted(ctx context.Context, id uuid.UUID, output string, transactionID uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
}

type GenerateImageWorker struct {
	river.WorkerDefaults[GenerateImageJobArgs]
	jobs   JobStore
	exec   Runner
	images Generator
	logger *slog.Logger
}

func NewGenerateImageWorker(jobs JobStore, exec Runner, images Generator, logger *slog.Logger) *GenerateImageWorker {
	return &GenerateImageWorker{jobs: jobs, exec: exec, images: images, logger: logger}
}

// Work runs the billing protocol around one generation. Provider failures
// are terminal for the job: the executor has already refunded the deduction,
// so re-running the queue entry would charge for a fresh attempt the account
// never asked for.
func (w *GenerateImageWorker) Work(ctx context.Context, job *river.Job[GenerateImageJobArgs]) error {
	args := job.Args

	if err := w.jobs.ClaimProcessing(ctx, args.JobID); err != nil {
		if errors.Is(err, ErrJobNotFound) {
			// Already claimed by an earlier delivery of this queue entry.
			return nil
		}
		return fmt.Errorf("claim image job: %w", err)
	}

	record, err := w.jobs.GetByID(ctx, args.JobID)
	if err != nil {
		return fmt.Errorf("load image job: %w", err)
	}

	var result *providers.ImageResult
	outcome, err := w.exec.Execute(ctx, executor.Request{
		AccountID: args.AccountID,
		Operation: models.OpImageGeneration,
		Metadata:  models.Metadata{models.MetaJobID: args.JobID.String(), models.MetaProvider: "gemini"},
	}, func(ctx context.Context) error {
		var callErr error
		result, callErr = w.images.Generate(ctx, providers.ImageRequest{Prompt: record.Prompt, Quality: record.Quality})
		return callErr
	})
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return w.failJob(ctx, args.JobID, "insufficient credits")
		}
		w.logger.Warn("image generation failed", "job_id", args.JobID, "account_id", args.AccountID, "error", err)
		return w.failJob(ctx, args.JobID, err.Error())
	}

	if err := w.jobs.MarkCompleted(ctx, args.JobID, result.ImageBase64, outcome.TransactionID); err != nil {
		return fmt.Errorf("mark image job completed: %w", err)
	}
	return nil
}

func (w *GenerateImageWorker) failJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	if err := w.jobs.MarkFailed(ctx, jobID, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to mark job as failed: %w", reason, err)
	}
	return nil
}
