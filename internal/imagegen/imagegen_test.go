package imagegen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/riverqueue/river"

	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/providers"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- in-memory job repo ---

type mockJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.ImageJob
}

func newMockJobRepo() *mockJobRepo {
	return &mockJobRepo{jobs: make(map[uuid.UUID]*models.ImageJob)}
}

func (m *mockJobRepo) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockJobRepo) CreateTx(_ context.Context, _ pgx.Tx, job *models.ImageJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockJobRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ImageJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *mockJobRepo) ListByAccount(_ context.Context, accountID uuid.UUID, _ int) ([]*models.ImageJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ImageJob
	for _, j := range m.jobs {
		if j.AccountID == accountID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockJobRepo) ClaimProcessing(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.ImageJobQueued {
		return ErrJobNotFound
	}
	j.Status = models.ImageJobProcessing
	return nil
}

func (m *mockJobRepo) MarkCompleted(_ context.Context, id uuid.UUID, output string, transactionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.ImageJobCompleted
	j.Output = &output
	j.TransactionID = &transactionID
	return nil
}

func (m *mockJobRepo) MarkFailed(_ context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.ImageJobFailed
	j.ErrorMessage = &reason
	return nil
}

// --- affordability mock ---

type mockAffordability struct {
	balance int
}

func (m *mockAffordability) CheckAffordable(_ context.Context, _ uuid.UUID, op models.OperationType, _ *int) (ledger.CheckResult, error) {
	cost, err := models.DefaultCost(op)
	if err != nil {
		return ledger.CheckResult{}, err
	}
	return ledger.CheckResult{Available: m.balance >= cost, Cost: cost, CurrentBalance: m.balance}, nil
}

// --- executor mock ---

type mockRunner struct {
	failWith error
	requests []executor.Request
	txnID    uuid.UUID
}

func (m *mockRunner) Execute(ctx context.Context, req executor.Request, call executor.Call) (*executor.Outcome, error) {
	m.requests = append(m.requests, req)
	if m.failWith != nil {
		return nil, m.failWith
	}
	if err := call(ctx); err != nil {
		return nil, err
	}
	m.txnID = uuid.New()
	return &executor.Outcome{TransactionID: m.txnID, Cost: 15, BalanceAfter: 85}, nil
}

// --- generator mock ---

type mockGenerator struct {
	err    error
	result providers.ImageResult
}

func (m *mockGenerator) Generate(context.Context, providers.ImageRequest) (*providers.ImageResult, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &m.result, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

func TestSubmitEnqueuesJob(t *testing.T) {
	repo := newMockJobRepo()
	var enqueued []GenerateImageJobArgs
	svc := NewService(repo, &mockAffordability{balance: 100}, func(_ context.Context, _ pgx.Tx, args GenerateImageJobArgs) error {
		enqueued = append(enqueued, args)
		return nil
	})

	account := uuid.New()
	job, err := svc.Submit(context.Background(), account, "a cat on the moon", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != models.ImageJobQueued || job.Quality != "2K" {
		t.Errorf("job: got %+v, want queued at default quality", job)
	}
	if len(enqueued) != 1 || enqueued[0].JobID != job.ID || enqueued[0].AccountID != account {
		t.Errorf("enqueued: got %+v", enqueued)
	}
}

func TestSubmitRejectsUnpayable(t *testing.T) {
	repo := newMockJobRepo()
	svc := NewService(repo, &mockAffordability{balance: 3}, func(context.Context, pgx.Tx, GenerateImageJobArgs) error {
		t.Fatal("nothing should be enqueued")
		return nil
	})

	_, err := svc.Submit(context.Background(), uuid.New(), "a cat", "4K")
	var insufficient *ledger.InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if len(repo.jobs) != 0 {
		t.Error("no job row may be written on rejection")
	}
}

func TestSubmitRequiresPrompt(t *testing.T) {
	svc := NewService(newMockJobRepo(), &mockAffordability{balance: 100}, nil)
	if _, err := svc.Submit(context.Background(), uuid.New(), "   ", ""); !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestGetJobEnforcesOwnership(t *testing.T) {
	repo := newMockJobRepo()
	svc := NewService(repo, &mockAffordability{balance: 100}, func(context.Context, pgx.Tx, GenerateImageJobArgs) error { return nil })

	owner := uuid.New()
	job, err := svc.Submit(context.Background(), owner, "a dog", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.GetJob(context.Background(), job.ID, uuid.New()); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("foreign account: expected ErrJobNotFound, got %v", err)
	}
	if _, err := svc.GetJob(context.Background(), job.ID, owner); err != nil {
		t.Errorf("owner: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

func queuedJob(repo *mockJobRepo, accountID uuid.UUID) *models.ImageJob {
	job := &models.ImageJob{ID: uuid.New(), AccountID: accountID, Status: models.ImageJobQueued, Prompt: "a cat", Quality: "2K"}
	repo.jobs[job.ID] = job
	return job
}

func riverJob(args GenerateImageJobArgs) *river.Job[GenerateImageJobArgs] {
	return &river.Job[GenerateImageJobArgs]{Args: args}
}

func TestWorkerCompletesJob(t *testing.T) {
	repo := newMockJobRepo()
	account := uuid.New()
	job := queuedJob(repo, account)
	runner := &mockRunner{}
	gen := &mockGenerator{result: providers.ImageResult{ImageBase64: "aW1hZ2U=", MimeType: "image/png"}}
	w := NewGenerateImageWorker(repo, runner, gen, discardLogger())

	if err := w.Work(context.Background(), riverJob(GenerateImageJobArgs{JobID: job.ID, AccountID: account})); err != nil {
		t.Fatalf("Work: %v", err)
	}

	stored, _ := repo.GetByID(context.Background(), job.ID)
	if stored.Status != models.ImageJobCompleted || stored.Output == nil || *stored.Output != "aW1hZ2U=" {
		t.Errorf("job after work: %+v", stored)
	}
	if stored.TransactionID == nil || *stored.TransactionID != runner.txnID {
		t.Error("job should record the deduction transaction")
	}
	if len(runner.requests) != 1 || runner.requests[0].Operation != models.OpImageGeneration {
		t.Errorf("executor requests: %+v", runner.requests)
	}
}

func TestWorkerFailsJobTerminally(t *testing.T) {
	repo := newMockJobRepo()
	account := uuid.New()
	job := queuedJob(repo, account)
	runner := &mockRunner{}
	gen := &mockGenerator{err: fmt.Errorf("model overloaded")}
	w := NewGenerateImageWorker(repo, runner, gen, discardLogger())

	// Provider failure must not bubble to River: the refund already happened
	// and a retry would bill a fresh attempt.
	if err := w.Work(context.Background(), riverJob(GenerateImageJobArgs{JobID: job.ID, AccountID: account})); err != nil {
		t.Fatalf("Work should absorb provider failure, got %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), job.ID)
	if stored.Status != models.ImageJobFailed || stored.ErrorMessage == nil {
		t.Errorf("job after failure: %+v", stored)
	}
}

func TestWorkerIgnoresReplayedDelivery(t *testing.T) {
	repo := newMockJobRepo()
	account := uuid.New()
	job := queuedJob(repo, account)
	job.Status = models.ImageJobCompleted

	runner := &mockRunner{}
	w := NewGenerateImageWorker(repo, runner, &mockGenerator{}, discardLogger())

	if err := w.Work(context.Background(), riverJob(GenerateImageJobArgs{JobID: job.ID, AccountID: account})); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(runner.requests) != 0 {
		t.Error("replayed delivery must not reach the executor")
	}
}
