package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/lumenstudio/backend/internal/billing"
	"github.com/lumenstudio/backend/internal/config"
	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/imagegen"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/providers"
	"github.com/lumenstudio/backend/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL (connection refused or invalid). Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	// Schema migrations
	if err := repository.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		slog.Error("Schema migrations failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed. If the error is 'connection refused', start PostgreSQL first", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Ledger engine and operation executor
	ledgerRepo := ledger.NewRepository(pool)
	ledgerSvc := ledger.NewService(ledgerRepo)
	exec := executor.New(ledgerSvc, logger)

	// External providers
	chatClient := providers.NewChatClient(cfg.ChatBaseURL, cfg.ChatAPIKey)
	imageClient := providers.NewImageClient(cfg.ImageBaseURL, cfg.ImageAPIKey)

	// Image jobs: insert func is set after the River client is created
	// (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn imagegen.InsertGenerateImageTxFunc
	insertGenerateImage := func(ctx context.Context, tx pgx.Tx, args imagegen.GenerateImageJobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	imageRepo := imagegen.NewRepository(pool)
	imageSvc := imagegen.NewService(imageRepo, ledgerSvc, insertGenerateImage)

	workers := river.NewWorkers()
	river.AddWorker(workers, imagegen.NewGenerateImageWorker(imageRepo, exec, imageClient, logger))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.ImageWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args imagegen.GenerateImageJobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// Accounts and billing
	accountRepo := repository.NewAccountRepo(pool)
	apiKeyRepo := repository.NewAPIKeyRepo(pool)
	catalog := billing.NewCatalog(cfg.StripePriceStarter, cfg.StripePricePro, cfg.StripePriceBusiness)

	mux := http.NewServeMux()
	RegisterV1Routes(mux, RouteDeps{
		Ledger:        ledgerSvc,
		Executor:      exec,
		Chat:          chatClient,
		Images:        imageSvc,
		Accounts:      accountRepo,
		APIKeys:       apiKeyRepo,
		Catalog:       catalog,
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes image jobs)
	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", cfg.Addr())
	if err := http.ListenAndServe(cfg.Addr(), corsHandler); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
