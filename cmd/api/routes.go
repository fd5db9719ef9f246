package main

import (
	"log/slog"
	"net/http"

	"github.com/lumenstudio/backend/internal/billing"
	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/handlers"
	"github.com/lumenstudio/backend/internal/imagegen"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/middleware"
	"github.com/lumenstudio/backend/internal/providers"
	"github.com/lumenstudio/backend/internal/repository"
)

// RouteDeps bundles everything the /v1/ endpoints need.
type RouteDeps struct {
	Ledger        *ledger.Service
	Executor      *executor.Executor
	Chat          *providers.ChatClient
	Images        *imagegen.Service
	Accounts      *repository.AccountRepo
	APIKeys       *repository.APIKeyRepo
	Catalog       *billing.Catalog
	WebhookSecret string
	Logger        *slog.Logger
}

// RegisterV1Routes adds the /v1/ API endpoints to the given mux.
// Middleware chain: APIKeyAuth -> (RequireAdmin on admin routes) -> handler.
// The webhook endpoint authenticates by signature instead.
func RegisterV1Routes(mux *http.ServeMux, deps RouteDeps) {
	chat := &handlers.ChatHandler{Executor: deps.Executor, Chat: deps.Chat, Logger: deps.Logger}
	images := &handlers.ImageHandler{Images: deps.Images, Logger: deps.Logger}
	credits := &handlers.CreditsHandler{Ledger: deps.Ledger, Logger: deps.Logger}
	webhook := &handlers.WebhookHandler{
		Secret:   deps.WebhookSecret,
		Catalog:  deps.Catalog,
		Accounts: deps.Accounts,
		Granter:  deps.Executor,
		Logger:   deps.Logger,
	}

	auth := middleware.APIKeyAuth(deps.APIKeys)

	mux.Handle("POST /v1/chat", auth(http.HandlerFunc(chat.Complete)))

	mux.Handle("POST /v1/images", auth(http.HandlerFunc(images.Submit)))
	mux.Handle("GET /v1/images", auth(http.HandlerFunc(images.List)))
	mux.Handle("GET /v1/images/{id}", auth(http.HandlerFunc(images.Get)))

	mux.Handle("GET /v1/credits", auth(http.HandlerFunc(credits.GetBalance)))
	mux.Handle("GET /v1/credits/history", auth(http.HandlerFunc(credits.GetHistory)))

	mux.Handle("POST /v1/admin/credits/adjust", auth(middleware.RequireAdmin(http.HandlerFunc(credits.AdminAdjust))))

	mux.Handle("POST /v1/webhooks/stripe", http.HandlerFunc(webhook.Handle))
}
