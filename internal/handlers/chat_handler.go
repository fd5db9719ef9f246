package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/lumenstudio/backend/internal/executor"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/middleware"
	"github.com/lumenstudio/backend/internal/models"
	"github.com/lumenstudio/backend/internal/providers"
)

// ChatCompleter is the provider slice the chat handler needs.
type ChatCompleter interface {
	Complete(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// Runner abstracts the executor so tests don't need a real ledger.
type Runner interface {
	Execute(ctx context.Context, req executor.Request, call executor.Call) (*executor.Outcome, error)
}

// ChatHandler serves POST /v1/chat.
type ChatHandler struct {
	Executor Runner
	Chat     ChatCompleter
	Logger   *slog.Logger
}

type chatRequest struct {
	Messages []providers.ChatMessage `json:"messages"`
	Model    string                  `json:"model"`
}

type chatResponse struct {
	Reply            string `json:"reply"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Credits          struct {
		Cost          int    `json:"cost"`
		BalanceAfter  int    `json:"balance_after"`
		TransactionID string `json:"transaction_id"`
	} `json:"credits"`
}

// Complete handles POST /v1/chat.
// Auth (via middleware) -> precheck/deduct -> provider call -> settle -> 200.
func (h *ChatHandler) Complete(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, `{"error":"messages are required"}`, http.StatusBadRequest)
		return
	}

	var reply *providers.ChatResponse
	outcome, err := h.Executor.Execute(r.Context(), executor.Request{
		AccountID: acc.ID,
		Operation: models.OpAIChat,
		Metadata:  models.Metadata{models.MetaModel: req.Model},
	}, func(ctx context.Context) error {
		var callErr error
		reply, callErr = h.Chat.Complete(ctx, providers.ChatRequest{Model: req.Model, Messages: req.Messages})
		return callErr
	})
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			writeInsufficient(w, insufficient)
			return
		}
		h.Logger.Error("chat completion failed", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"chat completion failed"}`, http.StatusBadGateway)
		return
	}

	resp := chatResponse{
		Reply:            reply.Content,
		Model:            reply.Model,
		PromptTokens:     reply.PromptTokens,
		CompletionTokens: reply.CompletionTokens,
	}
	resp.Credits.Cost = outcome.Cost
	resp.Credits.BalanceAfter = outcome.BalanceAfter
	resp.Credits.TransactionID = outcome.TransactionID.String()
	writeJSON(w, http.StatusOK, resp)
}
