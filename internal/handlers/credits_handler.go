package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/middleware"
	"github.com/lumenstudio/backend/internal/models"
)

// LedgerService is the ledger slice the credits endpoints need.
type LedgerService interface {
	GetBalance(ctx context.Context, accountID uuid.UUID) (int, error)
	GetHistory(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transaction, error)
	Add(ctx context.Context, accountID uuid.UUID, op models.OperationType, amount int, meta models.Metadata, referenceID *uuid.UUID) (ledger.AdditionResult, error)
	Deduct(ctx context.Context, accountID uuid.UUID, op models.OperationType, meta models.Metadata, referenceID *uuid.UUID, customCost *int) (ledger.DeductionResult, error)
}

// CreditsHandler serves the /v1/credits endpoints.
type CreditsHandler struct {
	Ledger LedgerService
	Logger *slog.Logger
}

// GetBalance handles GET /v1/credits.
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	balance, err := h.Ledger.GetBalance(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("read balance", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"balance": balance})
}

// GetHistory handles GET /v1/credits/history?limit=N, newest first.
func (h *CreditsHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.Ledger.GetHistory(r.Context(), acc.ID, limit)
	if err != nil {
		h.Logger.Error("read history", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if history == nil {
		history = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": history})
}

// --- POST /v1/admin/credits/adjust ---

type adjustRequest struct {
	AccountID string `json:"account_id"`
	Amount    int    `json:"amount"`
	Reason    string `json:"reason"`
}

// AdminAdjust handles POST /v1/admin/credits/adjust. Positive amounts grant,
// negative amounts claw back through the same no-negative-balance gate as any
// deduction. Runs behind RequireAdmin.
func (h *CreditsHandler) AdminAdjust(w http.ResponseWriter, r *http.Request) {
	admin := middleware.AccountFromCtx(r.Context())
	if admin == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		http.Error(w, `{"error":"invalid account_id"}`, http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		http.Error(w, `{"error":"amount must be non-zero"}`, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, `{"error":"reason is required"}`, http.StatusBadRequest)
		return
	}

	meta := models.Metadata{
		models.MetaReason:         req.Reason,
		models.MetaAdminAccountID: admin.ID.String(),
	}

	if req.Amount > 0 {
		res, err := h.Ledger.Add(r.Context(), accountID, models.OpAdminAdjustment, req.Amount, meta, nil)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
			return
		}
		if err != nil {
			h.Logger.Error("admin grant", "account_id", accountID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"balance": res.BalanceAfter, "transaction_id": res.TransactionID})
		return
	}

	cost := -req.Amount
	res, err := h.Ledger.Deduct(r.Context(), accountID, models.OpAdminAdjustment, meta, nil, &cost)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		http.Error(w, `{"error":"account not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("admin clawback", "account_id", accountID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !res.Success {
		writeInsufficient(w, &ledger.InsufficientCreditsError{Balance: res.BalanceAfter, Cost: res.Cost})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"balance": res.BalanceAfter, "transaction_id": res.TransactionID})
}
