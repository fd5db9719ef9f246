// Package handlers serves the /v1/ HTTP API.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/lumenstudio/backend/internal/ledger"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeInsufficient maps the ledger's refusal onto 402 with the numbers the
// client needs to prompt a top-up.
func writeInsufficient(w http.ResponseWriter, e *ledger.InsufficientCreditsError) {
	writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"error":   "insufficient credits",
		"cost":    e.Cost,
		"balance": e.Balance,
	})
}
