package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/lumenstudio/backend/internal/imagegen"
	"github.com/lumenstudio/backend/internal/ledger"
	"github.com/lumenstudio/backend/internal/middleware"
	"github.com/lumenstudio/backend/internal/models"
)

// ImageService is the imagegen slice the handler needs.
type ImageService interface {
	Submit(ctx context.Context, accountID uuid.UUID, prompt, quality string) (*models.ImageJob, error)
	GetJob(ctx context.Context, id, accountID uuid.UUID) (*models.ImageJob, error)
	ListJobs(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.ImageJob, error)
}

// ImageHandler serves the /v1/images endpoints.
type ImageHandler struct {
	Images ImageService
	Logger *slog.Logger
}

type submitImageRequest struct {
	Prompt  string `json:"prompt"`
	Quality string `json:"quality"`
}

// Submit handles POST /v1/images.
// Auth -> affordability precheck -> job row + queue entry -> 202. The actual
// deduction happens in the worker when the generation runs.
func (h *ImageHandler) Submit(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req submitImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	job, err := h.Images.Submit(r.Context(), acc.ID, req.Prompt, req.Quality)
	if err != nil {
		var insufficient *ledger.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			writeInsufficient(w, insufficient)
		case errors.Is(err, imagegen.ErrEmptyPrompt):
			http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		default:
			h.Logger.Error("submit image job", "account_id", acc.ID, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID.String(),
		"status": job.Status,
	})
}

// Get handles GET /v1/images/{id}.
func (h *ImageHandler) Get(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid job id"}`, http.StatusBadRequest)
		return
	}

	job, err := h.Images.GetJob(r.Context(), jobID, acc.ID)
	if err != nil {
		if errors.Is(err, imagegen.ErrJobNotFound) {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		h.Logger.Error("get image job", "job_id", jobID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// List handles GET /v1/images.
func (h *ImageHandler) List(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	jobs, err := h.Images.ListJobs(r.Context(), acc.ID, 0)
	if err != nil {
		h.Logger.Error("list image jobs", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*models.ImageJob{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}
