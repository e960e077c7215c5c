package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/jobs"
)

// BatchHandler serves the batch screening routes
type BatchHandler struct {
	jobs    *jobs.Service
	limiter interfaces.RateLimiter
	logger  arbor.ILogger
}

// NewBatchHandler creates a batch handler
func NewBatchHandler(jobService *jobs.Service, limiter interfaces.RateLimiter, logger arbor.ILogger) *BatchHandler {
	return &BatchHandler{
		jobs:    jobService,
		limiter: limiter,
		logger:  logger,
	}
}

// BatchPredictHandler handles POST /api/v1/predict/batch
func (h *BatchHandler) BatchPredictHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.BatchPredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, models.NewAPIError(models.ErrKindValidation, "invalid JSON body"))
		return
	}

	resp, err := h.jobs.SubmitBatch(r.Context(), &req)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Batch submission rejected")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetBatchHandler handles GET /api/v1/batches/{id}
func (h *BatchHandler) GetBatchHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	if !AllowRate(w, r, h.limiter, userID, interfaces.RouteClassRead) {
		return
	}

	resp, err := h.jobs.GetBatch(r.Context(), userID, batchID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListBatchesHandler handles GET /api/v1/batches
func (h *BatchHandler) ListBatchesHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	if !AllowRate(w, r, h.limiter, userID, interfaces.RouteClassRead) {
		return
	}

	resp, err := h.jobs.ListBatches(r.Context(), userID, ListOptionsFrom(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// CancelBatchHandler handles POST /api/v1/batches/{id}/cancel
func (h *BatchHandler) CancelBatchHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	if err := h.jobs.CancelJob(r.Context(), userID, batchID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": "cancelled"})
}

// DeleteBatchHandler handles DELETE /api/v1/batches/{id}
func (h *BatchHandler) DeleteBatchHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	if err := h.jobs.DeleteBatch(r.Context(), userID, batchID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": "deleted"})
}

// ExportBatchHandler handles GET /api/v1/batches/{id}/export?format={csv|json|zip}
func (h *BatchHandler) ExportBatchHandler(w http.ResponseWriter, r *http.Request, batchID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	if !AllowRate(w, r, h.limiter, userID, interfaces.RouteClassDownload) {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}

	artifact, err := h.jobs.ExportBatch(r.Context(), userID, batchID, format)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}
