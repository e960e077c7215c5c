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

// JobHandler serves the individual prediction routes
type JobHandler struct {
	jobs    *jobs.Service
	limiter interfaces.RateLimiter
	logger  arbor.ILogger
}

// NewJobHandler creates a job handler
func NewJobHandler(jobService *jobs.Service, limiter interfaces.RateLimiter, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobs:    jobService,
		limiter: limiter,
		logger:  logger,
	}
}

// PredictHandler handles POST /api/v1/predict
func (h *JobHandler) PredictHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, models.NewAPIError(models.ErrKindValidation, "invalid JSON body"))
		return
	}

	resp, err := h.jobs.SubmitIndividual(r.Context(), &req)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Prediction submission rejected")
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// GetJobHandler handles GET /api/v1/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	if !AllowRate(w, r, h.limiter, userID, interfaces.RouteClassRead) {
		return
	}

	resp, err := h.jobs.GetJob(r.Context(), userID, jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// ListJobsHandler handles GET /api/v1/jobs
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
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

	resp, err := h.jobs.ListJobs(r.Context(), userID, ListOptionsFrom(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// CancelJobHandler handles POST /api/v1/jobs/{id}/cancel
func (h *JobHandler) CancelJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	if err := h.jobs.CancelJob(r.Context(), userID, jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancelled"})
}

// DeleteJobHandler handles DELETE /api/v1/jobs/{id}
func (h *JobHandler) DeleteJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}

	if err := h.jobs.DeleteJob(r.Context(), userID, jobID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "deleted"})
}

// DownloadFileHandler handles GET /api/v1/jobs/{id}/files/{cif|pdb|json}
func (h *JobHandler) DownloadFileHandler(w http.ResponseWriter, r *http.Request, jobID, kind string) {
	userID, ok := RequireUser(w, r)
	if !ok {
		return
	}
	if !AllowRate(w, r, h.limiter, userID, interfaces.RouteClassDownload) {
		return
	}

	artifact, err := h.jobs.DownloadJobArtifact(r.Context(), userID, jobID, kind)
	if err != nil {
		WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename))
	w.WriteHeader(http.StatusOK)
	w.Write(artifact.Data)
}
