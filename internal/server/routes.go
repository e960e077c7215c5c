package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/lattice/internal/handlers"
	"github.com/ternarybob/lattice/internal/models"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// API routes - Submission
	mux.HandleFunc("/api/v1/predict/batch", s.app.BatchHandler.BatchPredictHandler)
	mux.HandleFunc("/api/v1/predict", s.app.JobHandler.PredictHandler)

	// API routes - Jobs
	mux.HandleFunc("/api/v1/jobs", s.app.JobHandler.ListJobsHandler)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobRoutes) // /{id}, /{id}/cancel, /{id}/files/{kind}

	// API routes - Batches
	mux.HandleFunc("/api/v1/batches", s.app.BatchHandler.ListBatchesHandler)
	mux.HandleFunc("/api/v1/batches/", s.handleBatchRoutes) // /{id}, /{id}/cancel, /{id}/export

	// API routes - System
	mux.HandleFunc("/api/v1/system/status", s.app.SystemHandler.StatusHandler)

	// Worker callbacks
	mux.HandleFunc("/api/v3/webhooks/completion", s.app.WebhookHandler.CompletionHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// handleJobRoutes routes /api/v1/jobs/{id} and its subpaths
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.notFoundHandler(w, r)
		return
	}
	jobID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.app.JobHandler.GetJobHandler(w, r, jobID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.app.JobHandler.DeleteJobHandler(w, r, jobID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.app.JobHandler.CancelJobHandler(w, r, jobID)
	case len(parts) == 3 && parts[1] == "files" && r.Method == http.MethodGet:
		s.app.JobHandler.DownloadFileHandler(w, r, jobID, parts[2])
	case len(parts) == 1:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.notFoundHandler(w, r)
	}
}

// handleBatchRoutes routes /api/v1/batches/{id} and its subpaths
func (s *Server) handleBatchRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/batches/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		s.notFoundHandler(w, r)
		return
	}
	batchID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.app.BatchHandler.GetBatchHandler(w, r, batchID)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.app.BatchHandler.DeleteBatchHandler(w, r, batchID)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		s.app.BatchHandler.CancelBatchHandler(w, r, batchID)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		s.app.BatchHandler.ExportBatchHandler(w, r, batchID)
	case len(parts) == 1:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	default:
		s.notFoundHandler(w, r)
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, models.NewAPIError(models.ErrKindNotFound, "route not found"))
}
