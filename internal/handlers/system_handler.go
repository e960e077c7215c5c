package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

// SystemHandler reports component health and dispatch statistics
type SystemHandler struct {
	jobs       interfaces.JobStorage
	gateway    interfaces.StorageGateway
	kv         interfaces.KeyValueStorage
	dispatcher interfaces.TaskDispatcher
	logger     arbor.ILogger
}

// NewSystemHandler creates the system status handler
func NewSystemHandler(
	jobs interfaces.JobStorage,
	gateway interfaces.StorageGateway,
	kv interfaces.KeyValueStorage,
	dispatcher interfaces.TaskDispatcher,
	logger arbor.ILogger,
) *SystemHandler {
	return &SystemHandler{
		jobs:       jobs,
		gateway:    gateway,
		kv:         kv,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// StatusHandler handles GET /api/v1/system/status
func (h *SystemHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	components := map[string]string{
		"job_store":    "ok",
		"object_store": "ok",
		"kv_store":     "ok",
	}

	// A miss on a sentinel id still proves the store answers
	if _, err := h.jobs.Get(r.Context(), "health-probe"); err != nil && !errors.Is(err, interfaces.ErrJobNotFound) {
		components["job_store"] = "unavailable"
	}
	if !h.gateway.Healthy(r.Context()) {
		components["object_store"] = "unavailable"
	}
	if !h.kv.Available(r.Context()) {
		components["kv_store"] = "degraded"
	}

	status := "healthy"
	for _, state := range components {
		if state == "unavailable" {
			status = "unhealthy"
			break
		}
		if state == "degraded" {
			status = "degraded"
		}
	}

	inFlight := h.dispatcher.InFlight()
	total := 0
	lanes := make(map[string]int, len(inFlight))
	for lane, n := range inFlight {
		lanes[string(lane)] = n
		total += n
	}

	WriteJSON(w, http.StatusOK, &models.SystemStatusResponse{
		Status:     status,
		Components: components,
		Statistics: map[string]interface{}{
			"in_flight_tasks": total,
			"in_flight_lanes": lanes,
			"version":         common.GetVersion(),
		},
		APIVersion: "v1",
	})
}
