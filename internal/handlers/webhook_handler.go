package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

// TokenVerifier authenticates the bearer token on worker callbacks
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (principal string, err error)
}

// WebhookHandler receives completion callbacks from GPU workers. Every
// delivery must carry a verifiable identity token; duplicates are
// acknowledged with 200 so the queue stops retrying.
type WebhookHandler struct {
	verifier    TokenVerifier
	completions interfaces.CompletionProcessor
	logger      arbor.ILogger
}

// NewWebhookHandler creates the webhook handler
func NewWebhookHandler(verifier TokenVerifier, completions interfaces.CompletionProcessor, logger arbor.ILogger) *WebhookHandler {
	return &WebhookHandler{
		verifier:    verifier,
		completions: completions,
		logger:      logger,
	}
}

// CompletionHandler handles POST /api/v3/webhooks/completion
func (h *WebhookHandler) CompletionHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	token := bearerToken(r)
	if token == "" {
		WriteError(w, models.NewAPIError(models.ErrKindAuth, "missing bearer token"))
		return
	}
	principal, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Webhook token rejected")
		WriteError(w, models.NewAPIError(models.ErrKindAuth, "invalid bearer token"))
		return
	}

	var event models.CompletionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		WriteError(w, models.NewAPIError(models.ErrKindValidation, "invalid JSON body"))
		return
	}
	if event.DedupKey() == "" {
		WriteError(w, models.NewAPIError(models.ErrKindValidation,
			"completion event must carry job_id or modal_call_id"))
		return
	}

	applied, err := h.completions.Process(r.Context(), &event)
	if err != nil {
		// 5xx so the queue redelivers; the dedup set keeps the retry safe
		h.logger.Error().Err(err).
			Str("job_id", event.JobID).
			Str("modal_call_id", event.ModalCallID).
			Msg("Completion processing failed")
		WriteError(w, models.NewAPIError(models.ErrKindInternal, "completion processing failed"))
		return
	}

	h.logger.Info().
		Str("job_id", event.JobID).
		Str("modal_call_id", event.ModalCallID).
		Str("principal", principal).
		Bool("applied", applied).
		Msg("Completion webhook processed")

	WriteJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "applied": applied})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
