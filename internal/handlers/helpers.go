package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/jobs"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a structured error body. Service errors carry their own
// kind and status; anything else collapses to a generic internal_error so
// exception text never leaks to clients.
func WriteError(w http.ResponseWriter, err error) error {
	var apiErr *models.APIError
	if !errors.As(err, &apiErr) {
		apiErr = models.NewAPIError(models.ErrKindInternal, "internal server error")
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(apiErr.RetryAfter, 10))
	}
	return WriteJSON(w, apiErr.HTTPStatus(), map[string]interface{}{"error": apiErr})
}

// RequireUser extracts the requesting principal from the user_id query
// parameter or the X-User-ID header. Returns false (and writes a validation
// error) when neither is present.
func RequireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}
	if userID == "" {
		WriteError(w, models.NewAPIError(models.ErrKindValidation, "user_id is required"))
		return "", false
	}
	return userID, true
}

// AllowRate runs token-bucket admission for a route class. Limiter failures
// fail open; refusals write the rate_limited error with Retry-After set.
func AllowRate(w http.ResponseWriter, r *http.Request, limiter interfaces.RateLimiter, userID string, class interfaces.RouteClass) bool {
	if limiter == nil {
		return true
	}
	allowed, retryAfter, err := limiter.Allow(r.Context(), userID, class)
	if err != nil {
		return true
	}
	if !allowed {
		apiErr := models.NewAPIError(models.ErrKindRateLimited,
			"rate limit exceeded for "+string(class)+" requests")
		apiErr.RetryAfter = int64(retryAfter.Seconds()) + 1
		WriteError(w, apiErr)
		return false
	}
	return true
}

// ListOptionsFrom extracts listing filters and pagination from the query
// string. Limit defaults to 20, capped at 100.
func ListOptionsFrom(r *http.Request) *jobs.ListOptions {
	opts := &jobs.ListOptions{
		Status: models.JobStatus(r.URL.Query().Get("status")),
		Model:  r.URL.Query().Get("model"),
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  20,
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			opts.Limit = l
		}
	}
	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p >= 0 {
			opts.Page = p
		}
	}
	return opts
}
