package models

import (
	"fmt"
	"net/http"
)

// Error kinds surfaced at the API boundary
const (
	ErrKindValidation          = "validation_error"
	ErrKindRateLimited         = "rate_limited"
	ErrKindQuotaExceeded       = "quota_exceeded"
	ErrKindAuth                = "auth_error"
	ErrKindNotFound            = "not_found"
	ErrKindForbidden           = "forbidden"
	ErrKindConflict            = "conflict"
	ErrKindDispatchFailed      = "dispatch_failed"
	ErrKindDispatchLost        = "dispatch_lost"
	ErrKindLaneAtCapacity      = "lane_at_capacity"
	ErrKindStorageUnavailable  = "storage_unavailable"
	ErrKindDatabaseUnavailable = "database_unavailable"
	ErrKindInternal            = "internal_error"
)

// APIError is the structured error body returned on any failure. Internal
// exception text never leaks through it.
type APIError struct {
	Kind       string           `json:"kind"`
	Message    string           `json:"message"`
	Violations []QuotaViolation `json:"violations,omitempty"`
	RetryAfter int64            `json:"retry_after_seconds,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAPIError builds an APIError with the given kind and message
func NewAPIError(kind, message string) *APIError {
	return &APIError{Kind: kind, Message: message}
}

// HTTPStatus maps an error kind to its HTTP status code
func (e *APIError) HTTPStatus() int {
	switch e.Kind {
	case ErrKindValidation:
		return http.StatusBadRequest
	case ErrKindRateLimited, ErrKindQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrKindAuth:
		return http.StatusUnauthorized
	case ErrKindForbidden:
		return http.StatusForbidden
	case ErrKindNotFound:
		return http.StatusNotFound
	case ErrKindConflict:
		return http.StatusConflict
	case ErrKindDispatchFailed, ErrKindStorageUnavailable, ErrKindDatabaseUnavailable:
		return http.StatusServiceUnavailable
	case ErrKindLaneAtCapacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
