package interfaces

import (
	"context"
	"time"
)

// RouteClass buckets API routes for admission control
type RouteClass string

const (
	RouteClassSubmit   RouteClass = "submit"
	RouteClassRead     RouteClass = "read"
	RouteClassDownload RouteClass = "download"
)

// RateLimiter is token-bucket admission keyed by (principal, route class).
// Admission is non-blocking: refusal returns immediately with the
// retry-after duration.
type RateLimiter interface {
	// Allow consumes one token; when refused, retryAfter says when the next
	// token becomes available.
	Allow(ctx context.Context, principal string, class RouteClass) (allowed bool, retryAfter time.Duration, err error)
}
