package interfaces

import (
	"context"

	"github.com/ternarybob/lattice/internal/models"
)

// QuotaLedger tracks per-user resource accounts. Counters are reserved on
// accept, adjusted by actuals on completion, and released on any terminal
// transition. KV failures never deny traffic; the ledger fails open to
// in-process state.
type QuotaLedger interface {
	// CheckAvailability reports whether the estimate fits the user's
	// remaining quota, with per-resource violations and soft-limit warnings
	CheckAvailability(ctx context.Context, userID string, est *models.ResourceEstimate) (*models.QuotaCheck, error)

	// Reserve applies the estimate to the user's counters and records an
	// active reservation for the job
	Reserve(ctx context.Context, userID string, est *models.ResourceEstimate, jobID string) error

	// Release drops the concurrency hold for the job. When actual usage is
	// provided the cumulative counters are adjusted by actual - estimate.
	Release(ctx context.Context, userID, jobID string, actual *models.ActualUsage) error

	// GetQuota returns the user's current account, creating it from the tier
	// table on first sight
	GetQuota(ctx context.Context, userID string) (*models.UserQuota, error)

	// Sweep applies periodic resets and clears stale active reservations
	Sweep(ctx context.Context) error
}
