package interfaces

import (
	"context"

	"github.com/ternarybob/lattice/internal/models"
)

// CompletionProcessor is the single entry point for terminal transitions
// driven by external signals. The webhook handler and the reconciler both
// feed events through it; processing is idempotent by modal_call_id.
type CompletionProcessor interface {
	// Process applies one completion event. A duplicate delivery returns
	// (false, nil) without side effects.
	Process(ctx context.Context, event *models.CompletionEvent) (applied bool, err error)
}

// BatchAggregator maintains parent progress counters and materializes
// aggregated artifacts when a batch finishes.
type BatchAggregator interface {
	// OnChildTerminal records one child's terminal transition on the parent
	// and finalizes the batch when all children are terminal
	OnChildTerminal(ctx context.Context, parentID, childID string, status models.JobStatus) error

	// Aggregate recomputes and atomically replaces the batch aggregation
	// artifacts. Safe to re-run; idempotent modulo the aggregation timestamp.
	Aggregate(ctx context.Context, parentID string) error
}
