package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/lattice/internal/models"
)

// ErrLaneAtCapacity is returned when a dispatch lane's in-flight ceiling is
// reached; the caller retries later.
var ErrLaneAtCapacity = errors.New("dispatch lane at capacity")

// ErrTaskNotFound is returned when the queue has no record of a receipt
var ErrTaskNotFound = errors.New("task not found in queue")

// Lane is a dispatch class with its own concurrency bound
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneBulk        Lane = "bulk"
)

// TaskState is the queue's view of a dispatched task
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

// TaskStatus is returned by queue lookups during reconciliation
type TaskStatus struct {
	Receipt string
	State   TaskState
	// Result carries the queue-recorded completion payload when the task
	// finished without a webhook landing.
	Result *models.CompletionEvent
}

// TaskDispatcher submits prediction work units to the external task queue,
// stamping OIDC identity on each task.
type TaskDispatcher interface {
	// Dispatch enqueues one task for the job and returns the queue receipt.
	// Dispatch is idempotent by (user, idempotency key): repeats return the
	// original receipt. Returns ErrLaneAtCapacity when the lane is full.
	Dispatch(ctx context.Context, job *models.JobRecord) (receipt string, err error)

	// Lookup polls the queue for the state of a dispatched task
	Lookup(ctx context.Context, receipt string) (*TaskStatus, error)

	// Cancel best-effort deletes a queued task
	Cancel(ctx context.Context, receipt string) error

	// Release frees the lane slot held by a dispatched task once it reaches
	// a terminal state
	Release(receipt string)

	// InFlight returns the current in-flight count per lane
	InFlight() map[Lane]int
}
