package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/lattice/internal/models"
)

// ErrJobNotFound is returned when a job record does not exist
var ErrJobNotFound = errors.New("job not found")

// ErrStatusRegression is returned when an update would move a job backwards
// along the status path (e.g. completed -> running).
var ErrStatusRegression = errors.New("status transition not allowed")

// JobQuery filters and paginates job listings. Cursor encodes a
// (created_at, id) tuple; pages are snapshot-inconsistent across requests.
type JobQuery struct {
	UserID  string
	Status  models.JobStatus
	JobType models.JobType
	Model   string
	Limit   int
	Cursor  string
}

// JobPage is one page of query results
type JobPage struct {
	Jobs       []*models.JobRecord
	Total      int
	NextCursor string
}

// JobPatch is a partial update applied to a job record. Nil fields are left
// untouched. Status changes obey the monotonic transition rule.
type JobPatch struct {
	Status          *models.JobStatus
	OutputData      map[string]interface{}
	Error           *models.JobError
	DispatchReceipt *string
	BatchProgress   *models.BatchProgress
}

// JobStorage defines CRUD and indexed queries over job records
type JobStorage interface {
	// Create persists a new job record
	Create(ctx context.Context, job *models.JobRecord) error

	// CreateBatch persists a parent and all children. Children are written
	// first with BatchParentID set; the parent is written last with the full
	// child list. On any child failure all prior inserts are tombstoned and
	// the call fails.
	CreateBatch(ctx context.Context, parent *models.JobRecord, children []*models.JobRecord) error

	// Update applies a patch. Status transitions are monotonic; a
	// non-monotonic update returns ErrStatusRegression.
	Update(ctx context.Context, jobID string, patch *JobPatch) (*models.JobRecord, error)

	// Get returns the denormalized record, rehydrating offloaded output data
	Get(ctx context.Context, jobID string) (*models.JobRecord, error)

	// BatchGet returns up to 500 records in one round trip
	BatchGet(ctx context.Context, ids []string) ([]*models.JobRecord, error)

	// Query returns a cursor-paginated page
	Query(ctx context.Context, q *JobQuery) (*JobPage, error)

	// GetBatchChildren returns all children of a parent ordered by batch index
	GetBatchChildren(ctx context.Context, parentID string) ([]*models.JobRecord, error)

	// FindByIdempotencyKey resolves a prior submission for (user, key)
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.JobRecord, error)

	// FindByDispatchReceipt reverse-looks-up a job from a queue receipt or
	// worker call id
	FindByDispatchReceipt(ctx context.Context, receipt string) (*models.JobRecord, error)

	// Delete removes a record permanently
	Delete(ctx context.Context, jobID string) error

	Close() error
}
