package models

import (
	"time"
)

// SchemaVersion is stamped on every persisted record. Readers reject
// records with a higher major version.
const SchemaVersion = 1

// JobStatus represents the state of a prediction job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusPartiallyCompleted is a terminal state for batch parents where
	// some but not all children completed.
	JobStatusPartiallyCompleted JobStatus = "partially_completed"
)

// statusRank orders statuses along the allowed transition path. Transitions
// may only move to a strictly higher rank; terminal states share the top rank
// so a terminal record can never regress or be overwritten by another
// terminal transition.
var statusRank = map[JobStatus]int{
	JobStatusPending:            0,
	JobStatusQueued:             1,
	JobStatusRunning:            2,
	JobStatusCompleted:          3,
	JobStatusFailed:             3,
	JobStatusCancelled:          3,
	JobStatusPartiallyCompleted: 3,
}

// IsTerminal reports whether the status is a terminal state
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusPartiallyCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// The path is pending -> queued -> running -> terminal; cancelled is
// reachable from any non-terminal state.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return false
	}
	if next == JobStatusCancelled {
		return !s.IsTerminal()
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// JobType distinguishes individual jobs from batch parents and children
type JobType string

const (
	JobTypeIndividual  JobType = "individual"
	JobTypeBatchParent JobType = "batch_parent"
	JobTypeBatchChild  JobType = "batch_child"
)

// Task type tags identifying the scientific task
const (
	TaskProteinLigandBinding  = "protein_ligand_binding"
	TaskBatchProteinScreening = "batch_protein_ligand_screening"
	TaskProteinStructure      = "protein_structure"
	TaskNanobodyDesign        = "nanobody_design"
)

// JobError is the structured failure reason carried by failed jobs
type JobError struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// BatchProgress tracks aggregate child state on a batch parent
type BatchProgress struct {
	Total               int        `json:"total"`
	Pending             int        `json:"pending"`
	Running             int        `json:"running"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	Cancelled           int        `json:"cancelled"`
	Percentage          float64    `json:"percentage"`
	SuccessRate         float64    `json:"success_rate"`
	UpdatedAt           time.Time  `json:"updated_at"`
	EstimatedCompletion *time.Time `json:"estimated_completion_at,omitempty"`
}

// TerminalCount returns the number of children in a terminal state
func (p *BatchProgress) TerminalCount() int {
	return p.Completed + p.Failed + p.Cancelled
}

// AllTerminal reports whether every child has reached a terminal state
func (p *BatchProgress) AllTerminal() bool {
	return p.Total > 0 && p.TerminalCount() >= p.Total
}

// JobRecord is the unit of execution tracked by the job store.
//
// Job types:
//   - individual: a single prediction unit
//   - batch_parent: orchestrator record whose output is an aggregate over children
//   - batch_child: one ligand of a batch screening, owned by a parent
//
// A batch_child always carries a BatchParentID pointing at an existing
// batch_parent, and the parent's BatchChildIDs contains it. A batch_parent
// never carries prediction output of its own.
type JobRecord struct {
	ID            string  `json:"id" badgerhold:"key"`
	SchemaVersion int     `json:"schema_version"`
	JobType       JobType `json:"job_type"`
	TaskType      string  `json:"task_type"`
	ModelName     string  `json:"model_name"`
	JobName       string  `json:"job_name"`
	UserID        string  `json:"user_id"`

	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// InputData is the opaque model-specific payload, validated by per-task
	// schemas before accept. OutputData is a small bounded summary; large
	// artifacts live in object storage under the canonical prefix.
	InputData  map[string]interface{} `json:"input_data,omitempty"`
	OutputData map[string]interface{} `json:"output_data,omitempty"`

	// Batch linkage
	BatchParentID string         `json:"batch_parent_id,omitempty"` // child only
	BatchIndex    int            `json:"batch_index,omitempty"`     // child only, ordinal within parent
	BatchChildIDs []string       `json:"batch_child_ids,omitempty"` // parent only
	BatchProgress *BatchProgress `json:"batch_progress,omitempty"`  // parent only
	Priority      string         `json:"priority,omitempty"`        // parent only: "high", "normal", "low"

	// DispatchReceipt is the opaque task-queue handle used for idempotency
	// and reconciliation. IdempotencyKey is client-supplied and scoped to
	// the owning user; PayloadHash detects key reuse with a different body.
	DispatchReceipt string `json:"dispatch_receipt,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	PayloadHash     string `json:"payload_hash,omitempty"`

	Error *JobError `json:"error,omitempty"`
}

// IsBatchParent reports whether the record is a batch parent
func (j *JobRecord) IsBatchParent() bool {
	return j.JobType == JobTypeBatchParent
}

// IsBatchChild reports whether the record is a batch child
func (j *JobRecord) IsBatchChild() bool {
	return j.JobType == JobTypeBatchChild
}

// FilesStored reports whether canonical artifacts exist for this job
func (j *JobRecord) FilesStored() bool {
	if j.OutputData == nil {
		return false
	}
	stored, _ := j.OutputData["files_stored"].(bool)
	return stored
}

// ResultsOffloaded reports whether OutputData is a pointer record with the
// full results blob in object storage.
func (j *JobRecord) ResultsOffloaded() bool {
	if j.OutputData == nil {
		return false
	}
	offloaded, _ := j.OutputData["results_in_object_store"].(bool)
	return offloaded
}

// Touch bumps UpdatedAt
func (j *JobRecord) Touch() {
	j.UpdatedAt = time.Now().UTC()
}
