package models

import (
	"time"
)

// PredictRequest is the body of POST /api/v1/predict
type PredictRequest struct {
	Model           string                 `json:"model" validate:"required"`
	TaskType        string                 `json:"task_type"`
	ProteinSequence string                 `json:"protein_sequence" validate:"required"`
	LigandSMILES    string                 `json:"ligand_smiles,omitempty"`
	JobName         string                 `json:"job_name" validate:"required"`
	UserID          string                 `json:"user_id" validate:"required"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// LigandInput is one ligand of a batch screening request
type LigandInput struct {
	Name   string `json:"name" validate:"required"`
	SMILES string `json:"smiles" validate:"required"`
}

// BatchPredictRequest is the body of POST /api/v1/predict/batch
type BatchPredictRequest struct {
	Model           string                 `json:"model" validate:"required"`
	TaskType        string                 `json:"task_type"`
	ProteinSequence string                 `json:"protein_sequence" validate:"required"`
	Ligands         []LigandInput          `json:"ligands" validate:"required,dive"`
	BatchName       string                 `json:"batch_name" validate:"required"`
	UserID          string                 `json:"user_id" validate:"required"`
	IdempotencyKey  string                 `json:"idempotency_key,omitempty"`
	MaxConcurrent   int                    `json:"max_concurrent,omitempty"`
	Priority        string                 `json:"priority,omitempty"` // "high", "normal", "low"
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// JobResponse is the API view of a single job record
type JobResponse struct {
	JobID       string                 `json:"job_id"`
	JobType     JobType                `json:"job_type"`
	TaskType    string                 `json:"task_type"`
	ModelName   string                 `json:"model_name"`
	JobName     string                 `json:"job_name"`
	UserID      string                 `json:"user_id"`
	Status      JobStatus              `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	OutputData  map[string]interface{} `json:"output_data,omitempty"`
	Error       *JobError              `json:"error,omitempty"`
	// Downloads maps artifact kinds to download URLs, present once the job
	// is terminal and completed.
	Downloads map[string]string `json:"downloads,omitempty"`
	Warnings  []QuotaWarning    `json:"warnings,omitempty"`
}

// BatchResponse is the API view of a batch parent with progress
type BatchResponse struct {
	BatchID     string         `json:"batch_id"`
	BatchName   string         `json:"batch_name"`
	ModelName   string         `json:"model_name"`
	TaskType    string         `json:"task_type"`
	UserID      string         `json:"user_id"`
	Status      JobStatus      `json:"status"`
	Priority    string         `json:"priority,omitempty"`
	ChildIDs    []string       `json:"child_ids"`
	Progress    *BatchProgress `json:"progress,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	// Exports maps export formats to URLs, present once the parent is terminal.
	Exports  map[string]string `json:"exports,omitempty"`
	Warnings []QuotaWarning    `json:"warnings,omitempty"`
}

// JobListResponse is a cursor-paginated page of jobs
type JobListResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	Total      int           `json:"total"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

// BatchListResponse is a cursor-paginated page of batches
type BatchListResponse struct {
	Batches    []BatchResponse `json:"batches"`
	Page       int             `json:"page"`
	Limit      int             `json:"limit"`
	Total      int             `json:"total"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// SystemStatusResponse is the body of GET /api/v1/system/status
type SystemStatusResponse struct {
	Status     string                 `json:"status"`
	Components map[string]string      `json:"components"`
	Statistics map[string]interface{} `json:"statistics"`
	APIVersion string                 `json:"api_version"`
}
