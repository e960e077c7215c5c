package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

// ListOptions filters a job or batch listing
type ListOptions struct {
	Status models.JobStatus
	Model  string
	Limit  int
	Cursor string
	Page   int
}

// GetJob returns one job owned by the principal
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*models.JobResponse, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.jobResponse(job, nil), nil
}

// ListJobs returns a cursor-paginated page of the principal's individual jobs
func (s *Service) ListJobs(ctx context.Context, userID string, opts *ListOptions) (*models.JobListResponse, error) {
	page, err := s.jobs.Query(ctx, &interfaces.JobQuery{
		UserID:  userID,
		Status:  opts.Status,
		Model:   opts.Model,
		JobType: models.JobTypeIndividual,
		Limit:   opts.Limit,
		Cursor:  opts.Cursor,
	})
	if err != nil {
		return nil, s.storageError(err)
	}

	resp := &models.JobListResponse{
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      page.Total,
		NextCursor: page.NextCursor,
	}
	for _, job := range page.Jobs {
		resp.Jobs = append(resp.Jobs, *s.jobResponse(job, nil))
	}
	return resp, nil
}

// GetBatch returns one batch parent with progress
func (s *Service) GetBatch(ctx context.Context, userID, batchID string) (*models.BatchResponse, error) {
	parent, err := s.ownedBatch(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}
	return s.batchResponse(parent, nil), nil
}

// ListBatches returns a cursor-paginated page of the principal's batches
func (s *Service) ListBatches(ctx context.Context, userID string, opts *ListOptions) (*models.BatchListResponse, error) {
	page, err := s.jobs.Query(ctx, &interfaces.JobQuery{
		UserID:  userID,
		Status:  opts.Status,
		Model:   opts.Model,
		JobType: models.JobTypeBatchParent,
		Limit:   opts.Limit,
		Cursor:  opts.Cursor,
	})
	if err != nil {
		return nil, s.storageError(err)
	}

	resp := &models.BatchListResponse{
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      page.Total,
		NextCursor: page.NextCursor,
	}
	for _, parent := range page.Jobs {
		resp.Batches = append(resp.Batches, *s.batchResponse(parent, nil))
	}
	return resp, nil
}

// ownedJob loads a job and enforces ownership
func (s *Service) ownedJob(ctx context.Context, userID, jobID string) (*models.JobRecord, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if errors.Is(err, interfaces.ErrJobNotFound) {
		return nil, models.NewAPIError(models.ErrKindNotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, s.storageError(err)
	}
	if job.UserID != userID {
		return nil, models.NewAPIError(models.ErrKindForbidden, "job belongs to another user")
	}
	return job, nil
}

// ownedBatch loads a batch parent and enforces ownership
func (s *Service) ownedBatch(ctx context.Context, userID, batchID string) (*models.JobRecord, error) {
	parent, err := s.ownedJob(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}
	if !parent.IsBatchParent() {
		return nil, models.NewAPIError(models.ErrKindNotFound, fmt.Sprintf("batch %s not found", batchID))
	}
	return parent, nil
}

// jobResponse maps a record to its API view. Download links appear once the
// job completed with stored artifacts.
func (s *Service) jobResponse(job *models.JobRecord, warnings []models.QuotaWarning) *models.JobResponse {
	resp := &models.JobResponse{
		JobID:       job.ID,
		JobType:     job.JobType,
		TaskType:    job.TaskType,
		ModelName:   job.ModelName,
		JobName:     job.JobName,
		UserID:      job.UserID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		OutputData:  job.OutputData,
		Error:       job.Error,
		Warnings:    warnings,
	}
	if job.Status == models.JobStatusCompleted && job.FilesStored() {
		resp.Downloads = map[string]string{
			"json": fmt.Sprintf("/api/v1/jobs/%s/files/json", job.ID),
			"cif":  fmt.Sprintf("/api/v1/jobs/%s/files/cif", job.ID),
			"pdb":  fmt.Sprintf("/api/v1/jobs/%s/files/pdb", job.ID),
		}
	}
	return resp
}

// batchResponse maps a parent record to its API view. Export links appear
// once the parent is terminal.
func (s *Service) batchResponse(parent *models.JobRecord, warnings []models.QuotaWarning) *models.BatchResponse {
	resp := &models.BatchResponse{
		BatchID:     parent.ID,
		BatchName:   parent.JobName,
		ModelName:   parent.ModelName,
		TaskType:    parent.TaskType,
		UserID:      parent.UserID,
		Status:      parent.Status,
		Priority:    parent.Priority,
		ChildIDs:    parent.BatchChildIDs,
		Progress:    parent.BatchProgress,
		CreatedAt:   parent.CreatedAt,
		CompletedAt: parent.CompletedAt,
		Error:       parent.Error,
		Warnings:    warnings,
	}
	if parent.Status.IsTerminal() && parent.Status != models.JobStatusCancelled {
		resp.Exports = map[string]string{
			"csv":  fmt.Sprintf("/api/v1/batches/%s/export?format=csv", parent.ID),
			"json": fmt.Sprintf("/api/v1/batches/%s/export?format=json", parent.ID),
			"zip":  fmt.Sprintf("/api/v1/batches/%s/export?format=zip", parent.ID),
		}
	}
	return resp
}
