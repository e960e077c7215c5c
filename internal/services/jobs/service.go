package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/quota"
)

var submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lattice_submissions_total",
	Help: "Submission attempts by type and outcome",
}, []string{"type", "outcome"})

// Service is the submission API implementation. Admission runs the fixed
// pipeline: rate limit, validation, estimation, quota check, idempotency
// lookup, reservation, creation, index write, dispatch. Any failure
// short-circuits with the matching structured error.
type Service struct {
	jobs       interfaces.JobStorage
	gateway    interfaces.StorageGateway
	quota      interfaces.QuotaLedger
	limiter    interfaces.RateLimiter
	dispatcher interfaces.TaskDispatcher
	aggregator interfaces.BatchAggregator
	events     interfaces.EventService
	logger     arbor.ILogger
}

// NewService creates the submission service
func NewService(
	jobs interfaces.JobStorage,
	gateway interfaces.StorageGateway,
	quotaLedger interfaces.QuotaLedger,
	limiter interfaces.RateLimiter,
	dispatcher interfaces.TaskDispatcher,
	aggregator interfaces.BatchAggregator,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		jobs:       jobs,
		gateway:    gateway,
		quota:      quotaLedger,
		limiter:    limiter,
		dispatcher: dispatcher,
		aggregator: aggregator,
		events:     events,
		logger:     logger,
	}
}

// SubmitIndividual admits one prediction job
func (s *Service) SubmitIndividual(ctx context.Context, req *models.PredictRequest) (*models.JobResponse, error) {
	if apiErr := s.admitRate(ctx, req.UserID); apiErr != nil {
		submissionsTotal.WithLabelValues("individual", "rate_limited").Inc()
		return nil, apiErr
	}
	if apiErr := validatePredictRequest(req); apiErr != nil {
		submissionsTotal.WithLabelValues("individual", "rejected").Inc()
		return nil, apiErr
	}

	est := quota.Estimate(req.Model, req.TaskType, 1, false)
	check, apiErr := s.admitQuota(ctx, req.UserID, est)
	if apiErr != nil {
		submissionsTotal.WithLabelValues("individual", "quota_exceeded").Inc()
		return nil, apiErr
	}

	hash := payloadHash(req.Model, req.TaskType, req.ProteinSequence, req.LigandSMILES, req.JobName)
	if req.IdempotencyKey != "" {
		existing, err := s.jobs.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			if existing.PayloadHash != hash {
				return nil, models.NewAPIError(models.ErrKindConflict,
					"idempotency key already used with a different payload")
			}
			submissionsTotal.WithLabelValues("individual", "idempotent_replay").Inc()
			return s.jobResponse(existing, check.Warnings), nil
		}
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, s.storageError(err)
		}
	}

	jobID := common.NewJobID()
	if err := s.quota.Reserve(ctx, req.UserID, est, jobID); err != nil {
		return nil, s.storageError(err)
	}

	job := &models.JobRecord{
		ID:             jobID,
		JobType:        models.JobTypeIndividual,
		TaskType:       req.TaskType,
		ModelName:      req.Model,
		JobName:        req.JobName,
		UserID:         req.UserID,
		Status:         models.JobStatusPending,
		IdempotencyKey: req.IdempotencyKey,
		PayloadHash:    hash,
		InputData: map[string]interface{}{
			"protein_sequence": strings.ToUpper(strings.TrimSpace(req.ProteinSequence)),
			"ligand_smiles":    req.LigandSMILES,
			"ligand_name":      req.JobName,
			"parameters":       req.Parameters,
		},
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.releaseQuietly(ctx, req.UserID, jobID)
		return nil, s.storageError(err)
	}

	if apiErr := s.dispatchJob(ctx, job); apiErr != nil {
		submissionsTotal.WithLabelValues("individual", "dispatch_failed").Inc()
		return nil, apiErr
	}

	submissionsTotal.WithLabelValues("individual", "accepted").Inc()
	s.publishCreated(ctx, job)
	s.logger.Info().
		Str("job_id", jobID).
		Str("user_id", req.UserID).
		Str("model", req.Model).
		Msg("Job accepted")

	accepted, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		accepted = job
	}
	return s.jobResponse(accepted, check.Warnings), nil
}

// SubmitBatch admits a batch screening: one parent plus one child per ligand
func (s *Service) SubmitBatch(ctx context.Context, req *models.BatchPredictRequest) (*models.BatchResponse, error) {
	if apiErr := s.admitRate(ctx, req.UserID); apiErr != nil {
		submissionsTotal.WithLabelValues("batch", "rate_limited").Inc()
		return nil, apiErr
	}
	if apiErr := validateBatchRequest(req); apiErr != nil {
		submissionsTotal.WithLabelValues("batch", "rejected").Inc()
		return nil, apiErr
	}

	est := quota.Estimate(req.Model, req.TaskType, len(req.Ligands), true)
	check, apiErr := s.admitQuota(ctx, req.UserID, est)
	if apiErr != nil {
		submissionsTotal.WithLabelValues("batch", "quota_exceeded").Inc()
		return nil, apiErr
	}

	hash := batchPayloadHash(req)
	if req.IdempotencyKey != "" {
		existing, err := s.jobs.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err == nil {
			if existing.PayloadHash != hash {
				return nil, models.NewAPIError(models.ErrKindConflict,
					"idempotency key already used with a different payload")
			}
			submissionsTotal.WithLabelValues("batch", "idempotent_replay").Inc()
			return s.batchResponse(existing, check.Warnings), nil
		}
		if !errors.Is(err, interfaces.ErrJobNotFound) {
			return nil, s.storageError(err)
		}
	}

	batchID := common.NewBatchID()
	parent, children := buildBatchRecords(batchID, req, hash)
	if err := s.reserveBatch(ctx, req, batchID, children); err != nil {
		return nil, s.storageError(err)
	}

	if err := s.jobs.CreateBatch(ctx, parent, children); err != nil {
		s.releaseBatchQuietly(ctx, req.UserID, batchID, children)
		return nil, s.storageError(err)
	}

	if err := s.gateway.WriteBatchIndex(ctx, parent, children); err != nil {
		s.failBatch(ctx, parent, children, nil, models.ErrKindStorageUnavailable,
			"failed to write batch index")
		return nil, models.NewAPIError(models.ErrKindStorageUnavailable,
			"object storage rejected the batch index")
	}

	var dispatched []*models.JobRecord
	for _, child := range children {
		if apiErr := s.dispatchJob(ctx, child); apiErr != nil {
			submissionsTotal.WithLabelValues("batch", "dispatch_failed").Inc()
			s.failBatch(ctx, parent, children, dispatched, models.ErrKindDispatchFailed,
				fmt.Sprintf("dispatch failed for ligand %d of %d", child.BatchIndex+1, len(children)))
			return nil, apiErr
		}
		dispatched = append(dispatched, child)
	}

	queued := models.JobStatusQueued
	if _, err := s.jobs.Update(ctx, batchID, &interfaces.JobPatch{Status: &queued}); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to mark batch queued")
	}

	submissionsTotal.WithLabelValues("batch", "accepted").Inc()
	s.publishCreated(ctx, parent)
	s.logger.Info().
		Str("batch_id", batchID).
		Str("user_id", req.UserID).
		Int("ligands", len(children)).
		Str("priority", req.Priority).
		Msg("Batch accepted")

	accepted, err := s.jobs.Get(ctx, batchID)
	if err != nil {
		accepted = parent
	}
	return s.batchResponse(accepted, check.Warnings), nil
}

// admitRate consumes one submit token for the principal
func (s *Service) admitRate(ctx context.Context, userID string) *models.APIError {
	allowed, retryAfter, err := s.limiter.Allow(ctx, userID, interfaces.RouteClassSubmit)
	if err != nil {
		// Rate limiting fails open
		return nil
	}
	if !allowed {
		apiErr := models.NewAPIError(models.ErrKindRateLimited, "submission rate limit exceeded")
		apiErr.RetryAfter = int64(retryAfter.Seconds()) + 1
		return apiErr
	}
	return nil
}

// admitQuota checks the estimate against the user's account
func (s *Service) admitQuota(ctx context.Context, userID string, est *models.ResourceEstimate) (*models.QuotaCheck, *models.APIError) {
	check, err := s.quota.CheckAvailability(ctx, userID, est)
	if err != nil {
		// Ledger fails open; a hard error here means the estimate itself was bad
		return nil, models.NewAPIError(models.ErrKindInternal, "quota check failed")
	}
	if !check.Allowed {
		apiErr := models.NewAPIError(models.ErrKindQuotaExceeded, "submission exceeds quota")
		apiErr.Violations = check.Violations
		return nil, apiErr
	}
	return check, nil
}

// dispatchJob enqueues a job and advances it to queued. On failure the job is
// marked failed and its reservation released.
func (s *Service) dispatchJob(ctx context.Context, job *models.JobRecord) *models.APIError {
	receipt, err := s.dispatcher.Dispatch(ctx, job)
	if err != nil {
		kind := models.ErrKindDispatchFailed
		msg := "task queue rejected the dispatch"
		if errors.Is(err, interfaces.ErrLaneAtCapacity) {
			kind = models.ErrKindLaneAtCapacity
			msg = "dispatch lane at capacity, retry later"
		}
		s.markFailed(ctx, job.ID, kind, msg)
		s.releaseQuietly(ctx, job.UserID, job.ID)
		return models.NewAPIError(kind, msg)
	}

	queued := models.JobStatusQueued
	if _, err := s.jobs.Update(ctx, job.ID, &interfaces.JobPatch{
		Status:          &queued,
		DispatchReceipt: &receipt,
	}); err != nil {
		return &models.APIError{Kind: models.ErrKindDatabaseUnavailable, Message: "failed to record dispatch"}
	}
	job.DispatchReceipt = receipt
	return nil
}

// failBatch tears a partially-dispatched batch down: cancels already-enqueued
// tasks, fails the parent, and releases every reservation the batch holds.
func (s *Service) failBatch(ctx context.Context, parent *models.JobRecord, children, dispatched []*models.JobRecord, kind, msg string) {
	for _, child := range dispatched {
		if child.DispatchReceipt != "" {
			if err := s.dispatcher.Cancel(ctx, child.DispatchReceipt); err != nil {
				s.logger.Warn().Err(err).Str("job_id", child.ID).Msg("Failed to cancel dispatched child")
			}
		}
		cancelled := models.JobStatusCancelled
		if _, err := s.jobs.Update(ctx, child.ID, &interfaces.JobPatch{Status: &cancelled}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", child.ID).Msg("Failed to cancel child record")
		}
	}
	s.markFailed(ctx, parent.ID, kind, msg)
	s.releaseBatchQuietly(ctx, parent.UserID, parent.ID, children)
}

// reserveBatch holds the batch slot under the parent ID and one per-ligand
// reservation under each child ID, so each child completion settles its own
// actual usage against its own estimate. A partial failure rolls back what
// was already reserved.
func (s *Service) reserveBatch(ctx context.Context, req *models.BatchPredictRequest, batchID string, children []*models.JobRecord) error {
	hold := &models.ResourceEstimate{IsBatch: true}
	if err := s.quota.Reserve(ctx, req.UserID, hold, batchID); err != nil {
		return err
	}
	for i, child := range children {
		perChild := quota.Estimate(req.Model, req.TaskType, 1, false)
		if err := s.quota.Reserve(ctx, req.UserID, perChild, child.ID); err != nil {
			s.releaseQuietly(ctx, req.UserID, batchID)
			for _, reserved := range children[:i] {
				s.releaseQuietly(ctx, req.UserID, reserved.ID)
			}
			return err
		}
	}
	return nil
}

// releaseBatchQuietly drops the parent hold and all child reservations.
// Releases are idempotent, so children already settled are no-ops.
func (s *Service) releaseBatchQuietly(ctx context.Context, userID, batchID string, children []*models.JobRecord) {
	s.releaseQuietly(ctx, userID, batchID)
	for _, child := range children {
		s.releaseQuietly(ctx, userID, child.ID)
	}
}

func (s *Service) markFailed(ctx context.Context, jobID, kind, msg string) {
	failed := models.JobStatusFailed
	if _, err := s.jobs.Update(ctx, jobID, &interfaces.JobPatch{
		Status: &failed,
		Error:  &models.JobError{Kind: kind, Message: msg},
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to mark job failed")
	}
}

func (s *Service) releaseQuietly(ctx context.Context, userID, jobID string) {
	if err := s.quota.Release(ctx, userID, jobID, nil); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to release reservation")
	}
}

func (s *Service) publishCreated(ctx context.Context, job *models.JobRecord) {
	if s.events == nil {
		return
	}
	event := interfaces.Event{
		Type:      interfaces.EventJobCreated,
		JobID:     job.ID,
		UserID:    job.UserID,
		Timestamp: time.Now().UTC(),
	}
	if job.IsBatchParent() {
		event.BatchID = job.ID
		event.JobID = ""
	}
	_ = s.events.Publish(ctx, event)
}

// storageError maps backend failures onto the boundary error model
func (s *Service) storageError(err error) *models.APIError {
	s.logger.Error().Err(err).Msg("Storage operation failed during submission")
	return models.NewAPIError(models.ErrKindDatabaseUnavailable, "the job store is unavailable")
}

// buildBatchRecords constructs the parent and child records for a batch
func buildBatchRecords(batchID string, req *models.BatchPredictRequest, hash string) (*models.JobRecord, []*models.JobRecord) {
	protein := strings.ToUpper(strings.TrimSpace(req.ProteinSequence))

	children := make([]*models.JobRecord, len(req.Ligands))
	for i, ligand := range req.Ligands {
		children[i] = &models.JobRecord{
			ID:         common.NewJobID(),
			JobType:    models.JobTypeBatchChild,
			TaskType:   models.TaskProteinLigandBinding,
			ModelName:  req.Model,
			JobName:    fmt.Sprintf("%s/%s", req.BatchName, ligand.Name),
			UserID:     req.UserID,
			Status:     models.JobStatusPending,
			BatchIndex: i,
			Priority:   req.Priority,
			InputData: map[string]interface{}{
				"protein_sequence": protein,
				"ligand_name":      ligand.Name,
				"ligand_smiles":    ligand.SMILES,
				"parameters":       req.Parameters,
			},
		}
	}

	parent := &models.JobRecord{
		ID:             batchID,
		JobType:        models.JobTypeBatchParent,
		TaskType:       req.TaskType,
		ModelName:      req.Model,
		JobName:        req.BatchName,
		UserID:         req.UserID,
		Status:         models.JobStatusPending,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		PayloadHash:    hash,
		InputData: map[string]interface{}{
			"protein_sequence": protein,
			"ligand_count":     len(req.Ligands),
			"max_concurrent":   req.MaxConcurrent,
			"parameters":       req.Parameters,
		},
		BatchProgress: &models.BatchProgress{
			Total:     len(req.Ligands),
			Pending:   len(req.Ligands),
			UpdatedAt: time.Now().UTC(),
		},
	}
	return parent, children
}

// payloadHash fingerprints a submission so idempotency key reuse with a
// different body can be detected.
func payloadHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func batchPayloadHash(req *models.BatchPredictRequest) string {
	parts := []string{req.Model, req.TaskType, req.ProteinSequence, req.BatchName}
	for _, ligand := range req.Ligands {
		parts = append(parts, ligand.Name, ligand.SMILES)
	}
	return payloadHash(parts...)
}
