package jobs

import (
	"context"

	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

// CancelJob transitions a non-terminal job to cancelled, best-effort deletes
// its queued task, releases quota, and notifies the aggregator for batch
// children. Cancelling a batch parent cancels all non-terminal children.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return models.NewAPIError(models.ErrKindConflict, "job is already in a terminal state")
	}

	if job.IsBatchParent() {
		return s.cancelBatch(ctx, job)
	}
	return s.cancelSingle(ctx, job)
}

func (s *Service) cancelSingle(ctx context.Context, job *models.JobRecord) error {
	cancelled := models.JobStatusCancelled
	if _, err := s.jobs.Update(ctx, job.ID, &interfaces.JobPatch{Status: &cancelled}); err != nil {
		return s.storageError(err)
	}

	if job.DispatchReceipt != "" {
		if err := s.dispatcher.Cancel(ctx, job.DispatchReceipt); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to delete queued task")
		}
	}
	s.releaseQuietly(ctx, job.UserID, job.ID)

	if job.IsBatchChild() {
		if err := s.aggregator.OnChildTerminal(ctx, job.BatchParentID, job.ID, cancelled); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to notify aggregator of cancellation")
		}
	}

	s.logger.Info().Str("job_id", job.ID).Str("user_id", job.UserID).Msg("Job cancelled")
	return nil
}

// cancelBatch cancels the parent first so the aggregator's finalization
// cannot override the user's intent, then sweeps the children.
func (s *Service) cancelBatch(ctx context.Context, parent *models.JobRecord) error {
	cancelled := models.JobStatusCancelled
	if _, err := s.jobs.Update(ctx, parent.ID, &interfaces.JobPatch{Status: &cancelled}); err != nil {
		return s.storageError(err)
	}

	children, err := s.jobs.GetBatchChildren(ctx, parent.ID)
	if err != nil {
		return s.storageError(err)
	}

	var last *models.JobRecord
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if child.DispatchReceipt != "" {
			if err := s.dispatcher.Cancel(ctx, child.DispatchReceipt); err != nil {
				s.logger.Warn().Err(err).Str("job_id", child.ID).Msg("Failed to delete queued task")
			}
		}
		if _, err := s.jobs.Update(ctx, child.ID, &interfaces.JobPatch{Status: &cancelled}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", child.ID).Msg("Failed to cancel child record")
			continue
		}
		s.releaseQuietly(ctx, child.UserID, child.ID)
		last = child
	}

	// Refresh the parent's counters; the parent is already terminal so the
	// aggregator will not finalize.
	if last != nil {
		if err := s.aggregator.OnChildTerminal(ctx, parent.ID, last.ID, cancelled); err != nil {
			s.logger.Warn().Err(err).Str("batch_id", parent.ID).Msg("Failed to refresh batch counters")
		}
	}
	s.releaseQuietly(ctx, parent.UserID, parent.ID)

	s.logger.Info().Str("batch_id", parent.ID).Str("user_id", parent.UserID).Msg("Batch cancelled")
	return nil
}

// DeleteJob removes a job record and marks its storage prefix for
// asynchronous cleanup. Non-terminal jobs are cancelled first. Batch children
// cannot be deleted individually.
func (s *Service) DeleteJob(ctx context.Context, userID, jobID string) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.IsBatchChild() {
		return models.NewAPIError(models.ErrKindConflict, "delete the batch instead of an individual child")
	}
	if job.IsBatchParent() {
		return s.DeleteBatch(ctx, userID, jobID)
	}

	if !job.Status.IsTerminal() {
		if err := s.cancelSingle(ctx, job); err != nil {
			return err
		}
	}

	if err := s.jobs.Delete(ctx, jobID); err != nil {
		return s.storageError(err)
	}
	if err := s.gateway.MarkPrefixForCleanup(ctx, userID, jobID, false); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to schedule prefix cleanup")
	}

	s.logger.Info().Str("job_id", jobID).Str("user_id", userID).Msg("Job deleted")
	return nil
}

// DeleteBatch removes a batch parent with all its children and marks the
// batch prefix for asynchronous cleanup.
func (s *Service) DeleteBatch(ctx context.Context, userID, batchID string) error {
	parent, err := s.ownedBatch(ctx, userID, batchID)
	if err != nil {
		return err
	}

	if !parent.Status.IsTerminal() {
		if err := s.cancelBatch(ctx, parent); err != nil {
			return err
		}
	}

	children, err := s.jobs.GetBatchChildren(ctx, batchID)
	if err != nil {
		return s.storageError(err)
	}
	for _, child := range children {
		if err := s.jobs.Delete(ctx, child.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", child.ID).Msg("Failed to delete child record")
		}
	}
	if err := s.jobs.Delete(ctx, batchID); err != nil {
		return s.storageError(err)
	}
	if err := s.gateway.MarkPrefixForCleanup(ctx, userID, batchID, true); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to schedule prefix cleanup")
	}

	s.logger.Info().Str("batch_id", batchID).Str("user_id", userID).Msg("Batch deleted")
	return nil
}
