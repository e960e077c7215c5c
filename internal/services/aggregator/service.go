package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

// Service implements interfaces.BatchAggregator. Per-parent updates are
// serialized by a keyed mutex held only across one read-modify-write.
type Service struct {
	jobs    interfaces.JobStorage
	gateway interfaces.StorageGateway
	events  interfaces.EventService
	quota   interfaces.QuotaLedger
	logger  arbor.ILogger
	locks   *common.KeyedMutex
}

// NewService creates the batch aggregator. The quota ledger may be nil; when
// present the parent's batch reservation is released at finalization.
func NewService(jobs interfaces.JobStorage, gateway interfaces.StorageGateway, events interfaces.EventService, quota interfaces.QuotaLedger, logger arbor.ILogger) *Service {
	return &Service{
		jobs:    jobs,
		gateway: gateway,
		events:  events,
		quota:   quota,
		logger:  logger,
		locks:   common.NewKeyedMutex(),
	}
}

func (s *Service) OnChildTerminal(ctx context.Context, parentID, childID string, status models.JobStatus) error {
	finalize, err := s.updateProgress(ctx, parentID, childID)
	if err != nil {
		return err
	}
	if !finalize {
		return nil
	}

	if err := s.Aggregate(ctx, parentID); err != nil {
		return fmt.Errorf("batch %s finalization failed: %w", parentID, err)
	}

	// Children settle their own reservations as they complete; the hold under
	// the parent's id covers the batch slot itself.
	if s.quota != nil {
		parent, err := s.jobs.Get(ctx, parentID)
		if err == nil {
			if rerr := s.quota.Release(ctx, parent.UserID, parentID, nil); rerr != nil {
				s.logger.Warn().Err(rerr).Str("batch_id", parentID).Msg("Failed to release batch reservation")
			}
		}
	}
	return nil
}

// updateProgress recomputes the parent's counters from its children under
// the per-parent lock and, when every child is terminal, transitions the
// parent. Recounting (rather than incrementing) keeps the counters correct
// under duplicate notifications.
func (s *Service) updateProgress(ctx context.Context, parentID, childID string) (finalize bool, err error) {
	s.locks.Lock(parentID)
	defer s.locks.Unlock(parentID)

	parent, err := s.jobs.Get(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to load batch parent %s: %w", parentID, err)
	}
	children, err := s.jobs.GetBatchChildren(ctx, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to load children of %s: %w", parentID, err)
	}

	progress := countProgress(children)
	patch := &interfaces.JobPatch{BatchProgress: progress}

	var finalStatus models.JobStatus
	if progress.AllTerminal() && !parent.Status.IsTerminal() {
		finalStatus = finalStatusFor(progress)
		patch.Status = &finalStatus
		finalize = true
	}

	if _, err := s.jobs.Update(ctx, parentID, patch); err != nil {
		return false, fmt.Errorf("failed to update batch progress on %s: %w", parentID, err)
	}

	if s.events != nil {
		eventType := interfaces.EventBatchProgress
		if finalize {
			eventType = interfaces.EventBatchComplete
		}
		_ = s.events.Publish(ctx, interfaces.Event{
			Type:    eventType,
			BatchID: parentID,
			JobID:   childID,
			UserID:  parent.UserID,
			Payload: map[string]interface{}{
				"completed":  progress.Completed,
				"failed":     progress.Failed,
				"cancelled":  progress.Cancelled,
				"total":      progress.Total,
				"percentage": progress.Percentage,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	s.logger.Debug().
		Str("batch_id", parentID).
		Int("completed", progress.Completed).
		Int("failed", progress.Failed).
		Int("total", progress.Total).
		Bool("finalize", finalize).
		Msg("Batch progress updated")
	return finalize, nil
}

// countProgress tallies child statuses into a fresh progress record
func countProgress(children []*models.JobRecord) *models.BatchProgress {
	progress := &models.BatchProgress{
		Total:     len(children),
		UpdatedAt: time.Now().UTC(),
	}
	for _, child := range children {
		switch child.Status {
		case models.JobStatusCompleted:
			progress.Completed++
		case models.JobStatusFailed:
			progress.Failed++
		case models.JobStatusCancelled:
			progress.Cancelled++
		case models.JobStatusRunning:
			progress.Running++
		default:
			progress.Pending++
		}
	}
	if progress.Total > 0 {
		progress.Percentage = float64(progress.TerminalCount()) / float64(progress.Total) * 100
	}
	if terminal := progress.TerminalCount(); terminal > 0 {
		progress.SuccessRate = float64(progress.Completed) / float64(terminal) * 100
	}
	return progress
}

// finalStatusFor maps finished counters onto the parent's terminal status
func finalStatusFor(progress *models.BatchProgress) models.JobStatus {
	switch {
	case progress.Completed == progress.Total:
		return models.JobStatusCompleted
	case progress.Completed == 0:
		return models.JobStatusFailed
	default:
		return models.JobStatusPartiallyCompleted
	}
}

func (s *Service) Aggregate(ctx context.Context, parentID string) error {
	parent, err := s.jobs.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load batch parent %s: %w", parentID, err)
	}
	children, err := s.jobs.GetBatchChildren(ctx, parentID)
	if err != nil {
		return fmt.Errorf("failed to load children of %s: %w", parentID, err)
	}

	var results []models.ChildResult
	var completed, failed, cancelled int
	for _, child := range children {
		switch child.Status {
		case models.JobStatusFailed:
			failed++
			continue
		case models.JobStatusCancelled:
			cancelled++
			continue
		case models.JobStatusCompleted:
			completed++
		default:
			continue
		}

		result := s.loadChildResult(ctx, parent, child)
		results = append(results, extractChildResult(child, result))
	}

	summary := buildSummary(results, len(children), completed, failed, cancelled)

	aggregated := map[string]interface{}{
		"batch_id":      parent.ID,
		"batch_name":    parent.JobName,
		"model_name":    parent.ModelName,
		"user_id":       parent.UserID,
		"aggregated_at": time.Now().UTC().Format(time.RFC3339),
		"jobs":          results,
		"summary":       summary,
	}
	aggregatedJSON, err := json.Marshal(aggregated)
	if err != nil {
		return fmt.Errorf("failed to encode aggregation: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	csvData, err := buildCSV(results)
	if err != nil {
		return fmt.Errorf("failed to render csv: %w", err)
	}

	if err := s.gateway.CreateBatchAggregationAtomic(ctx, parent.UserID, parent.ID, aggregatedJSON, summaryJSON, csvData); err != nil {
		return err
	}

	output := map[string]interface{}{
		"files_stored":   true,
		"total_jobs":     summary.TotalJobs,
		"completed_jobs": summary.CompletedJobs,
		"failed_jobs":    summary.FailedJobs,
		"best_performer": summary.BestPerformer,
	}
	if _, err := s.jobs.Update(ctx, parentID, &interfaces.JobPatch{OutputData: output}); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", parentID).Msg("Failed to record aggregation on parent")
	}

	s.logger.Info().
		Str("batch_id", parentID).
		Int("results", len(results)).
		Int("failed", failed).
		Msg("Batch aggregation materialized")
	return nil
}

// loadChildResult reads the child's stored results.json, preferring the
// inline summary when object storage is unavailable.
func (s *Service) loadChildResult(ctx context.Context, parent, child *models.JobRecord) map[string]interface{} {
	path := s.gateway.ChildResultPath(parent.UserID, parent.ID, child.ID)
	data, err := s.gateway.LoadResultBlob(ctx, path)
	if err == nil {
		var result map[string]interface{}
		if jerr := json.Unmarshal(data, &result); jerr == nil {
			return result
		}
	}

	if child.OutputData != nil {
		if inline, ok := child.OutputData["results"].(map[string]interface{}); ok {
			return inline
		}
	}
	s.logger.Warn().
		Str("child_id", child.ID).
		Str("path", path).
		Msg("No results available for completed child")
	return nil
}
