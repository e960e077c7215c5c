package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/gateway"
)

var (
	processedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_completions_processed_total",
		Help: "Completion events applied, by outcome",
	}, []string{"status"})

	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lattice_completions_duplicate_total",
		Help: "Completion events suppressed by the dedup set",
	})
)

// Service implements interfaces.CompletionProcessor. It is the only
// component permitted to transition a job from running to a terminal state
// via an external signal; the webhook handler and the reconciler both feed
// events through it.
type Service struct {
	jobs       interfaces.JobStorage
	gateway    interfaces.StorageGateway
	quota      interfaces.QuotaLedger
	dispatcher interfaces.TaskDispatcher
	aggregator interfaces.BatchAggregator
	events     interfaces.EventService
	logger     arbor.ILogger
	dedup      *dedupSet
}

// NewService creates the completion processor
func NewService(
	jobs interfaces.JobStorage,
	gateway interfaces.StorageGateway,
	quota interfaces.QuotaLedger,
	dispatcher interfaces.TaskDispatcher,
	aggregator interfaces.BatchAggregator,
	events interfaces.EventService,
	logger arbor.ILogger,
) *Service {
	return &Service{
		jobs:       jobs,
		gateway:    gateway,
		quota:      quota,
		dispatcher: dispatcher,
		aggregator: aggregator,
		events:     events,
		logger:     logger,
		dedup:      newDedupSet(dedupCapacity),
	}
}

func (s *Service) Process(ctx context.Context, event *models.CompletionEvent) (bool, error) {
	key := event.DedupKey()
	if key == "" {
		return false, fmt.Errorf("completion event carries neither job_id nor modal_call_id")
	}
	if s.dedup.seen(key) {
		duplicateTotal.Inc()
		s.logger.Debug().Str("dedup_key", key).Msg("Duplicate completion suppressed")
		return false, nil
	}

	job, err := s.resolveJob(ctx, event)
	if err != nil {
		return false, err
	}

	if job.Status.IsTerminal() {
		// Cancelled jobs still capture the measured duration, nothing else
		s.dedup.mark(key)
		s.logger.Debug().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Completion for terminal job ignored")
		return false, nil
	}

	if event.Succeeded() {
		err = s.applySuccess(ctx, job, event)
	} else {
		err = s.applyFailure(ctx, job, event)
	}
	if err != nil {
		// Not marked processed: a retry delivery gets another chance
		return false, err
	}

	s.dedup.mark(key)
	processedTotal.WithLabelValues(event.Status).Inc()
	return true, nil
}

// resolveJob finds the target job by job_id, falling back to the reverse
// receipt lookup for workers that only echo the call id.
func (s *Service) resolveJob(ctx context.Context, event *models.CompletionEvent) (*models.JobRecord, error) {
	if event.JobID != "" {
		return s.jobs.Get(ctx, event.JobID)
	}
	job, err := s.jobs.FindByDispatchReceipt(ctx, event.ModalCallID)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve job for call %s: %w", event.ModalCallID, err)
	}
	return job, nil
}

func (s *Service) applySuccess(ctx context.Context, job *models.JobRecord, event *models.CompletionEvent) error {
	files, err := buildArtifacts(event)
	if err != nil {
		return err
	}
	if err := s.gateway.StoreJobResultAtomic(ctx, job, files); err != nil {
		return fmt.Errorf("failed to store artifacts for %s: %w", job.ID, err)
	}

	completed := models.JobStatusCompleted
	output := map[string]interface{}{
		"status":                 string(completed),
		"results":                summarize(event.Result),
		"gcp_results_path":       gateway.JobArtifactPath(job, gateway.FileResults),
		"files_stored":           true,
		"execution_time_seconds": event.ExecutionTimeSeconds,
		"modal_call_id":          event.ModalCallID,
	}

	updated, err := s.jobs.Update(ctx, job.ID, &interfaces.JobPatch{
		Status:     &completed,
		OutputData: output,
	})
	if errors.Is(err, interfaces.ErrStatusRegression) {
		// A concurrent delivery won the race; treat as duplicate
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", job.ID, err)
	}

	s.finish(ctx, updated, &models.ActualUsage{GPUMinutes: event.ExecutionTimeSeconds / 60})
	s.logger.Info().
		Str("job_id", job.ID).
		Float64("execution_seconds", event.ExecutionTimeSeconds).
		Msg("Job completed")
	return nil
}

func (s *Service) applyFailure(ctx context.Context, job *models.JobRecord, event *models.CompletionEvent) error {
	failed := models.JobStatusFailed
	jobErr := event.Error
	if jobErr == nil {
		jobErr = &models.JobError{Kind: models.ErrKindInternal, Message: "worker reported failure without detail"}
	}

	updated, err := s.jobs.Update(ctx, job.ID, &interfaces.JobPatch{
		Status: &failed,
		Error:  jobErr,
	})
	if errors.Is(err, interfaces.ErrStatusRegression) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", job.ID, err)
	}

	s.finish(ctx, updated, nil)
	s.logger.Warn().
		Str("job_id", job.ID).
		Str("error_kind", jobErr.Kind).
		Msg("Job failed")
	return nil
}

// finish runs the shared post-transition fan-out: quota release, lane slot
// release, aggregator notification, lifecycle event.
func (s *Service) finish(ctx context.Context, job *models.JobRecord, actual *models.ActualUsage) {
	if err := s.quota.Release(ctx, job.UserID, job.ID, actual); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Quota release failed")
	}
	if job.DispatchReceipt != "" {
		s.dispatcher.Release(job.DispatchReceipt)
	}
	if job.IsBatchChild() {
		if err := s.aggregator.OnChildTerminal(ctx, job.BatchParentID, job.ID, job.Status); err != nil {
			s.logger.Warn().Err(err).
				Str("parent_id", job.BatchParentID).
				Str("child_id", job.ID).
				Msg("Aggregator notification failed")
		}
	}
	if s.events != nil {
		_ = s.events.Publish(ctx, interfaces.Event{
			Type:      interfaces.EventJobStatus,
			JobID:     job.ID,
			BatchID:   job.BatchParentID,
			UserID:    job.UserID,
			Payload:   map[string]interface{}{"status": job.Status},
			Timestamp: time.Now().UTC(),
		})
	}
}

// buildArtifacts turns a completion event into the canonical artifact files
func buildArtifacts(event *models.CompletionEvent) ([]interfaces.ArtifactFile, error) {
	result := event.Result
	if result == nil {
		result = map[string]interface{}{}
	}
	resultsJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}

	metadata := map[string]interface{}{
		"modal_call_id":          event.ModalCallID,
		"execution_time_seconds": event.ExecutionTimeSeconds,
		"completed_at":           time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	files := []interfaces.ArtifactFile{
		{Name: "results.json", Data: resultsJSON, ContentType: "application/json"},
		{Name: "metadata.json", Data: metadataJSON, ContentType: "application/json"},
	}
	if event.StructureCIF != "" {
		files = append(files, interfaces.ArtifactFile{
			Name:        "structure.cif",
			Data:        []byte(event.StructureCIF),
			ContentType: "chemical/x-cif",
		})
	}
	return files, nil
}

// summarize extracts the bounded score summary kept inline on the record
func summarize(result map[string]interface{}) map[string]interface{} {
	if result == nil {
		return map[string]interface{}{}
	}
	summary := make(map[string]interface{})
	for _, key := range []string{"affinity", "confidence", "ptm_score", "iptm_score", "plddt_score", "ligand_name", "protein_name"} {
		if v, ok := result[key]; ok {
			summary[key] = v
		}
	}
	return summary
}
