package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

var (
	sweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lattice_reconciler_sweeps_total",
		Help: "Number of reconciler sweep cycles run",
	})
	recoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lattice_reconciler_recovered_total",
		Help: "Stuck jobs resolved by the reconciler, by outcome",
	}, []string{"outcome"})
)

// Service is the periodic repair loop. It resolves jobs whose webhook never
// landed by polling the task queue, finalizes batches whose parent missed the
// last child notification, and runs the quota sweep. All repairs go through
// the completion processor and aggregator so the usual invariants hold; the
// reconciler never writes job state directly.
type Service struct {
	jobs        interfaces.JobStorage
	dispatcher  interfaces.TaskDispatcher
	completions interfaces.CompletionProcessor
	aggregator  interfaces.BatchAggregator
	quota       interfaces.QuotaLedger
	logger      arbor.ILogger

	interval       time.Duration
	stuckThreshold time.Duration

	// now is replaceable in tests
	now func() time.Time

	cron *cron.Cron
}

// NewService creates the reconciler. Start must be called to begin sweeping.
func NewService(
	jobs interfaces.JobStorage,
	dispatcher interfaces.TaskDispatcher,
	completions interfaces.CompletionProcessor,
	aggregator interfaces.BatchAggregator,
	quota interfaces.QuotaLedger,
	interval, stuckThreshold time.Duration,
	logger arbor.ILogger,
) *Service {
	return &Service{
		jobs:           jobs,
		dispatcher:     dispatcher,
		completions:    completions,
		aggregator:     aggregator,
		quota:          quota,
		logger:         logger,
		interval:       interval,
		stuckThreshold: stuckThreshold,
		now:            time.Now,
	}
}

// Start schedules the sweep at the configured interval. Overlapping runs are
// skipped rather than queued.
func (s *Service) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("reconciler already started")
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := c.AddFunc(spec, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Reconciler sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule reconciler: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info().
		Str("interval", s.interval.String()).
		Str("stuck_threshold", s.stuckThreshold.String()).
		Msg("Reconciler started")
	return nil
}

// Stop halts the schedule and waits for an in-progress sweep to finish
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// Sweep runs one reconciliation cycle: stuck jobs, unfinalized batches, then
// the quota ledger sweep. Each phase is independent; one failing does not
// stop the others.
func (s *Service) Sweep(ctx context.Context) error {
	sweepsTotal.Inc()

	var errs []error
	if err := s.sweepStuckJobs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stuck job sweep: %w", err))
	}
	if err := s.sweepUnfinalizedBatches(ctx); err != nil {
		errs = append(errs, fmt.Errorf("batch sweep: %w", err))
	}
	if err := s.quota.Sweep(ctx); err != nil {
		errs = append(errs, fmt.Errorf("quota sweep: %w", err))
	}
	return errors.Join(errs...)
}

// sweepStuckJobs finds dispatched jobs (queued or running) whose last update
// is older than the stuck threshold and resolves each against the task queue.
// Jobs stay queued until the worker's completion webhook lands, so a lost
// webhook leaves them stuck in queued rather than running.
func (s *Service) sweepStuckJobs(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.stuckThreshold)

	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning} {
		jobs, err := s.collect(ctx, &interfaces.JobQuery{Status: status})
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if job.IsBatchParent() || job.UpdatedAt.After(cutoff) {
				continue
			}
			if err := s.resolveStuckJob(ctx, job); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to resolve stuck job")
			}
		}
	}
	return nil
}

// resolveStuckJob polls the queue for the job's task and feeds the outcome
// through the completion processor.
func (s *Service) resolveStuckJob(ctx context.Context, job *models.JobRecord) error {
	if job.DispatchReceipt == "" {
		return s.markLost(ctx, job, "job has no dispatch receipt")
	}

	status, err := s.dispatcher.Lookup(ctx, job.DispatchReceipt)
	if errors.Is(err, interfaces.ErrTaskNotFound) {
		return s.markLost(ctx, job, "task queue has no record of the dispatch")
	}
	if err != nil {
		return fmt.Errorf("queue lookup for %s: %w", job.DispatchReceipt, err)
	}

	switch status.State {
	case interfaces.TaskStateSucceeded, interfaces.TaskStateFailed:
		event := status.Result
		if event == nil {
			// Queue knows the task finished but kept no payload; record the
			// terminal state without results.
			event = &models.CompletionEvent{Status: "failed", Error: &models.JobError{
				Kind:    "dispatch_lost",
				Message: "task finished but the queue retained no result payload",
			}}
			if status.State == interfaces.TaskStateSucceeded {
				event.Status = "success"
			}
		}
		if event.JobID == "" {
			event.JobID = job.ID
		}
		applied, err := s.completions.Process(ctx, event)
		if err != nil {
			return fmt.Errorf("replaying completion for %s: %w", job.ID, err)
		}
		if applied {
			recoveredTotal.WithLabelValues("replayed").Inc()
			s.logger.Info().
				Str("job_id", job.ID).
				Str("state", string(status.State)).
				Msg("Recovered stuck job from queue state")
		}
		return nil
	default:
		// Still in flight; leave it for the next cycle
		return nil
	}
}

// markLost fails a job whose task the queue cannot account for
func (s *Service) markLost(ctx context.Context, job *models.JobRecord, reason string) error {
	event := &models.CompletionEvent{
		JobID:  job.ID,
		Status: "failed",
		Error: &models.JobError{
			Kind:    "dispatch_lost",
			Message: reason,
		},
	}
	applied, err := s.completions.Process(ctx, event)
	if err != nil {
		return fmt.Errorf("marking %s lost: %w", job.ID, err)
	}
	if applied {
		recoveredTotal.WithLabelValues("lost").Inc()
		s.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("Marked stuck job as dispatch_lost")
	}
	return nil
}

// sweepUnfinalizedBatches finalizes parents whose children are all terminal
// but whose own status never advanced.
func (s *Service) sweepUnfinalizedBatches(ctx context.Context) error {
	var parents []*models.JobRecord
	for _, status := range []models.JobStatus{models.JobStatusPending, models.JobStatusQueued, models.JobStatusRunning} {
		page, err := s.collect(ctx, &interfaces.JobQuery{
			Status:  status,
			JobType: models.JobTypeBatchParent,
		})
		if err != nil {
			return err
		}
		parents = append(parents, page...)
	}

	for _, parent := range parents {
		children, err := s.jobs.GetBatchChildren(ctx, parent.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("batch_id", parent.ID).Msg("Failed to load children during batch sweep")
			continue
		}
		if len(children) == 0 {
			continue
		}
		allTerminal := true
		for _, child := range children {
			if !child.Status.IsTerminal() {
				allTerminal = false
				break
			}
		}
		if !allTerminal {
			continue
		}

		last := children[len(children)-1]
		if err := s.aggregator.OnChildTerminal(ctx, parent.ID, last.ID, last.Status); err != nil {
			s.logger.Warn().Err(err).Str("batch_id", parent.ID).Msg("Failed to finalize batch during sweep")
			continue
		}
		recoveredTotal.WithLabelValues("batch_finalized").Inc()
		s.logger.Info().Str("batch_id", parent.ID).Msg("Finalized batch missed by completion flow")
	}
	return nil
}

// collect drains all pages of a query
func (s *Service) collect(ctx context.Context, q *interfaces.JobQuery) ([]*models.JobRecord, error) {
	var jobs []*models.JobRecord
	for {
		page, err := s.jobs.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to query jobs: %w", err)
		}
		jobs = append(jobs, page.Jobs...)
		if page.NextCursor == "" {
			return jobs, nil
		}
		q.Cursor = page.NextCursor
	}
}
