package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/aggregator"
	"github.com/ternarybob/lattice/internal/services/completion"
	"github.com/ternarybob/lattice/internal/services/gateway"
	jobsvc "github.com/ternarybob/lattice/internal/services/jobs"
	"github.com/ternarybob/lattice/internal/services/kv"
	"github.com/ternarybob/lattice/internal/services/quota"
	"github.com/ternarybob/lattice/internal/services/ratelimit"
	badgerstore "github.com/ternarybob/lattice/internal/storage/badger"
	"github.com/ternarybob/lattice/internal/storage/object"
)

type fakeDispatcher struct {
	statuses map[string]*interfaces.TaskStatus
	missing  map[string]bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *models.JobRecord) (string, error) {
	return "task-" + job.ID, nil
}

func (f *fakeDispatcher) Lookup(ctx context.Context, receipt string) (*interfaces.TaskStatus, error) {
	if f.missing[receipt] {
		return nil, interfaces.ErrTaskNotFound
	}
	if status, ok := f.statuses[receipt]; ok {
		return status, nil
	}
	return &interfaces.TaskStatus{Receipt: receipt, State: interfaces.TaskStateRunning}, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, receipt string) error { return nil }
func (f *fakeDispatcher) Release(receipt string)                           {}
func (f *fakeDispatcher) InFlight() map[interfaces.Lane]int                { return nil }

type fakeCompletions struct {
	events []*models.CompletionEvent
}

func (f *fakeCompletions) Process(ctx context.Context, event *models.CompletionEvent) (bool, error) {
	f.events = append(f.events, event)
	return true, nil
}

type fakeAggregator struct {
	finalized []string
}

func (f *fakeAggregator) OnChildTerminal(ctx context.Context, parentID, childID string, status models.JobStatus) error {
	f.finalized = append(f.finalized, parentID)
	return nil
}

func (f *fakeAggregator) Aggregate(ctx context.Context, parentID string) error { return nil }

type fakeQuota struct {
	sweeps int
}

func (f *fakeQuota) CheckAvailability(ctx context.Context, userID string, est *models.ResourceEstimate) (*models.QuotaCheck, error) {
	return &models.QuotaCheck{Allowed: true}, nil
}
func (f *fakeQuota) Reserve(ctx context.Context, userID string, est *models.ResourceEstimate, jobID string) error {
	return nil
}
func (f *fakeQuota) Release(ctx context.Context, userID, jobID string, actual *models.ActualUsage) error {
	return nil
}
func (f *fakeQuota) GetQuota(ctx context.Context, userID string) (*models.UserQuota, error) {
	return nil, nil
}
func (f *fakeQuota) Sweep(ctx context.Context) error {
	f.sweeps++
	return nil
}

type reconcilerEnv struct {
	svc         *Service
	jobs        interfaces.JobStorage
	dispatcher  *fakeDispatcher
	completions *fakeCompletions
	aggregator  *fakeAggregator
	quota       *fakeQuota
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.Open(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &reconcilerEnv{
		jobs:        badgerstore.NewJobStorage(db, logger),
		dispatcher:  &fakeDispatcher{statuses: map[string]*interfaces.TaskStatus{}, missing: map[string]bool{}},
		completions: &fakeCompletions{},
		aggregator:  &fakeAggregator{},
		quota:       &fakeQuota{},
	}
	env.svc = NewService(env.jobs, env.dispatcher, env.completions, env.aggregator, env.quota,
		time.Minute, time.Hour, logger)
	return env
}

// seedRunningJob creates a running job with a dispatch receipt
func seedRunningJob(t *testing.T, env *reconcilerEnv, id string) {
	t.Helper()
	ctx := context.Background()

	job := &models.JobRecord{
		ID:        id,
		JobType:   models.JobTypeIndividual,
		TaskType:  models.TaskProteinLigandBinding,
		ModelName: "boltz2",
		UserID:    "alice",
		Status:    models.JobStatusPending,
	}
	require.NoError(t, env.jobs.Create(ctx, job))
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning} {
		s := status
		_, err := env.jobs.Update(ctx, id, &interfaces.JobPatch{Status: &s})
		require.NoError(t, err)
	}

	receipt := "task-" + id
	_, err := env.jobs.Update(ctx, id, &interfaces.JobPatch{DispatchReceipt: &receipt})
	require.NoError(t, err)
}

// ageClock makes every record look older than the stuck threshold by moving
// the reconciler's clock forward instead of back-dating records.
func ageClock(env *reconcilerEnv, by time.Duration) {
	env.svc.now = func() time.Time { return time.Now().Add(by) }
}

func TestSweep_ReplaysQueueResultForStuckJob(t *testing.T) {
	env := newReconcilerEnv(t)
	seedRunningJob(t, env, "job_stuck")
	ageClock(env, 2*time.Hour)
	env.dispatcher.statuses["task-job_stuck"] = &interfaces.TaskStatus{
		Receipt: "task-job_stuck",
		State:   interfaces.TaskStateSucceeded,
		Result: &models.CompletionEvent{
			ModalCallID: "task-job_stuck",
			Status:      "success",
			Result:      map[string]interface{}{"affinity": 0.8},
		},
	}

	require.NoError(t, env.svc.Sweep(context.Background()))

	require.Len(t, env.completions.events, 1)
	event := env.completions.events[0]
	assert.Equal(t, "success", event.Status)
	assert.Equal(t, "job_stuck", event.JobID)
}

func TestSweep_MarksLostWhenQueueHasNoRecord(t *testing.T) {
	env := newReconcilerEnv(t)
	seedRunningJob(t, env, "job_lost")
	ageClock(env, 2*time.Hour)
	env.dispatcher.missing["task-job_lost"] = true

	require.NoError(t, env.svc.Sweep(context.Background()))

	require.Len(t, env.completions.events, 1)
	event := env.completions.events[0]
	assert.Equal(t, "failed", event.Status)
	require.NotNil(t, event.Error)
	assert.Equal(t, "dispatch_lost", event.Error.Kind)
}

func TestSweep_LeavesFreshJobsAlone(t *testing.T) {
	env := newReconcilerEnv(t)
	seedRunningJob(t, env, "job_fresh")

	require.NoError(t, env.svc.Sweep(context.Background()))

	assert.Empty(t, env.completions.events)
}

func TestSweep_LeavesInFlightTasksAlone(t *testing.T) {
	env := newReconcilerEnv(t)
	seedRunningJob(t, env, "job_inflight")
	ageClock(env, 2*time.Hour)
	// The queue still reports the task as running (fake default)

	require.NoError(t, env.svc.Sweep(context.Background()))

	assert.Empty(t, env.completions.events)
}

func TestSweep_FinalizesBatchWithAllTerminalChildren(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	parent := &models.JobRecord{
		ID:      "bat_1",
		JobType: models.JobTypeBatchParent,
		UserID:  "alice",
		Status:  models.JobStatusPending,
	}
	children := []*models.JobRecord{
		{ID: "job_c0", JobType: models.JobTypeBatchChild, UserID: "alice", Status: models.JobStatusPending, BatchIndex: 0},
		{ID: "job_c1", JobType: models.JobTypeBatchChild, UserID: "alice", Status: models.JobStatusPending, BatchIndex: 1},
	}
	require.NoError(t, env.jobs.CreateBatch(ctx, parent, children))
	for _, child := range children {
		for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCompleted} {
			s := status
			_, err := env.jobs.Update(ctx, child.ID, &interfaces.JobPatch{Status: &s})
			require.NoError(t, err)
		}
	}

	require.NoError(t, env.svc.Sweep(ctx))

	assert.Equal(t, []string{"bat_1"}, env.aggregator.finalized)
}

func TestSweep_SkipsBatchWithRunningChildren(t *testing.T) {
	env := newReconcilerEnv(t)
	ctx := context.Background()

	parent := &models.JobRecord{
		ID:      "bat_2",
		JobType: models.JobTypeBatchParent,
		UserID:  "alice",
		Status:  models.JobStatusPending,
	}
	children := []*models.JobRecord{
		{ID: "job_d0", JobType: models.JobTypeBatchChild, UserID: "alice", Status: models.JobStatusPending, BatchIndex: 0},
	}
	require.NoError(t, env.jobs.CreateBatch(ctx, parent, children))

	require.NoError(t, env.svc.Sweep(ctx))

	assert.Empty(t, env.aggregator.finalized)
}

func TestSweep_RunsQuotaSweep(t *testing.T) {
	env := newReconcilerEnv(t)
	require.NoError(t, env.svc.Sweep(context.Background()))
	assert.Equal(t, 1, env.quota.sweeps)
}

// recoveryEnv wires the real admission and completion services around the
// fake queue so the sweep can be exercised against jobs produced by the
// actual submission path.
type recoveryEnv struct {
	svc        *Service
	submit     *jobsvc.Service
	jobs       interfaces.JobStorage
	quota      interfaces.QuotaLedger
	dispatcher *fakeDispatcher
}

func newRecoveryEnv(t *testing.T) *recoveryEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.Open(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	storage := badgerstore.NewJobStorage(db, logger)

	store, err := object.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	gw := gateway.NewService(store, logger)

	kvStore := kv.NewMemoryStore()
	ledger := quota.NewLedger(kvStore, "default", 32, logger)
	limiter := ratelimit.NewService(kvStore, 100, 120, 30, logger)
	dispatcher := &fakeDispatcher{statuses: map[string]*interfaces.TaskStatus{}, missing: map[string]bool{}}
	agg := aggregator.NewService(storage, gw, nil, ledger, logger)
	completions := completion.NewService(storage, gw, ledger, dispatcher, agg, nil, logger)

	env := &recoveryEnv{
		submit:     jobsvc.NewService(storage, gw, ledger, limiter, dispatcher, agg, nil, logger),
		jobs:       storage,
		quota:      ledger,
		dispatcher: dispatcher,
	}
	env.svc = NewService(storage, dispatcher, completions, agg, ledger, time.Minute, time.Hour, logger)
	return env
}

// A dispatched job waits in queued until the worker's completion webhook
// lands. When the webhook is lost and the queue has no record of the task,
// the sweep must fail the job and return its reservation.
func TestSweep_RecoversQueuedJobWithLostWebhook(t *testing.T) {
	env := newRecoveryEnv(t)
	ctx := context.Background()

	resp, err := env.submit.SubmitIndividual(ctx, &models.PredictRequest{
		Model:           "boltz2",
		ProteinSequence: "GIVEQCCTSICSLYQLENYCN",
		LigandSMILES:    "CCO",
		JobName:         "lost-webhook",
		UserID:          "alice",
	})
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, resp.Status)

	env.dispatcher.missing["task-"+resp.JobID] = true
	env.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	require.NoError(t, env.svc.Sweep(ctx))

	job, err := env.jobs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "dispatch_lost", job.Error.Kind)

	account, err := env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, account.Resources[models.ResourceConcurrentJobs].Used)
}
