package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/aggregator"
	"github.com/ternarybob/lattice/internal/services/gateway"
	"github.com/ternarybob/lattice/internal/services/kv"
	"github.com/ternarybob/lattice/internal/services/quota"
	"github.com/ternarybob/lattice/internal/services/ratelimit"
	badgerstore "github.com/ternarybob/lattice/internal/storage/badger"
	"github.com/ternarybob/lattice/internal/storage/object"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	calls      int
	dispatched []string
	cancelled  []string
	failNext   error
	failOnCall int // 1-based call ordinal that fails, 0 = never
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *models.JobRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	if f.failOnCall != 0 && f.calls == f.failOnCall {
		return "", errors.New("queue 503")
	}
	f.dispatched = append(f.dispatched, job.ID)
	return "task-" + job.ID, nil
}

func (f *fakeDispatcher) Lookup(ctx context.Context, receipt string) (*interfaces.TaskStatus, error) {
	return &interfaces.TaskStatus{Receipt: receipt, State: interfaces.TaskStateRunning}, nil
}

func (f *fakeDispatcher) Cancel(ctx context.Context, receipt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, receipt)
	return nil
}

func (f *fakeDispatcher) Release(receipt string)            {}
func (f *fakeDispatcher) InFlight() map[interfaces.Lane]int { return nil }

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type jobsEnv struct {
	svc        *Service
	jobs       interfaces.JobStorage
	gateway    interfaces.StorageGateway
	quota      interfaces.QuotaLedger
	dispatcher *fakeDispatcher
}

func newJobsEnv(t *testing.T, submitPerMin int) *jobsEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.Open(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	jobs := badgerstore.NewJobStorage(db, logger)

	store, err := object.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	gw := gateway.NewService(store, logger)

	kvStore := kv.NewMemoryStore()
	ledger := quota.NewLedger(kvStore, "default", 32, logger)
	limiter := ratelimit.NewService(kvStore, submitPerMin, 120, 30, logger)
	dispatcher := &fakeDispatcher{}
	agg := aggregator.NewService(jobs, gw, nil, ledger, logger)

	return &jobsEnv{
		svc:        NewService(jobs, gw, ledger, limiter, dispatcher, agg, nil, logger),
		jobs:       jobs,
		gateway:    gw,
		quota:      ledger,
		dispatcher: dispatcher,
	}
}

func predictRequest(name string) *models.PredictRequest {
	return &models.PredictRequest{
		Model:           "boltz2",
		ProteinSequence: "GIVEQCCTSICSLYQLENYCN",
		LigandSMILES:    "CCO",
		JobName:         name,
		UserID:          "alice",
	}
}

func batchRequest(name string, ligands int) *models.BatchPredictRequest {
	req := &models.BatchPredictRequest{
		Model:           "boltz2",
		ProteinSequence: "GIVEQCCTSICSLYQLENYCN",
		BatchName:       name,
		UserID:          "alice",
	}
	for i := 0; i < ligands; i++ {
		req.Ligands = append(req.Ligands, models.LigandInput{
			Name:   fmt.Sprintf("ligand-%d", i),
			SMILES: "CCO",
		})
	}
	return req
}

func apiKind(t *testing.T, err error) string {
	t.Helper()
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	return apiErr.Kind
}

func TestSubmitIndividual_Accepted(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.Equal(t, 1, env.dispatcher.count())

	job, err := env.jobs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "task-"+resp.JobID, job.DispatchReceipt)

	account, err := env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.0, account.Resources[models.ResourceConcurrentJobs].Used)
}

func TestSubmitIndividual_ValidationRejected(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	req := predictRequest("T1")
	req.Model = "alphafold99"
	_, err := env.svc.SubmitIndividual(ctx, req)
	assert.Equal(t, models.ErrKindValidation, apiKind(t, err))

	req = predictRequest("T2")
	req.ProteinSequence = "NOT-A-PROTEIN-123"
	_, err = env.svc.SubmitIndividual(ctx, req)
	assert.Equal(t, models.ErrKindValidation, apiKind(t, err))

	assert.Zero(t, env.dispatcher.count())
}

func TestSubmitIndividual_QuotaExceeded(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	// Default tier allows 2 concurrent jobs
	for i := 0; i < 2; i++ {
		_, err := env.svc.SubmitIndividual(ctx, predictRequest(fmt.Sprintf("T%d", i)))
		require.NoError(t, err)
	}

	_, err := env.svc.SubmitIndividual(ctx, predictRequest("T3"))
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.ErrKindQuotaExceeded, apiErr.Kind)
	assert.NotEmpty(t, apiErr.Violations)
	assert.Equal(t, 2, env.dispatcher.count())
}

func TestSubmitIndividual_RateLimited(t *testing.T) {
	env := newJobsEnv(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.svc.SubmitIndividual(ctx, predictRequest(fmt.Sprintf("T%d", i)))
		require.NoError(t, err)
	}

	_, err := env.svc.SubmitIndividual(ctx, predictRequest("T3"))
	var apiErr *models.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, models.ErrKindRateLimited, apiErr.Kind)
	assert.Positive(t, apiErr.RetryAfter)
}

func TestSubmitIndividual_IdempotentReplay(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	req := predictRequest("T1")
	req.IdempotencyKey = "idem-1"
	first, err := env.svc.SubmitIndividual(ctx, req)
	require.NoError(t, err)

	again, err := env.svc.SubmitIndividual(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, again.JobID)
	assert.Equal(t, 1, env.dispatcher.count(), "replay must not re-enqueue")

	// Same key, different payload
	conflicting := predictRequest("T1")
	conflicting.IdempotencyKey = "idem-1"
	conflicting.LigandSMILES = "CC(C)O"
	_, err = env.svc.SubmitIndividual(ctx, conflicting)
	assert.Equal(t, models.ErrKindConflict, apiKind(t, err))
}

func TestSubmitIndividual_DispatchFailure(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()
	env.dispatcher.failNext = errors.New("queue 503")

	_, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	assert.Equal(t, models.ErrKindDispatchFailed, apiKind(t, err))

	// The record exists, failed, with the reservation released
	page, err := env.jobs.Query(ctx, &interfaces.JobQuery{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, models.JobStatusFailed, page.Jobs[0].Status)
	require.NotNil(t, page.Jobs[0].Error)
	assert.Equal(t, models.ErrKindDispatchFailed, page.Jobs[0].Error.Kind)

	account, err := env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, account.Resources[models.ResourceConcurrentJobs].Used)
}

func TestSubmitBatch_Accepted(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	// Default tier allows 2 concurrent jobs, so 2 ligands is the ceiling
	resp, err := env.svc.SubmitBatch(ctx, batchRequest("screen-1", 2))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.Len(t, resp.ChildIDs, 2)
	require.NotNil(t, resp.Progress)
	assert.Equal(t, 2, resp.Progress.Total)
	assert.Equal(t, 2, env.dispatcher.count())

	children, err := env.jobs.GetBatchChildren(ctx, resp.BatchID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, models.JobStatusQueued, child.Status)
		assert.NotEmpty(t, child.DispatchReceipt)
	}

	// Batch index written via the gateway
	obj, err := env.gateway.DownloadBatchArtifact(ctx, "alice", resp.BatchID, gateway.FileBatchMetadata)
	require.NoError(t, err)
	assert.NotEmpty(t, obj.Data)
}

func TestSubmitBatch_ChildReleaseSettlesLedger(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitBatch(ctx, batchRequest("screen-ledger", 2))
	require.NoError(t, err)

	// The batch holds one concurrent-batch slot under the parent and one
	// reservation per child: 3 GPU-minutes per screening unit with the 1.2
	// safety margin.
	account, err := env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2.0, account.Resources[models.ResourceConcurrentJobs].Used)
	assert.Equal(t, 1.0, account.Resources[models.ResourceConcurrentBatches].Used)
	assert.InDelta(t, 7.2, account.Resources[models.ResourceGPUMinutes].Used, 0.01)

	children, err := env.jobs.GetBatchChildren(ctx, resp.BatchID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	// One child finishes cheaper than estimated; its own reservation settles
	// to actual usage while the batch hold and sibling stay in place.
	require.NoError(t, env.quota.Release(ctx, "alice", children[0].ID, &models.ActualUsage{GPUMinutes: 2.0}))

	account, err = env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.0, account.Resources[models.ResourceConcurrentJobs].Used)
	assert.Equal(t, 1.0, account.Resources[models.ResourceConcurrentBatches].Used)
	assert.InDelta(t, 5.6, account.Resources[models.ResourceGPUMinutes].Used, 0.01)
}

func TestSubmitBatch_LigandBounds(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	_, err := env.svc.SubmitBatch(ctx, batchRequest("empty", 0))
	assert.Equal(t, models.ErrKindValidation, apiKind(t, err))

	_, err = env.svc.SubmitBatch(ctx, batchRequest("huge", maxBatchLigands+1))
	assert.Equal(t, models.ErrKindValidation, apiKind(t, err))
}

func TestSubmitBatch_DispatchFailureTearsDown(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	// First child dispatch succeeds, second fails
	env.dispatcher.failOnCall = 2

	_, err := env.svc.SubmitBatch(ctx, batchRequest("screen-2", 2))
	assert.Equal(t, models.ErrKindDispatchFailed, apiKind(t, err))

	page, err := env.jobs.Query(ctx, &interfaces.JobQuery{UserID: "alice", JobType: models.JobTypeBatchParent})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	parent := page.Jobs[0]
	assert.Equal(t, models.JobStatusFailed, parent.Status)
	require.NotNil(t, parent.Error)
	assert.Equal(t, models.ErrKindDispatchFailed, parent.Error.Kind)

	// The already-enqueued first child was cancelled
	children, err := env.jobs.GetBatchChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, models.JobStatusCancelled, children[0].Status)
	assert.Equal(t, models.JobStatusFailed, children[1].Status)
	assert.Len(t, env.dispatcher.cancelled, 1)

	account, err := env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, account.Resources[models.ResourceConcurrentJobs].Used)
}

func TestCancelJob(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	require.NoError(t, err)

	require.NoError(t, env.svc.CancelJob(ctx, "alice", resp.JobID))

	job, err := env.jobs.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Contains(t, env.dispatcher.cancelled, "task-"+resp.JobID)

	account, err := env.quota.GetQuota(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, account.Resources[models.ResourceConcurrentJobs].Used)

	// Cancelling again conflicts
	err = env.svc.CancelJob(ctx, "alice", resp.JobID)
	assert.Equal(t, models.ErrKindConflict, apiKind(t, err))
}

func TestCancelBatch(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitBatch(ctx, batchRequest("screen-3", 2))
	require.NoError(t, err)

	require.NoError(t, env.svc.CancelJob(ctx, "alice", resp.BatchID))

	parent, err := env.jobs.Get(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, parent.Status)

	children, err := env.jobs.GetBatchChildren(ctx, resp.BatchID)
	require.NoError(t, err)
	for _, child := range children {
		assert.Equal(t, models.JobStatusCancelled, child.Status)
	}
}

func TestOwnership(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	require.NoError(t, err)

	_, err = env.svc.GetJob(ctx, "mallory", resp.JobID)
	assert.Equal(t, models.ErrKindForbidden, apiKind(t, err))

	err = env.svc.CancelJob(ctx, "mallory", resp.JobID)
	assert.Equal(t, models.ErrKindForbidden, apiKind(t, err))

	_, err = env.svc.GetJob(ctx, "alice", "job_nope")
	assert.Equal(t, models.ErrKindNotFound, apiKind(t, err))
}

func TestDeleteJob(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteJob(ctx, "alice", resp.JobID))

	_, err = env.jobs.Get(ctx, resp.JobID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestDeleteBatch(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitBatch(ctx, batchRequest("screen-4", 2))
	require.NoError(t, err)

	require.NoError(t, env.svc.DeleteBatch(ctx, "alice", resp.BatchID))

	_, err = env.jobs.Get(ctx, resp.BatchID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	children, err := env.jobs.GetBatchChildren(ctx, resp.BatchID)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestExportBatch_StillInProgress(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitBatch(ctx, batchRequest("screen-5", 2))
	require.NoError(t, err)

	_, err = env.svc.ExportBatch(ctx, "alice", resp.BatchID, "csv")
	assert.Equal(t, models.ErrKindConflict, apiKind(t, err))
}

func TestListJobsAndBatches(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	_, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	require.NoError(t, err)
	_, err = env.svc.SubmitBatch(ctx, batchRequest("screen-6", 1))
	require.NoError(t, err)

	jobsPage, err := env.svc.ListJobs(ctx, "alice", &ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, jobsPage.Jobs, 1)

	batchPage, err := env.svc.ListBatches(ctx, "alice", &ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, batchPage.Batches, 1)
}

func TestDownloadJobArtifact_UnknownKind(t *testing.T) {
	env := newJobsEnv(t, 100)
	ctx := context.Background()

	resp, err := env.svc.SubmitIndividual(ctx, predictRequest("T1"))
	require.NoError(t, err)

	_, err = env.svc.DownloadJobArtifact(ctx, "alice", resp.JobID, "exe")
	assert.Equal(t, models.ErrKindValidation, apiKind(t, err))

	_, err = env.svc.DownloadJobArtifact(ctx, "alice", resp.JobID, "json")
	assert.Equal(t, models.ErrKindNotFound, apiKind(t, err), "no artifacts before completion")
}
