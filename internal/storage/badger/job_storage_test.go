package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

func newTestStorage(t *testing.T) *JobStorage {
	t.Helper()

	db, err := Open(&common.BadgerConfig{Path: t.TempDir()}, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobStorage(db, arbor.NewLogger())
}

func newTestJob(id, userID string) *models.JobRecord {
	return &models.JobRecord{
		ID:        id,
		JobType:   models.JobTypeIndividual,
		TaskType:  models.TaskProteinLigandBinding,
		ModelName: "boltz2",
		UserID:    userID,
		Status:    models.JobStatusPending,
		InputData: map[string]interface{}{"protein_sequence": "MKV"},
	}
}

func TestJobStorage_CreateAndGet(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("job_1", "alice")
	require.NoError(t, storage.Create(ctx, job))

	got, err := storage.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", got.ID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, models.SchemaVersion, got.SchemaVersion)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = storage.Get(ctx, "job_missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_RoundTripsNestedInputData(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("job_nested", "alice")
	job.InputData = map[string]interface{}{
		"protein_sequence": "MKVLITG",
		"ligand_smiles":    "CCO",
		"parameters": map[string]interface{}{
			"diffusion_samples": 3,
			"use_msa_server":    true,
		},
		"ligand_names": []interface{}{"aspirin", "caffeine"},
	}
	require.NoError(t, storage.Create(ctx, job))

	got, err := storage.Get(ctx, "job_nested")
	require.NoError(t, err)
	params, ok := got.InputData["parameters"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, params["use_msa_server"])
	names, ok := got.InputData["ligand_names"].([]interface{})
	require.True(t, ok)
	assert.Len(t, names, 2)
}

func TestJobStorage_UpdateMonotonicStatus(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("job_mono", "alice")
	require.NoError(t, storage.Create(ctx, job))

	for _, next := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusCompleted,
	} {
		status := next
		updated, err := storage.Update(ctx, job.ID, &interfaces.JobPatch{Status: &status})
		require.NoError(t, err)
		assert.Equal(t, next, updated.Status)
	}

	got, err := storage.Get(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	// Terminal records never move backwards
	running := models.JobStatusRunning
	_, err = storage.Update(ctx, job.ID, &interfaces.JobPatch{Status: &running})
	assert.ErrorIs(t, err, interfaces.ErrStatusRegression)

	// Nor to another terminal state
	failed := models.JobStatusFailed
	_, err = storage.Update(ctx, job.ID, &interfaces.JobPatch{Status: &failed})
	assert.ErrorIs(t, err, interfaces.ErrStatusRegression)
}

func TestJobStorage_CancelFromAnyNonTerminal(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("job_cancel", "alice")
	require.NoError(t, storage.Create(ctx, job))

	cancelled := models.JobStatusCancelled
	updated, err := storage.Update(ctx, job.ID, &interfaces.JobPatch{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, updated.Status)
	assert.NotNil(t, updated.CompletedAt)
}

func TestJobStorage_CreateBatch(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	parent := newTestJob("bat_1", "alice")
	parent.JobType = models.JobTypeBatchParent
	parent.TaskType = models.TaskBatchProteinScreening

	children := make([]*models.JobRecord, 3)
	for i := range children {
		child := newTestJob(fmt.Sprintf("job_child_%d", i), "alice")
		child.JobType = models.JobTypeBatchChild
		child.BatchIndex = i
		children[i] = child
	}

	require.NoError(t, storage.CreateBatch(ctx, parent, children))

	gotParent, err := storage.Get(ctx, "bat_1")
	require.NoError(t, err)
	assert.Len(t, gotParent.BatchChildIDs, 3)

	gotChildren, err := storage.GetBatchChildren(ctx, "bat_1")
	require.NoError(t, err)
	require.Len(t, gotChildren, 3)
	for i, child := range gotChildren {
		assert.Equal(t, i, child.BatchIndex)
		assert.Equal(t, "bat_1", child.BatchParentID)
	}
}

func TestJobStorage_CreateBatchTombstonesOnFailure(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	// Pre-existing record collides with the second child's ID
	require.NoError(t, storage.Create(ctx, newTestJob("job_dup", "alice")))

	parent := newTestJob("bat_fail", "alice")
	parent.JobType = models.JobTypeBatchParent

	children := []*models.JobRecord{
		newTestJob("job_ok", "alice"),
		newTestJob("job_dup", "alice"),
	}
	for _, c := range children {
		c.JobType = models.JobTypeBatchChild
	}

	err := storage.CreateBatch(ctx, parent, children)
	require.Error(t, err)

	_, err = storage.Get(ctx, "job_ok")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	_, err = storage.Get(ctx, "bat_fail")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_QueryCursorPagination(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 7; i++ {
		job := newTestJob(fmt.Sprintf("job_%02d", i), "alice")
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, storage.Create(ctx, job))
	}
	require.NoError(t, storage.Create(ctx, newTestJob("job_other", "bob")))

	seen := make(map[string]bool)
	cursor := ""
	pages := 0
	for {
		page, err := storage.Query(ctx, &interfaces.JobQuery{
			UserID: "alice",
			Limit:  3,
			Cursor: cursor,
		})
		require.NoError(t, err)
		assert.Equal(t, 7, page.Total)

		for _, job := range page.Jobs {
			assert.Equal(t, "alice", job.UserID)
			assert.False(t, seen[job.ID], "job %s returned twice", job.ID)
			seen[job.ID] = true
		}

		pages++
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 7)
}

func TestJobStorage_QueryNewestFirst(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		job := newTestJob(fmt.Sprintf("job_%d", i), "alice")
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, storage.Create(ctx, job))
	}

	page, err := storage.Query(ctx, &interfaces.JobQuery{UserID: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 3)
	assert.Equal(t, "job_2", page.Jobs[0].ID)
	assert.Equal(t, "job_0", page.Jobs[2].ID)
	assert.Empty(t, page.NextCursor)
}

func TestJobStorage_QueryStatusFilter(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	running := newTestJob("job_running", "alice")
	running.Status = models.JobStatusRunning
	require.NoError(t, storage.Create(ctx, running))
	require.NoError(t, storage.Create(ctx, newTestJob("job_pending", "alice")))

	page, err := storage.Query(ctx, &interfaces.JobQuery{
		UserID: "alice",
		Status: models.JobStatusRunning,
	})
	require.NoError(t, err)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, "job_running", page.Jobs[0].ID)
}

func TestJobStorage_BatchGet(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Create(ctx, newTestJob("job_a", "alice")))
	require.NoError(t, storage.Create(ctx, newTestJob("job_b", "alice")))

	jobs, err := storage.BatchGet(ctx, []string{"job_a", "job_missing", "job_b"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	tooMany := make([]string, 501)
	for i := range tooMany {
		tooMany[i] = fmt.Sprintf("job_%d", i)
	}
	_, err = storage.BatchGet(ctx, tooMany)
	assert.Error(t, err)
}

func TestJobStorage_FindByIdempotencyKey(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("job_idem", "alice")
	job.IdempotencyKey = "submit-42"
	require.NoError(t, storage.Create(ctx, job))

	got, err := storage.FindByIdempotencyKey(ctx, "alice", "submit-42")
	require.NoError(t, err)
	assert.Equal(t, "job_idem", got.ID)

	// Keys are scoped per user
	_, err = storage.FindByIdempotencyKey(ctx, "bob", "submit-42")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_FindByDispatchReceipt(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	job := newTestJob("job_receipt", "alice")
	job.DispatchReceipt = "fc-abc123"
	require.NoError(t, storage.Create(ctx, job))

	got, err := storage.FindByDispatchReceipt(ctx, "fc-abc123")
	require.NoError(t, err)
	assert.Equal(t, "job_receipt", got.ID)

	_, err = storage.FindByDispatchReceipt(ctx, "fc-unknown")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_Delete(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Create(ctx, newTestJob("job_del", "alice")))
	require.NoError(t, storage.Delete(ctx, "job_del"))

	_, err := storage.Get(ctx, "job_del")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	assert.ErrorIs(t, storage.Delete(ctx, "job_del"), interfaces.ErrJobNotFound)
}

// fakeOffloader stores blobs in memory keyed by a synthetic path
type fakeOffloader struct {
	blobs map[string][]byte
}

func (f *fakeOffloader) StoreResultBlob(ctx context.Context, job *models.JobRecord, data []byte) (string, error) {
	path := fmt.Sprintf("users/%s/jobs/%s/results.json", job.UserID, job.ID)
	f.blobs[path] = data
	return path, nil
}

func (f *fakeOffloader) LoadResultBlob(ctx context.Context, path string) ([]byte, error) {
	data, ok := f.blobs[path]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func TestJobStorage_OffloadsOversizedOutput(t *testing.T) {
	storage := newTestStorage(t)
	offloader := &fakeOffloader{blobs: make(map[string][]byte)}
	storage.SetOffloader(offloader)
	ctx := context.Background()

	job := newTestJob("job_big", "alice")
	require.NoError(t, storage.Create(ctx, job))

	completed := models.JobStatusCompleted
	big := strings.Repeat("x", inlineResultLimit+1)
	updated, err := storage.Update(ctx, job.ID, &interfaces.JobPatch{
		Status:     &completed,
		OutputData: map[string]interface{}{"affinity_table": big},
	})
	require.NoError(t, err)
	assert.True(t, updated.ResultsOffloaded())
	assert.Len(t, offloader.blobs, 1)

	// Reads rehydrate the full payload transparently
	got, err := storage.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.ResultsOffloaded())
	assert.Equal(t, big, got.OutputData["affinity_table"])
}

func TestJobStorage_SmallOutputStaysInline(t *testing.T) {
	storage := newTestStorage(t)
	offloader := &fakeOffloader{blobs: make(map[string][]byte)}
	storage.SetOffloader(offloader)
	ctx := context.Background()

	job := newTestJob("job_small", "alice")
	require.NoError(t, storage.Create(ctx, job))

	completed := models.JobStatusCompleted
	updated, err := storage.Update(ctx, job.ID, &interfaces.JobPatch{
		Status:     &completed,
		OutputData: map[string]interface{}{"affinity": 0.91},
	})
	require.NoError(t, err)
	assert.False(t, updated.ResultsOffloaded())
	assert.Empty(t, offloader.blobs)
}
