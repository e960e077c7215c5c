package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/gateway"
	badgerstore "github.com/ternarybob/lattice/internal/storage/badger"
	"github.com/ternarybob/lattice/internal/storage/object"
)

type aggregatorEnv struct {
	svc     *Service
	jobs    interfaces.JobStorage
	gateway interfaces.StorageGateway
	store   interfaces.ObjectStore
}

func newAggregatorEnv(t *testing.T) *aggregatorEnv {
	t.Helper()
	logger := arbor.NewLogger()

	db, err := badgerstore.Open(&common.BadgerConfig{Path: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	jobs := badgerstore.NewJobStorage(db, logger)

	store, err := object.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	gw := gateway.NewService(store, logger)

	return &aggregatorEnv{
		svc:     NewService(jobs, gw, nil, nil, logger),
		jobs:    jobs,
		gateway: gw,
		store:   store,
	}
}

// seedBatch creates a parent with n children, all still pending
func seedBatch(t *testing.T, env *aggregatorEnv, n int) (*models.JobRecord, []*models.JobRecord) {
	t.Helper()
	ctx := context.Background()

	parent := &models.JobRecord{
		ID:        "bat_1",
		JobType:   models.JobTypeBatchParent,
		TaskType:  models.TaskBatchProteinScreening,
		ModelName: "boltz2",
		JobName:   "screen-1",
		UserID:    "alice",
		Status:    models.JobStatusPending,
	}
	children := make([]*models.JobRecord, n)
	for i := range children {
		children[i] = &models.JobRecord{
			ID:         fmt.Sprintf("job_c%d", i),
			JobType:    models.JobTypeBatchChild,
			TaskType:   models.TaskProteinLigandBinding,
			ModelName:  "boltz2",
			UserID:     "alice",
			Status:     models.JobStatusPending,
			BatchIndex: i,
			InputData: map[string]interface{}{
				"ligand_name":   fmt.Sprintf("ligand-%d", i),
				"ligand_smiles": "CCO",
				"protein_name":  "insulin",
			},
		}
	}
	require.NoError(t, env.jobs.CreateBatch(ctx, parent, children))
	return parent, children
}

// completeChild drives a child to completed and stores its results.json
func completeChild(t *testing.T, env *aggregatorEnv, child *models.JobRecord, affinity float64) {
	t.Helper()
	ctx := context.Background()

	result := map[string]interface{}{
		"ligand_name":            child.InputData["ligand_name"],
		"affinity":               affinity,
		"confidence":             0.9,
		"ptm_score":              0.7,
		"iptm_score":             0.6,
		"plddt_score":            80.0,
		"execution_time_seconds": 60.0,
	}
	data, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, env.gateway.StoreJobResultAtomic(ctx, child, []interfaces.ArtifactFile{
		{Name: "results.json", Data: data, ContentType: "application/json"},
	}))

	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning, models.JobStatusCompleted} {
		s := status
		_, err := env.jobs.Update(ctx, child.ID, &interfaces.JobPatch{Status: &s})
		require.NoError(t, err)
	}
}

func failChild(t *testing.T, env *aggregatorEnv, child *models.JobRecord) {
	t.Helper()
	ctx := context.Background()
	failed := models.JobStatusFailed
	_, err := env.jobs.Update(ctx, child.ID, &interfaces.JobPatch{Status: &failed})
	require.NoError(t, err)
}

func TestComputeStats(t *testing.T) {
	stats := computeStats([]float64{0.2, 0.8, 0.5})
	assert.InDelta(t, 0.2, stats.Min, 1e-9)
	assert.InDelta(t, 0.8, stats.Max, 1e-9)
	assert.InDelta(t, 0.5, stats.Mean, 1e-9)
	assert.InDelta(t, 0.5, stats.Median, 1e-9)
	assert.InDelta(t, 0.2449, stats.StdDev, 1e-3)

	empty := computeStats(nil)
	assert.Zero(t, empty.Mean)
}

func TestBuildSummary_HistogramAndPerformers(t *testing.T) {
	results := []models.ChildResult{
		{LigandName: "strong", Affinity: 0.9},
		{LigandName: "medium", Affinity: 0.5},
		{LigandName: "weak", Affinity: 0.1},
	}
	summary := buildSummary(results, 3, 3, 0, 0)
	assert.Equal(t, 1, summary.HighAffinity)
	assert.Equal(t, 1, summary.MediumAffinity)
	assert.Equal(t, 1, summary.LowAffinity)
	assert.Equal(t, "strong", summary.BestPerformer)
	assert.Equal(t, "weak", summary.WorstPerformer)
}

func TestBuildCSV_FixedColumnOrder(t *testing.T) {
	data, err := buildCSV([]models.ChildResult{
		{JobID: "job_1", LigandName: "ethanol", ProteinName: "insulin", Affinity: 0.91, HasStructure: true},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "job_id,ligand_name,protein_name,affinity,confidence,ptm_score,iptm_score,plddt_score,execution_time,has_structure", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "job_1,ethanol,insulin,0.91,"))
	assert.True(t, strings.HasSuffix(lines[1], ",true"))
}

func TestOnChildTerminal_TracksProgress(t *testing.T) {
	env := newAggregatorEnv(t)
	ctx := context.Background()
	_, children := seedBatch(t, env, 3)

	completeChild(t, env, children[0], 0.9)
	require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", children[0].ID, models.JobStatusCompleted))

	parent, err := env.jobs.Get(ctx, "bat_1")
	require.NoError(t, err)
	require.NotNil(t, parent.BatchProgress)
	assert.Equal(t, 1, parent.BatchProgress.Completed)
	assert.Equal(t, 3, parent.BatchProgress.Total)
	assert.False(t, parent.Status.IsTerminal())
}

func TestOnChildTerminal_FinalizesBatch(t *testing.T) {
	env := newAggregatorEnv(t)
	ctx := context.Background()
	_, children := seedBatch(t, env, 3)

	completeChild(t, env, children[0], 0.9)
	completeChild(t, env, children[1], 0.3)
	failChild(t, env, children[2])

	for _, child := range children {
		require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", child.ID, child.Status))
	}

	parent, err := env.jobs.Get(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPartiallyCompleted, parent.Status)
	assert.Equal(t, 2, parent.BatchProgress.Completed)
	assert.Equal(t, 1, parent.BatchProgress.Failed)
	assert.InDelta(t, 100.0, parent.BatchProgress.Percentage, 1e-9)

	// Aggregation artifacts materialized
	obj, err := env.gateway.DownloadBatchArtifact(ctx, "alice", "bat_1", gateway.FileAggregated)
	require.NoError(t, err)

	var aggregated struct {
		Jobs    []models.ChildResult `json:"jobs"`
		Summary models.BatchSummary  `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(obj.Data, &aggregated))
	assert.Len(t, aggregated.Jobs, 2)
	assert.Equal(t, 3, aggregated.Summary.TotalJobs)
	assert.Equal(t, 2, aggregated.Summary.CompletedJobs)
	assert.Equal(t, 1, aggregated.Summary.FailedJobs)
	assert.Equal(t, "ligand-0", aggregated.Summary.BestPerformer)

	csvObj, err := env.gateway.DownloadBatchArtifact(ctx, "alice", "bat_1", gateway.FileBatchCSV)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvObj.Data)), "\n")
	assert.Len(t, lines, 3, "header plus one row per completed child")
}

func TestOnChildTerminal_AllCompleted(t *testing.T) {
	env := newAggregatorEnv(t)
	ctx := context.Background()
	_, children := seedBatch(t, env, 2)

	for _, child := range children {
		completeChild(t, env, child, 0.8)
		require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", child.ID, models.JobStatusCompleted))
	}

	parent, err := env.jobs.Get(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, parent.Status)
	assert.InDelta(t, 100.0, parent.BatchProgress.SuccessRate, 1e-9)
}

func TestOnChildTerminal_AllFailed(t *testing.T) {
	env := newAggregatorEnv(t)
	ctx := context.Background()
	_, children := seedBatch(t, env, 2)

	for _, child := range children {
		failChild(t, env, child)
		require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", child.ID, models.JobStatusFailed))
	}

	parent, err := env.jobs.Get(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, parent.Status)
}

func TestOnChildTerminal_DuplicateNotification(t *testing.T) {
	env := newAggregatorEnv(t)
	ctx := context.Background()
	_, children := seedBatch(t, env, 2)

	completeChild(t, env, children[0], 0.9)
	require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", children[0].ID, models.JobStatusCompleted))
	// Counters recount from child state; duplicates do not double-count
	require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", children[0].ID, models.JobStatusCompleted))

	parent, err := env.jobs.Get(ctx, "bat_1")
	require.NoError(t, err)
	assert.Equal(t, 1, parent.BatchProgress.Completed)
}

func TestAggregate_Idempotent(t *testing.T) {
	env := newAggregatorEnv(t)
	ctx := context.Background()
	_, children := seedBatch(t, env, 2)

	for _, child := range children {
		completeChild(t, env, child, 0.7)
		require.NoError(t, env.svc.OnChildTerminal(ctx, "bat_1", child.ID, models.JobStatusCompleted))
	}

	require.NoError(t, env.svc.Aggregate(ctx, "bat_1"))

	obj, err := env.gateway.DownloadBatchArtifact(ctx, "alice", "bat_1", gateway.FileSummary)
	require.NoError(t, err)

	var summary models.BatchSummary
	require.NoError(t, json.Unmarshal(obj.Data, &summary))
	assert.Equal(t, 2, summary.CompletedJobs)
}
