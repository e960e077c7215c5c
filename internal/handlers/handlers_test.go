package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/aggregator"
	"github.com/ternarybob/lattice/internal/services/completion"
	"github.com/ternarybob/lattice/internal/services/events"
	"github.com/ternarybob/lattice/internal/services/gateway"
	jobsvc "github.com/ternarybob/lattice/internal/services/jobs"
	"github.com/ternarybob/lattice/internal/services/kv"
	"github.com/ternarybob/lattice/internal/services/quota"
	"github.com/ternarybob/lattice/internal/services/ratelimit"
	badgerstore "github.com/ternarybob/lattice/internal/storage/badger"
	"github.com/ternarybob/lattice/internal/storage/object"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	cancelled  []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job *models.JobRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeDispatcher) Release(receipt string) {}

func (f *fakeDispatcher) InFlight() map[interfaces.Lane]int {
	return map[interfaces.Lane]int{interfaces.LaneInteractive: 1, interfaces.LaneBulk: 2}
}

const devSecret = "handler-test-secret"

type handlerEnv struct {
	jobs        interfaces.JobStorage
	kvStore     *kv.MemoryStore
	gateway     *gateway.Service
	dispatcher  *fakeDispatcher
	events      interfaces.EventService
	jobSvc      *jobsvc.Service
	completions *completion.Service

	job     *JobHandler
	batch   *BatchHandler
	webhook *WebhookHandler
	system  *SystemHandler
}

func newHandlerEnv(t *testing.T, readPerMin int) *handlerEnv {
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
	limiter := ratelimit.NewService(kvStore, 100, readPerMin, 30, logger)
	dispatcher := &fakeDispatcher{}
	eventSvc := events.NewService(logger)
	agg := aggregator.NewService(jobs, gw, eventSvc, ledger, logger)

	jobSvc := jobsvc.NewService(jobs, gw, ledger, limiter, dispatcher, agg, eventSvc, logger)
	completions := completion.NewService(jobs, gw, ledger, dispatcher, agg, eventSvc, logger)
	verifier := completion.NewVerifier(&common.OIDCConfig{
		Audience:       "lattice",
		ServiceAccount: "queue@tasks.example.com",
		DevSecret:      devSecret,
	}, logger)

	return &handlerEnv{
		jobs:        jobs,
		kvStore:     kvStore,
		gateway:     gw,
		dispatcher:  dispatcher,
		events:      eventSvc,
		jobSvc:      jobSvc,
		completions: completions,
		job:         NewJobHandler(jobSvc, limiter, logger),
		batch:       NewBatchHandler(jobSvc, limiter, logger),
		webhook:     NewWebhookHandler(verifier, completions, logger),
		system:      NewSystemHandler(jobs, gw, kvStore, dispatcher, logger),
	}
}

func postJSON(t *testing.T, handler http.HandlerFunc, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func submitJob(t *testing.T, env *handlerEnv, name string) *models.JobResponse {
	t.Helper()
	rec := postJSON(t, env.job.PredictHandler, "/api/v1/predict", map[string]interface{}{
		"model":            "boltz2",
		"protein_sequence": "GIVEQCCTSICSLYQLENYCN",
		"ligand_smiles":    "CCO",
		"job_name":         name,
		"user_id":          "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func devToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud":   "lattice",
		"email": "queue@tasks.example.com",
		"exp":   time.Now().Add(time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte(devSecret))
	require.NoError(t, err)
	return signed
}

func TestPredictHandler_Accepted(t *testing.T) {
	env := newHandlerEnv(t, 120)

	resp := submitJob(t, env, "T1")
	assert.Equal(t, models.JobStatusQueued, resp.Status)
	assert.NotEmpty(t, resp.JobID)
}

func TestPredictHandler_InvalidBody(t *testing.T) {
	env := newHandlerEnv(t, 120)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/predict", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.job.PredictHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPredictHandler_ValidationError(t *testing.T) {
	env := newHandlerEnv(t, 120)

	rec := postJSON(t, env.job.PredictHandler, "/api/v1/predict", map[string]interface{}{
		"model":   "boltz2",
		"user_id": "alice",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Error models.APIError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.ErrKindValidation, body.Error.Kind)
}

func TestGetJobHandler_OwnershipAndNotFound(t *testing.T) {
	env := newHandlerEnv(t, 120)
	resp := submitJob(t, env, "T1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID+"?user_id=alice", nil)
	rec := httptest.NewRecorder()
	env.job.GetJobHandler(rec, req, resp.JobID)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID+"?user_id=bob", nil)
	rec = httptest.NewRecorder()
	env.job.GetJobHandler(rec, req, resp.JobID)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing?user_id=alice", nil)
	rec = httptest.NewRecorder()
	env.job.GetJobHandler(rec, req, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// No principal at all
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID, nil)
	rec = httptest.NewRecorder()
	env.job.GetJobHandler(rec, req, resp.JobID)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobsHandler(t *testing.T) {
	env := newHandlerEnv(t, 120)
	submitJob(t, env, "T1")
	submitJob(t, env, "T2")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?user_id=alice&limit=10", nil)
	rec := httptest.NewRecorder()
	env.job.ListJobsHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list models.JobListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 2)
}

func TestCancelAndDeleteJobHandlers(t *testing.T) {
	env := newHandlerEnv(t, 120)
	resp := submitJob(t, env, "T1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+resp.JobID+"/cancel?user_id=alice", nil)
	rec := httptest.NewRecorder()
	env.job.CancelJobHandler(rec, req, resp.JobID)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A second cancel conflicts: the job is already terminal
	rec = httptest.NewRecorder()
	env.job.CancelJobHandler(rec, httptest.NewRequest(http.MethodPost, "/x?user_id=alice", nil), resp.JobID)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+resp.JobID+"?user_id=alice", nil)
	rec = httptest.NewRecorder()
	env.job.DeleteJobHandler(rec, req, resp.JobID)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := env.jobs.Get(context.Background(), resp.JobID)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestDownloadFileHandler_UnknownKind(t *testing.T) {
	env := newHandlerEnv(t, 120)
	resp := submitJob(t, env, "T1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID+"/files/exe?user_id=alice", nil)
	rec := httptest.NewRecorder()
	env.job.DownloadFileHandler(rec, req, resp.JobID, "exe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportBatchHandler_StillInProgress(t *testing.T) {
	env := newHandlerEnv(t, 120)

	rec := postJSON(t, env.batch.BatchPredictHandler, "/api/v1/predict/batch", map[string]interface{}{
		"model":            "boltz2",
		"protein_sequence": "GIVEQCCTSICSLYQLENYCN",
		"batch_name":       "B1",
		"user_id":          "alice",
		"ligands": []map[string]string{
			{"name": "ligand-0", "smiles": "CCO"},
			{"name": "ligand-1", "smiles": "CCN"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var batch models.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/batches/"+batch.BatchID+"/export?format=csv&user_id=alice", nil)
	out := httptest.NewRecorder()
	env.batch.ExportBatchHandler(out, req, batch.BatchID)
	assert.Equal(t, http.StatusConflict, out.Code)
}

func TestWebhookHandler_RequiresToken(t *testing.T) {
	env := newHandlerEnv(t, 120)

	req := httptest.NewRequest(http.MethodPost, "/api/v3/webhooks/completion", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	env.webhook.CompletionHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v3/webhooks/completion", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	env.webhook.CompletionHandler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookHandler_AppliesAndDeduplicates(t *testing.T) {
	env := newHandlerEnv(t, 120)
	resp := submitJob(t, env, "T1")
	token := devToken(t)

	event := map[string]interface{}{
		"job_id":                 resp.JobID,
		"modal_call_id":          "call-1",
		"status":                 "success",
		"result":                 map[string]interface{}{"affinity": 0.91},
		"execution_time_seconds": 42.0,
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v3/webhooks/completion", bytes.NewReader(data))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		env.webhook.CompletionHandler(rec, req)
		return rec
	}

	rec := deliver()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var ack struct {
		Status  string `json:"status"`
		Applied bool   `json:"applied"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Applied)

	job, err := env.jobs.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	// Queue redelivery is acknowledged without a second transition
	rec = deliver()
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.False(t, ack.Applied)
}

func TestWebhookHandler_MissingIdentifiers(t *testing.T) {
	env := newHandlerEnv(t, 120)

	req := httptest.NewRequest(http.MethodPost, "/api/v3/webhooks/completion",
		strings.NewReader(`{"status":"success"}`))
	req.Header.Set("Authorization", "Bearer "+devToken(t))
	rec := httptest.NewRecorder()
	env.webhook.CompletionHandler(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSystemStatusHandler(t *testing.T) {
	env := newHandlerEnv(t, 120)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/status", nil)
	rec := httptest.NewRecorder()
	env.system.StatusHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status models.SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "v1", status.APIVersion)
	assert.Equal(t, "ok", status.Components["job_store"])
	assert.EqualValues(t, 3, status.Statistics["in_flight_tasks"])
}

func TestReadRateLimit(t *testing.T) {
	env := newHandlerEnv(t, 1)
	resp := submitJob(t, env, "T1")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID+"?user_id=alice", nil)
	rec := httptest.NewRecorder()
	env.job.GetJobHandler(rec, req, resp.JobID)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	env.job.GetJobHandler(rec, req, resp.JobID)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestWebSocketBroadcast(t *testing.T) {
	logger := arbor.NewLogger()
	eventSvc := events.NewService(logger)
	handler := NewWebSocketHandler(eventSvc, logger)

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello WSMessage
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "hello", hello.Type)

	err = eventSvc.PublishSync(context.Background(), interfaces.Event{
		Type:      interfaces.EventJobStatus,
		JobID:     "job-1",
		UserID:    "alice",
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)

	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(interfaces.EventJobStatus), msg.Type)
}
