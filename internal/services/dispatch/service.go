package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"golang.org/x/oauth2"
)

var inFlightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "lattice_dispatch_in_flight",
	Help: "Tasks currently in flight per dispatch lane",
}, []string{"lane"})

// dispatchIdempotencyTTL bounds how long a (user, idempotency key) maps to
// its original queue receipt.
const dispatchIdempotencyTTL = 24 * time.Hour

// Service implements interfaces.TaskDispatcher against the managed task
// queue's HTTP API. Two logical lanes carry work: interactive (individual
// jobs, high-priority batches) and bulk (everything else).
type Service struct {
	cfg       *common.QueueConfig
	workerURL string
	kv        interfaces.KeyValueStorage
	tokens    oauth2.TokenSource
	client    *http.Client
	logger    arbor.ILogger

	mu          sync.Mutex
	inFlight    map[interfaces.Lane]int
	ceilings    map[interfaces.Lane]int
	receiptLane map[string]interfaces.Lane
}

// NewService creates the dispatcher
func NewService(cfg *common.QueueConfig, oidc *common.OIDCConfig, workerURL string, kv interfaces.KeyValueStorage, logger arbor.ILogger) *Service {
	return &Service{
		cfg:       cfg,
		workerURL: workerURL,
		kv:        kv,
		tokens:    newTokenSource(oidc),
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		inFlight:  map[interfaces.Lane]int{},
		ceilings: map[interfaces.Lane]int{
			interfaces.LaneInteractive: cfg.InteractiveConcurrency,
			interfaces.LaneBulk:        cfg.BulkConcurrency,
		},
		receiptLane: make(map[string]interfaces.Lane),
	}
}

// laneFor routes individual jobs and high-priority batches to the
// interactive lane; batch children and normal/low priority to bulk.
func laneFor(job *models.JobRecord) interfaces.Lane {
	if job.JobType == models.JobTypeIndividual {
		return interfaces.LaneInteractive
	}
	if job.Priority == "high" {
		return interfaces.LaneInteractive
	}
	return interfaces.LaneBulk
}

func (s *Service) laneQueue(lane interfaces.Lane) string {
	if lane == interfaces.LaneInteractive {
		return s.cfg.InteractiveQueue
	}
	return s.cfg.BulkQueue
}

func (s *Service) queueURL(lane interfaces.Lane) string {
	return fmt.Sprintf("%s/v2/projects/%s/locations/%s/queues/%s/tasks",
		s.cfg.Endpoint, s.cfg.Project, s.cfg.Region, s.laneQueue(lane))
}

func idempotencyDispatchKey(userID, key string) string {
	return fmt.Sprintf("dispatch:%s:%s", userID, key)
}

func (s *Service) Dispatch(ctx context.Context, job *models.JobRecord) (string, error) {
	if job.IdempotencyKey != "" {
		if receipt, err := s.kv.Get(ctx, idempotencyDispatchKey(job.UserID, job.IdempotencyKey)); err == nil && receipt != "" {
			s.logger.Debug().
				Str("job_id", job.ID).
				Str("receipt", receipt).
				Msg("Dispatch resolved from idempotency key")
			return receipt, nil
		}
	}

	lane := laneFor(job)

	s.mu.Lock()
	if s.inFlight[lane] >= s.ceilings[lane] {
		s.mu.Unlock()
		return "", interfaces.ErrLaneAtCapacity
	}
	s.inFlight[lane]++
	s.mu.Unlock()
	inFlightGauge.WithLabelValues(string(lane)).Inc()

	receipt, err := s.enqueue(ctx, job, lane)
	if err != nil {
		s.mu.Lock()
		s.inFlight[lane]--
		s.mu.Unlock()
		inFlightGauge.WithLabelValues(string(lane)).Dec()
		return "", err
	}

	s.mu.Lock()
	s.receiptLane[receipt] = lane
	s.mu.Unlock()

	if job.IdempotencyKey != "" {
		if err := s.kv.Set(ctx, idempotencyDispatchKey(job.UserID, job.IdempotencyKey), receipt, dispatchIdempotencyTTL); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record dispatch idempotency key")
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("lane", string(lane)).
		Str("receipt", receipt).
		Msg("Task dispatched")
	return receipt, nil
}

// enqueue posts one task to the queue API. The task body is what the worker
// receives on POST /predict.
func (s *Service) enqueue(ctx context.Context, job *models.JobRecord, lane interfaces.Lane) (string, error) {
	workerPayload := map[string]interface{}{
		"job_id":           job.ID,
		"job_type":         job.JobType,
		"task_type":        job.TaskType,
		"model_name":       job.ModelName,
		"user_id":          job.UserID,
		"protein_sequence": job.InputData["protein_sequence"],
		"ligand_smiles":    job.InputData["ligand_smiles"],
		"ligand_name":      job.InputData["ligand_name"],
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	}
	if job.BatchParentID != "" {
		workerPayload["batch_parent_id"] = job.BatchParentID
	}
	body, err := json.Marshal(workerPayload)
	if err != nil {
		return "", err
	}

	task := map[string]interface{}{
		"http_request": map[string]interface{}{
			"url":    s.workerURL + "/predict",
			"method": "POST",
			"body":   body,
		},
	}
	if s.tokens != nil {
		token, err := s.tokens.Token()
		if err != nil {
			return "", fmt.Errorf("failed to obtain identity token: %w", err)
		}
		task["oidc_token"] = map[string]string{"token": token.AccessToken}
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.queueURL(lane), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("task queue unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("task queue returned %d: %s", resp.StatusCode, string(snippet))
	}

	var created struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("failed to decode enqueue response: %w", err)
	}
	if created.Name == "" {
		return "", fmt.Errorf("task queue returned no task name")
	}
	return created.Name, nil
}

func (s *Service) Lookup(ctx context.Context, receipt string) (*interfaces.TaskStatus, error) {
	lookupURL := fmt.Sprintf("%s/v2/tasks/%s", s.cfg.Endpoint, url.PathEscape(receipt))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task queue unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, interfaces.ErrTaskNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task lookup returned %d", resp.StatusCode)
	}

	var body struct {
		Name   string                  `json:"name"`
		State  string                  `json:"state"`
		Result *models.CompletionEvent `json:"result,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode task lookup response: %w", err)
	}

	return &interfaces.TaskStatus{
		Receipt: receipt,
		State:   interfaces.TaskState(body.State),
		Result:  body.Result,
	}, nil
}

func (s *Service) Cancel(ctx context.Context, receipt string) error {
	cancelURL := fmt.Sprintf("%s/v2/tasks/%s", s.cfg.Endpoint, url.PathEscape(receipt))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, cancelURL, nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("task queue unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("task cancel returned %d", resp.StatusCode)
	}

	s.Release(receipt)
	return nil
}

func (s *Service) Release(receipt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lane, ok := s.receiptLane[receipt]
	if !ok {
		return
	}
	delete(s.receiptLane, receipt)
	if s.inFlight[lane] > 0 {
		s.inFlight[lane]--
	}
	inFlightGauge.WithLabelValues(string(lane)).Dec()
}

func (s *Service) InFlight() map[interfaces.Lane]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[interfaces.Lane]int, len(s.inFlight))
	for lane, n := range s.inFlight {
		counts[lane] = n
	}
	return counts
}
