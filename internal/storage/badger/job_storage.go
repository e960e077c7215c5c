package badger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// inlineResultLimit is the largest output_data payload stored inline on the
// record; anything bigger is offloaded to object storage behind a pointer.
const inlineResultLimit = 900 * 1024

const (
	cacheTTL          = 2 * time.Minute
	batchGetMaxIDs    = 500
	defaultQueryLimit = 20
	maxQueryLimit     = 100
)

// ResultOffloader stores oversized output payloads in object storage. The
// storage gateway provides the implementation; it is attached after
// construction to keep the storage layer free of a gateway dependency.
type ResultOffloader interface {
	StoreResultBlob(ctx context.Context, job *models.JobRecord, data []byte) (string, error)
	LoadResultBlob(ctx context.Context, path string) ([]byte, error)
}

// JobStorage implements interfaces.JobStorage over badgerhold
type JobStorage struct {
	db        *BadgerDB
	logger    arbor.ILogger
	cache     *recordCache
	locks     *common.KeyedMutex
	offloader ResultOffloader
}

// NewJobStorage creates the badger-backed job store
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
		cache:  newRecordCache(cacheTTL),
		locks:  common.NewKeyedMutex(),
	}
}

// SetOffloader attaches the large-result offloader
func (s *JobStorage) SetOffloader(o ResultOffloader) {
	s.offloader = o
}

func (s *JobStorage) Create(ctx context.Context, job *models.JobRecord) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	now := time.Now().UTC()
	job.SchemaVersion = models.SchemaVersion
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.maybeOffload(ctx, job); err != nil {
		return err
	}

	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.invalidateFor(job)
	return nil
}

func (s *JobStorage) CreateBatch(ctx context.Context, parent *models.JobRecord, children []*models.JobRecord) error {
	if parent.ID == "" {
		return fmt.Errorf("parent ID is required")
	}

	// Children first, parent last with the full child list. A failed child
	// insert tombstones everything written so far.
	inserted := make([]string, 0, len(children))
	for _, child := range children {
		child.BatchParentID = parent.ID
		if err := s.Create(ctx, child); err != nil {
			s.tombstone(inserted)
			return fmt.Errorf("failed to create batch child %s: %w", child.ID, err)
		}
		inserted = append(inserted, child.ID)
	}

	childIDs := make([]string, len(children))
	for i, child := range children {
		childIDs[i] = child.ID
	}
	parent.BatchChildIDs = childIDs

	if err := s.Create(ctx, parent); err != nil {
		s.tombstone(inserted)
		return fmt.Errorf("failed to create batch parent: %w", err)
	}

	s.cache.invalidatePrefix("batch_children:" + parent.ID)
	return nil
}

// tombstone removes partially created batch records after a failed insert
func (s *JobStorage) tombstone(ids []string) {
	for _, id := range ids {
		if err := s.db.Store().Delete(id, &models.JobRecord{}); err != nil {
			s.logger.Warn().Err(err).Str("job_id", id).Msg("Failed to tombstone partial batch insert")
		}
		s.cache.invalidate("job:" + id)
	}
}

func (s *JobStorage) Update(ctx context.Context, jobID string, patch *interfaces.JobPatch) (*models.JobRecord, error) {
	s.locks.Lock(jobID)
	defer s.locks.Unlock(jobID)

	var job models.JobRecord
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job for update: %w", err)
	}

	now := time.Now().UTC()

	if patch.Status != nil && *patch.Status != job.Status {
		if !job.Status.CanTransitionTo(*patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", interfaces.ErrStatusRegression, job.Status, *patch.Status)
		}
		job.Status = *patch.Status
		switch {
		case job.Status == models.JobStatusRunning:
			job.StartedAt = &now
		case job.Status.IsTerminal():
			job.CompletedAt = &now
		}
	}
	if patch.OutputData != nil {
		job.OutputData = patch.OutputData
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	if patch.DispatchReceipt != nil {
		job.DispatchReceipt = *patch.DispatchReceipt
	}
	if patch.BatchProgress != nil {
		job.BatchProgress = patch.BatchProgress
	}
	job.UpdatedAt = now

	if err := s.maybeOffload(ctx, &job); err != nil {
		return nil, err
	}

	if err := s.db.Store().Upsert(job.ID, &job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	s.invalidateFor(&job)
	return &job, nil
}

func (s *JobStorage) Get(ctx context.Context, jobID string) (*models.JobRecord, error) {
	if cached, ok := s.cache.get("job:" + jobID); ok {
		return cached.(*models.JobRecord), nil
	}

	var job models.JobRecord
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, interfaces.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if job.SchemaVersion > models.SchemaVersion {
		return nil, fmt.Errorf("job %s has unknown schema version %d", jobID, job.SchemaVersion)
	}

	if err := s.rehydrate(ctx, &job); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to rehydrate offloaded results")
	}

	s.cache.set("job:"+jobID, &job)
	return &job, nil
}

func (s *JobStorage) BatchGet(ctx context.Context, ids []string) ([]*models.JobRecord, error) {
	if len(ids) > batchGetMaxIDs {
		return nil, fmt.Errorf("batch get limited to %d ids, got %d", batchGetMaxIDs, len(ids))
	}

	jobs := make([]*models.JobRecord, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			if err == interfaces.ErrJobNotFound {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *JobStorage) Query(ctx context.Context, q *interfaces.JobQuery) (*interfaces.JobPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	cacheKey := ""
	if q.Cursor == "" && q.UserID != "" {
		cacheKey = fmt.Sprintf("user_jobs:%s:%s:%s:%s:%d", q.UserID, q.Status, q.JobType, q.Model, limit)
		if cached, ok := s.cache.get(cacheKey); ok {
			return cached.(*interfaces.JobPage), nil
		}
	}

	query := badgerhold.Where("ID").Ne("")
	if q.UserID != "" {
		query = query.And("UserID").Eq(q.UserID)
	}
	if q.Status != "" {
		query = query.And("Status").Eq(q.Status)
	}
	if q.JobType != "" {
		query = query.And("JobType").Eq(q.JobType)
	}
	if q.Model != "" {
		query = query.And("ModelName").Eq(q.Model)
	}
	query = query.SortBy("CreatedAt", "ID").Reverse()

	var all []models.JobRecord
	if err := s.db.Store().Find(&all, query); err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}

	start := 0
	if q.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		for i := range all {
			if all[i].CreatedAt.Before(cursorTime) ||
				(all[i].CreatedAt.Equal(cursorTime) && all[i].ID != cursorID && all[i].ID < cursorID) {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + limit
	if end > len(all) {
		end = len(all)
	}

	page := &interfaces.JobPage{Total: len(all)}
	for i := start; i < end; i++ {
		job := all[i]
		page.Jobs = append(page.Jobs, &job)
	}
	if end < len(all) && len(page.Jobs) > 0 {
		last := page.Jobs[len(page.Jobs)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	if cacheKey != "" {
		s.cache.set(cacheKey, page)
	}
	return page, nil
}

func (s *JobStorage) GetBatchChildren(ctx context.Context, parentID string) ([]*models.JobRecord, error) {
	cacheKey := "batch_children:" + parentID
	if cached, ok := s.cache.get(cacheKey); ok {
		return cached.([]*models.JobRecord), nil
	}

	var children []models.JobRecord
	query := badgerhold.Where("BatchParentID").Eq(parentID).SortBy("BatchIndex")
	if err := s.db.Store().Find(&children, query); err != nil {
		return nil, fmt.Errorf("failed to get batch children: %w", err)
	}

	result := make([]*models.JobRecord, len(children))
	for i := range children {
		result[i] = &children[i]
	}

	s.cache.set(cacheKey, result)
	return result, nil
}

func (s *JobStorage) FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.JobRecord, error) {
	var jobs []models.JobRecord
	query := badgerhold.Where("UserID").Eq(userID).And("IdempotencyKey").Eq(key).Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query idempotency key: %w", err)
	}
	if len(jobs) == 0 {
		return nil, interfaces.ErrJobNotFound
	}
	return &jobs[0], nil
}

func (s *JobStorage) FindByDispatchReceipt(ctx context.Context, receipt string) (*models.JobRecord, error) {
	var jobs []models.JobRecord
	query := badgerhold.Where("DispatchReceipt").Eq(receipt).Limit(1)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to query dispatch receipt: %w", err)
	}
	if len(jobs) == 0 {
		return nil, interfaces.ErrJobNotFound
	}
	return &jobs[0], nil
}

func (s *JobStorage) Delete(ctx context.Context, jobID string) error {
	var job models.JobRecord
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return interfaces.ErrJobNotFound
		}
		return fmt.Errorf("failed to get job for delete: %w", err)
	}

	if err := s.db.Store().Delete(jobID, &models.JobRecord{}); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	s.invalidateFor(&job)
	return nil
}

func (s *JobStorage) Close() error {
	return s.db.Close()
}

// maybeOffload replaces oversized output payloads with a pointer record and
// writes the full blob to the canonical results path.
func (s *JobStorage) maybeOffload(ctx context.Context, job *models.JobRecord) error {
	if job.OutputData == nil || job.ResultsOffloaded() || s.offloader == nil {
		return nil
	}
	data, err := json.Marshal(job.OutputData)
	if err != nil {
		return fmt.Errorf("failed to serialize output data: %w", err)
	}
	if len(data) <= inlineResultLimit {
		return nil
	}

	path, err := s.offloader.StoreResultBlob(ctx, job, data)
	if err != nil {
		return fmt.Errorf("failed to offload output data: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("size_bytes", len(data)).
		Str("path", path).
		Msg("Offloaded oversized output data to object storage")

	job.OutputData = map[string]interface{}{
		"results_in_object_store": true,
		"path":                    path,
		"size_bytes":              len(data),
	}
	return nil
}

// rehydrate restores offloaded output data on read
func (s *JobStorage) rehydrate(ctx context.Context, job *models.JobRecord) error {
	if !job.ResultsOffloaded() || s.offloader == nil {
		return nil
	}
	path, _ := job.OutputData["path"].(string)
	if path == "" {
		return fmt.Errorf("offloaded record for job %s has no path", job.ID)
	}
	data, err := s.offloader.LoadResultBlob(ctx, path)
	if err != nil {
		return err
	}
	var output map[string]interface{}
	if err := json.Unmarshal(data, &output); err != nil {
		return fmt.Errorf("failed to decode offloaded results: %w", err)
	}
	job.OutputData = output
	return nil
}

func (s *JobStorage) invalidateFor(job *models.JobRecord) {
	s.cache.invalidate("job:" + job.ID)
	s.cache.invalidatePrefix("user_jobs:" + job.UserID)
	if job.BatchParentID != "" {
		s.cache.invalidatePrefix("batch_children:" + job.BatchParentID)
	}
	if job.IsBatchParent() {
		s.cache.invalidatePrefix("batch_children:" + job.ID)
	}
}

func encodeCursor(t time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", t.UTC().Format(time.RFC3339Nano), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return t, parts[1], nil
}
