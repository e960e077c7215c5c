package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
)

// Service implements interfaces.StorageGateway over the configured object
// store backend.
type Service struct {
	store  interfaces.ObjectStore
	logger arbor.ILogger
}

// NewService creates the storage gateway
func NewService(store interfaces.ObjectStore, logger arbor.ILogger) *Service {
	return &Service{store: store, logger: logger}
}

func (s *Service) StoreJobResultAtomic(ctx context.Context, job *models.JobRecord, files []interfaces.ArtifactFile) error {
	txn := newTransaction(s.store, s.logger)
	for _, f := range files {
		if err := txn.stage(ctx, JobArtifactPath(job, f.Name), f.Data, f.ContentType); err != nil {
			txn.rollback(ctx, 0)
			return err
		}
	}
	if err := txn.commit(ctx); err != nil {
		return err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("prefix", JobPrefix(job)).
		Int("files", len(files)).
		Msg("Stored job artifacts")

	s.writeJobIndex(ctx, job)
	return nil
}

// writeJobIndex writes the best-effort search index entry. Failures are
// logged and never fail the enclosing operation.
func (s *Service) writeJobIndex(ctx context.Context, job *models.JobRecord) {
	entry := map[string]interface{}{
		"job_id":     job.ID,
		"user_id":    job.UserID,
		"job_name":   job.JobName,
		"job_type":   job.JobType,
		"task_type":  job.TaskType,
		"model_name": job.ModelName,
		"status":     job.Status,
		"indexed_at": time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to encode index entry")
		return
	}
	obj := &interfaces.Object{Data: data, ContentType: "application/json", Size: int64(len(data))}
	if err := s.store.Put(ctx, IndexPath(job.ID), obj); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to write index entry")
	}
}

func (s *Service) CreateBatchAggregationAtomic(ctx context.Context, userID, batchID string, aggregated, summary []byte, csv []byte) error {
	prefix := BatchPrefix(userID, batchID)

	txn := newTransaction(s.store, s.logger)
	if err := txn.stage(ctx, prefix+"/results/"+FileAggregated, aggregated, "application/json"); err != nil {
		txn.rollback(ctx, 0)
		return err
	}
	if err := txn.stage(ctx, prefix+"/results/"+FileSummary, summary, "application/json"); err != nil {
		txn.rollback(ctx, 0)
		return err
	}
	if err := txn.stage(ctx, prefix+"/"+FileBatchCSV, csv, "text/csv"); err != nil {
		txn.rollback(ctx, 0)
		return err
	}
	if err := txn.commit(ctx); err != nil {
		return err
	}

	s.logger.Info().
		Str("batch_id", batchID).
		Str("prefix", prefix).
		Msg("Stored batch aggregation artifacts")
	return nil
}

func (s *Service) WriteBatchIndex(ctx context.Context, parent *models.JobRecord, children []*models.JobRecord) error {
	childEntries := make([]map[string]interface{}, len(children))
	for i, child := range children {
		childEntries[i] = map[string]interface{}{
			"job_id":      child.ID,
			"batch_index": child.BatchIndex,
			"ligand_name": child.InputData["ligand_name"],
		}
	}
	meta := map[string]interface{}{
		"batch_id":   parent.ID,
		"user_id":    parent.UserID,
		"batch_name": parent.JobName,
		"model_name": parent.ModelName,
		"task_type":  parent.TaskType,
		"total_jobs": len(children),
		"priority":   parent.Priority,
		"created_at": parent.CreatedAt,
		"child_jobs": childEntries,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	txn := newTransaction(s.store, s.logger)
	if err := txn.stage(ctx, BatchPrefix(parent.UserID, parent.ID)+"/"+FileBatchMetadata, data, "application/json"); err != nil {
		return err
	}
	return txn.commit(ctx)
}

func (s *Service) DownloadJobArtifact(ctx context.Context, job *models.JobRecord, name string) (*interfaces.Object, error) {
	return s.fetch(ctx, JobArtifactPath(job, name))
}

func (s *Service) DownloadBatchArtifact(ctx context.Context, userID, batchID, name string) (*interfaces.Object, error) {
	path, err := BatchArtifactPath(userID, batchID, name)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, path)
}

// fetch reads an object and transparently decompresses gzip content
func (s *Service) fetch(ctx context.Context, path string) (*interfaces.Object, error) {
	obj, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if obj.ContentEncoding == "gzip" {
		data, err := gunzipBytes(obj.Data)
		if err != nil {
			return nil, err
		}
		obj.Data = data
		obj.Size = int64(len(data))
		obj.ContentEncoding = ""
	}
	return obj, nil
}

func (s *Service) ChildResultPath(userID, batchID, childID string) string {
	return ChildResultPath(userID, batchID, childID)
}

func (s *Service) StoreResultBlob(ctx context.Context, job *models.JobRecord, data []byte) (string, error) {
	path := JobArtifactPath(job, FileResults)

	obj := &interfaces.Object{Data: data, ContentType: "application/json", Size: int64(len(data))}
	if len(data) > compressionThreshold {
		compressed, err := gzipBytes(data)
		if err != nil {
			return "", err
		}
		obj.Data = compressed
		obj.Size = int64(len(compressed))
		obj.ContentEncoding = "gzip"
	}

	if err := s.store.Put(ctx, path, obj); err != nil {
		return "", err
	}
	return path, nil
}

func (s *Service) LoadResultBlob(ctx context.Context, path string) ([]byte, error) {
	obj, err := s.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	return obj.Data, nil
}

func (s *Service) MarkPrefixForCleanup(ctx context.Context, userID, ownerID string, isBatch bool) error {
	prefix := "users/" + userID + "/jobs/" + ownerID + "/"
	if isBatch {
		prefix = BatchPrefix(userID, ownerID) + "/"
	}

	// Deletion runs detached from the request; a crash mid-sweep leaves
	// orphans that a later delete of the same owner re-collects.
	go func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		paths, err := s.store.List(cleanupCtx, prefix)
		if err != nil {
			s.logger.Warn().Err(err).Str("prefix", prefix).Msg("Cleanup listing failed")
			return
		}
		deleted := 0
		for _, p := range paths {
			if err := s.store.Delete(cleanupCtx, p); err != nil {
				s.logger.Warn().Err(err).Str("path", p).Msg("Cleanup delete failed")
				continue
			}
			deleted++
		}
		s.logger.Info().
			Str("prefix", prefix).
			Int("deleted", deleted).
			Msg("Prefix cleanup finished")
	}()

	return nil
}

func (s *Service) Healthy(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := s.store.Exists(probeCtx, IndexPath("healthcheck"))
	return err == nil
}
