package interfaces

import (
	"context"

	"github.com/ternarybob/lattice/internal/models"
)

// ArtifactFile is one file of an atomic storage transaction
type ArtifactFile struct {
	// Name is the canonical filename (e.g. "results.json", "structure.cif")
	Name        string
	Data        []byte
	ContentType string
}

// StorageGateway owns the canonical object-store path schema and the atomic
// write protocol. No other component constructs storage paths.
type StorageGateway interface {
	// StoreJobResultAtomic writes a job's canonical artifacts in one
	// transaction: temp-prefix staging, validation, server-side copy to the
	// canonical destinations, temp cleanup. On failure every object written
	// for the transaction is removed.
	StoreJobResultAtomic(ctx context.Context, job *models.JobRecord, files []ArtifactFile) error

	// CreateBatchAggregationAtomic writes the three batch aggregation
	// artifacts (aggregated.json, summary.json, batch_results.csv) atomically,
	// replacing prior versions.
	CreateBatchAggregationAtomic(ctx context.Context, userID, batchID string, aggregated, summary []byte, csv []byte) error

	// WriteBatchIndex writes batch_metadata.json for a new batch parent
	WriteBatchIndex(ctx context.Context, parent *models.JobRecord, children []*models.JobRecord) error

	// DownloadJobArtifact fetches a canonical artifact for a job,
	// decompressing transparently
	DownloadJobArtifact(ctx context.Context, job *models.JobRecord, name string) (*Object, error)

	// DownloadBatchArtifact fetches a batch-level artifact
	DownloadBatchArtifact(ctx context.Context, userID, batchID, name string) (*Object, error)

	// ChildResultPath returns the canonical results.json path for a batch child
	ChildResultPath(userID, batchID, childID string) string

	// StoreResultBlob offloads an oversized output payload to the job's
	// canonical results path; LoadResultBlob rehydrates it.
	StoreResultBlob(ctx context.Context, job *models.JobRecord, data []byte) (string, error)
	LoadResultBlob(ctx context.Context, path string) ([]byte, error)

	// MarkPrefixForCleanup schedules asynchronous deletion of everything
	// under a job or batch prefix
	MarkPrefixForCleanup(ctx context.Context, userID, ownerID string, isBatch bool) error

	// Healthy reports whether the backing object store is reachable
	Healthy(ctx context.Context) bool
}
