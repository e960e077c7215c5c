package gateway

import (
	"fmt"
	"path"
	"strings"

	"github.com/ternarybob/lattice/internal/models"
)

// The gateway owns the canonical object-store layout. No other component
// constructs storage paths; writes outside this schema are refused.
//
//	users/{user_id}/jobs/{job_id}/...
//	users/{user_id}/batches/{batch_id}/...
//	users/{user_id}/batches/{batch_id}/jobs/{child_id}/...
//	temp/{txn_id}/...
//	index/jobs/{job_id}.json

// Canonical artifact filenames
const (
	FileResults       = "results.json"
	FileMetadata      = "metadata.json"
	FileStructureCIF  = "structure.cif"
	FileStructurePDB  = "structure.pdb"
	FileBatchMetadata = "batch_metadata.json"
	FileAggregated    = "aggregated.json"
	FileSummary       = "summary.json"
	FileBatchCSV      = "batch_results.csv"
)

// compressible lists destination filenames that are gzip-compressed in
// transit when they exceed the compression threshold.
var compressible = map[string]bool{
	FileResults:          true,
	FileAggregated:       true,
	"batch_results.json": true,
	FileStructureCIF:     true,
	FileStructurePDB:     true,
}

func isCompressible(dst string) bool {
	return compressible[path.Base(dst)]
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

// JobPrefix returns the canonical prefix for a job's artifacts. Batch
// children live under their parent's batch prefix.
func JobPrefix(job *models.JobRecord) string {
	if job.IsBatchChild() {
		return fmt.Sprintf("users/%s/batches/%s/jobs/%s", job.UserID, job.BatchParentID, job.ID)
	}
	return fmt.Sprintf("users/%s/jobs/%s", job.UserID, job.ID)
}

// JobArtifactPath returns the canonical path of one named artifact for a job
func JobArtifactPath(job *models.JobRecord, name string) string {
	return JobPrefix(job) + "/" + name
}

// BatchPrefix returns the canonical prefix for a batch
func BatchPrefix(userID, batchID string) string {
	return fmt.Sprintf("users/%s/batches/%s", userID, batchID)
}

// BatchArtifactPath maps a batch-level artifact name to its canonical path
func BatchArtifactPath(userID, batchID, name string) (string, error) {
	prefix := BatchPrefix(userID, batchID)
	switch name {
	case FileBatchMetadata, FileBatchCSV:
		return prefix + "/" + name, nil
	case FileAggregated, FileSummary:
		return prefix + "/results/" + name, nil
	default:
		return "", fmt.Errorf("unknown batch artifact %q", name)
	}
}

// ChildResultPath returns the canonical results.json path for a batch child
func ChildResultPath(userID, batchID, childID string) string {
	return fmt.Sprintf("users/%s/batches/%s/jobs/%s/%s", userID, batchID, childID, FileResults)
}

// IndexPath returns the best-effort search index entry for a job
func IndexPath(jobID string) string {
	return fmt.Sprintf("index/jobs/%s.json", jobID)
}

func tempPath(txnID, dst string) string {
	return fmt.Sprintf("temp/%s/%s", txnID, dst)
}

// validateCanonical refuses destination paths outside the canonical schema
func validateCanonical(dst string) error {
	segments := strings.Split(dst, "/")
	for _, seg := range segments {
		if !validSegment(seg) {
			return fmt.Errorf("invalid path segment in %q", dst)
		}
	}

	switch segments[0] {
	case "users":
		// users/{user}/jobs/{job}/{file}
		// users/{user}/batches/{batch}/{file}
		// users/{user}/batches/{batch}/results/{file}
		// users/{user}/batches/{batch}/jobs/{child}/{file}
		if len(segments) < 5 {
			return fmt.Errorf("path %q does not match the canonical schema", dst)
		}
		switch segments[2] {
		case "jobs":
			if len(segments) == 5 {
				return nil
			}
		case "batches":
			switch {
			case len(segments) == 5:
				return nil
			case len(segments) == 6 && segments[4] == "results":
				return nil
			case len(segments) == 7 && segments[4] == "jobs":
				return nil
			}
		}
		return fmt.Errorf("path %q does not match the canonical schema", dst)
	case "index":
		if len(segments) == 3 && segments[1] == "jobs" {
			return nil
		}
		return fmt.Errorf("path %q does not match the canonical schema", dst)
	default:
		return fmt.Errorf("path %q is outside the canonical roots", dst)
	}
}
