package jobs

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/lattice/internal/interfaces"
	"github.com/ternarybob/lattice/internal/models"
	"github.com/ternarybob/lattice/internal/services/gateway"
)

// Artifact is a downloadable payload with its serving metadata
type Artifact struct {
	Data        []byte
	ContentType string
	Filename    string
}

// artifactKinds maps the public download kinds to canonical filenames
var artifactKinds = map[string]struct {
	file        string
	contentType string
}{
	"cif":  {gateway.FileStructureCIF, "chemical/x-cif"},
	"pdb":  {gateway.FileStructurePDB, "chemical/x-pdb"},
	"json": {gateway.FileResults, "application/json"},
}

// DownloadJobArtifact fetches one canonical artifact for a completed job
func (s *Service) DownloadJobArtifact(ctx context.Context, userID, jobID, kind string) (*Artifact, error) {
	spec, ok := artifactKinds[kind]
	if !ok {
		return nil, models.NewAPIError(models.ErrKindValidation,
			fmt.Sprintf("unknown artifact kind %q, expected cif, pdb, or json", kind))
	}

	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusCompleted || !job.FilesStored() {
		return nil, models.NewAPIError(models.ErrKindNotFound, "job has no stored artifacts")
	}

	obj, err := s.gateway.DownloadJobArtifact(ctx, job, spec.file)
	if errors.Is(err, interfaces.ErrObjectNotFound) {
		return nil, models.NewAPIError(models.ErrKindNotFound,
			fmt.Sprintf("artifact %s not found for job %s", spec.file, jobID))
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrKindStorageUnavailable, "object storage is unavailable")
	}

	return &Artifact{
		Data:        obj.Data,
		ContentType: spec.contentType,
		Filename:    fmt.Sprintf("%s_%s", jobID, spec.file),
	}, nil
}

// ExportBatch renders a finished batch in one of the export formats
func (s *Service) ExportBatch(ctx context.Context, userID, batchID, format string) (*Artifact, error) {
	parent, err := s.ownedBatch(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}
	if !parent.Status.IsTerminal() {
		return nil, models.NewAPIError(models.ErrKindConflict, "batch is still in progress")
	}

	switch format {
	case "csv":
		obj, err := s.batchArtifact(ctx, userID, batchID, gateway.FileBatchCSV)
		if err != nil {
			return nil, err
		}
		return &Artifact{Data: obj.Data, ContentType: "text/csv", Filename: batchID + "_results.csv"}, nil
	case "json":
		obj, err := s.batchArtifact(ctx, userID, batchID, gateway.FileAggregated)
		if err != nil {
			return nil, err
		}
		return &Artifact{Data: obj.Data, ContentType: "application/json", Filename: batchID + "_aggregated.json"}, nil
	case "zip":
		return s.exportZip(ctx, userID, batchID)
	default:
		return nil, models.NewAPIError(models.ErrKindValidation,
			fmt.Sprintf("unknown export format %q, expected csv, json, or zip", format))
	}
}

func (s *Service) batchArtifact(ctx context.Context, userID, batchID, name string) (*interfaces.Object, error) {
	obj, err := s.gateway.DownloadBatchArtifact(ctx, userID, batchID, name)
	if errors.Is(err, interfaces.ErrObjectNotFound) {
		return nil, models.NewAPIError(models.ErrKindNotFound,
			fmt.Sprintf("batch artifact %s not found", name))
	}
	if err != nil {
		return nil, models.NewAPIError(models.ErrKindStorageUnavailable, "object storage is unavailable")
	}
	return obj, nil
}

// exportZip bundles the three aggregation artifacts into one archive
func (s *Service) exportZip(ctx context.Context, userID, batchID string) (*Artifact, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, name := range []string{gateway.FileAggregated, gateway.FileSummary, gateway.FileBatchCSV} {
		obj, err := s.batchArtifact(ctx, userID, batchID, name)
		if err != nil {
			return nil, err
		}
		entry, zerr := w.Create(name)
		if zerr != nil {
			return nil, models.NewAPIError(models.ErrKindInternal, "failed to build export archive")
		}
		if _, zerr := entry.Write(obj.Data); zerr != nil {
			return nil, models.NewAPIError(models.ErrKindInternal, "failed to build export archive")
		}
	}
	if err := w.Close(); err != nil {
		return nil, models.NewAPIError(models.ErrKindInternal, "failed to build export archive")
	}

	return &Artifact{
		Data:        buf.Bytes(),
		ContentType: "application/zip",
		Filename:    batchID + "_export.zip",
	}, nil
}
