package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/ternarybob/lattice/internal/interfaces"
	badgerstore "github.com/ternarybob/lattice/internal/storage/badger"
	"github.com/ternarybob/lattice/internal/storage/object"
)

// Factory creates storage implementations from configuration
type Factory struct {
	config *common.Config
	logger arbor.ILogger
}

// NewFactory creates a storage factory
func NewFactory(config *common.Config, logger arbor.ILogger) *Factory {
	return &Factory{config: config, logger: logger}
}

// CreateJobStorage opens the badger-backed job store
func (f *Factory) CreateJobStorage() (*badgerstore.JobStorage, error) {
	db, err := badgerstore.Open(&f.config.Storage.Badger, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open job storage: %w", err)
	}

	f.logger.Info().
		Str("path", f.config.Storage.Badger.Path).
		Msg("Job storage initialized")

	return badgerstore.NewJobStorage(db, f.logger), nil
}

// CreateObjectStore creates the artifact object store for the configured backend
func (f *Factory) CreateObjectStore() (interfaces.ObjectStore, error) {
	cfg := &f.config.Storage.Object
	switch cfg.Backend {
	case "s3":
		store, err := object.NewS3Store(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 object store: %w", err)
		}
		f.logger.Info().
			Str("bucket", cfg.Bucket).
			Str("region", cfg.Region).
			Msg("Object store initialized (s3)")
		return store, nil
	case "filesystem", "":
		store, err := object.NewFilesystemStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem object store: %w", err)
		}
		f.logger.Info().
			Str("path", cfg.Path).
			Msg("Object store initialized (filesystem)")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported object storage backend: %s", cfg.Backend)
	}
}
