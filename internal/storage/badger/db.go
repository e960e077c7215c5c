package badger

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lattice/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// badgerhold's default codec is gob, and JobRecord carries free-form input
// and output payloads as interface maps. Gob refuses concrete types it has
// not seen behind an interface, so the nested shapes JSON decoding produces
// must be registered before the first Insert.
func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// BadgerDB wraps the badgerhold store backing the job store
type BadgerDB struct {
	store *badgerhold.Store
}

// Open initializes the BadgerDB-backed document store
func Open(cfg *common.BadgerConfig, logger arbor.ILogger) (*BadgerDB, error) {
	if cfg.ResetOnStartup {
		if err := os.RemoveAll(cfg.Path); err != nil {
			logger.Warn().Err(err).Str("path", cfg.Path).Msg("Failed to reset database on startup")
		}
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = cfg.Path
	options.ValueDir = cfg.Path
	options.Logger = nil

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	return &BadgerDB{store: store}, nil
}

// Store returns the underlying badgerhold store
func (db *BadgerDB) Store() *badgerhold.Store {
	return db.store
}

// Close closes the underlying store
func (db *BadgerDB) Close() error {
	return db.store.Close()
}
