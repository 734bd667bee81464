package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/soyeahso/voxgate/internal/archive"
	"github.com/soyeahso/voxgate/internal/config"
	"github.com/soyeahso/voxgate/internal/logging"
	"github.com/soyeahso/voxgate/internal/objectstore"
	"github.com/soyeahso/voxgate/internal/store"
)

// loadConfig reads and validates the config file. Every issue is logged
// before the error is returned.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return cfg, fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}
	return cfg, nil
}

// openLogger replaces the bootstrap logger with one built from the logging
// section. --log-level wins over the file.
func openLogger(cfg config.LoggingConfig) (io.Closer, error) {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	if level == "" {
		level = "info"
	}
	l, closer, err := logging.Open(logging.Options{Level: level, Style: cfg.ConsoleStyle, File: cfg.File})
	if err != nil {
		return nil, err
	}
	log = l
	return closer, nil
}

// openLedger opens the SQLite ledger at its configured location.
func openLedger(cfg config.Config) (*store.DB, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating data dirs: %w", err)
	}
	path := paths.LedgerPath(cfg.Store)
	db, err := store.Open(path, log)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	log.Debug().Str("path", path).Msg("ledger open")
	return db, nil
}

// newArchiver builds the archive pipeline over the rooms provider and the
// configured object store.
func newArchiver(ctx context.Context, cfg config.Config, source archive.Source, db *store.DB) (*archive.Archiver, error) {
	storage := cfg.Storage
	if storage.SpoolDir == "" {
		storage.SpoolDir = paths.Spool
	}
	objects, err := objectstore.New(ctx, storage, log)
	if err != nil {
		return nil, fmt.Errorf("object storage: %w", err)
	}
	return archive.New(cfg.Archive, source, objects, store.NewRecordingStore(db), nil, log), nil
}
