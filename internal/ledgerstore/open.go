package ledgerstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
)

// Configuration errors.
var (
	ErrUnknownBackend = errors.New("unknown ledger store backend")
	ErrMissingDataDir = errors.New("file backend requires a data directory")
	ErrMissingDB      = errors.New("postgres backend requires a database handle")
)

// Config selects and tunes the store adapter.
type Config struct {
	// Backend is one of BackendMemory, BackendFile or BackendPostgres.
	Backend string
	// DataDir is the directory for the file backend, and for the fallback
	// cache of the postgres backend when set.
	DataDir string
	// Retry is applied to the postgres backend.
	Retry RetryPolicy
	// CacheFallback enables degraded read-only service from a local cache
	// when postgres is unavailable.
	CacheFallback bool
}

// Open builds the configured store. db is only used by the postgres backend.
// metrics may be nil.
func Open(cfg Config, db *sql.DB, logger *slog.Logger, metrics *Metrics) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case BackendMemory, "":
		logger.Info("ledger store opened", slog.String("backend", BackendMemory))
		return NewLocalStore(), nil

	case BackendFile:
		if cfg.DataDir == "" {
			return nil, ErrMissingDataDir
		}
		s, err := NewLocalStoreWithPath(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger store opened",
			slog.String("backend", BackendFile),
			slog.String("data_dir", cfg.DataDir),
			slog.Int("units", s.Len()))
		return s, nil

	case BackendPostgres:
		if db == nil {
			return nil, ErrMissingDB
		}
		var retryMetrics RetryMetrics
		var degradedMetrics DegradedMetrics
		if metrics != nil {
			retryMetrics, degradedMetrics = metrics, metrics
		}
		var store Store = NewPostgresStore(db, logger)
		retrying, err := NewRetryingStore(store, cfg.Retry, logger, retryMetrics)
		if err != nil {
			return nil, fmt.Errorf("ledger store retry policy: %w", err)
		}
		store = retrying
		if cfg.CacheFallback {
			cache, err := NewLocalStoreWithPath(cfg.DataDir)
			if err != nil {
				return nil, err
			}
			store = NewFallbackStore(store, cache, logger, degradedMetrics)
		}
		logger.Info("ledger store opened",
			slog.String("backend", BackendPostgres),
			slog.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
			slog.Bool("cache_fallback", cfg.CacheFallback))
		return store, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
}
