// Package db opens the PostgreSQL connection pool shared by the ledger store
// and the Postgres repositories.
//
// The schema is managed by the SQL files under migrations/.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DriverName is the database/sql driver registered by lib/pq.
const DriverName = "postgres"

// ErrMissingURL is returned when no connection string is configured.
var ErrMissingURL = errors.New("database URL is required")

// Options tunes the connection pool. Zero values use the defaults below.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PingTimeout bounds the initial connectivity check.
	PingTimeout time.Duration
}

// Default pool settings.
const (
	DefaultMaxOpenConns    = 20
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 30 * time.Minute
	DefaultPingTimeout     = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.MaxOpenConns <= 0 {
		o.MaxOpenConns = DefaultMaxOpenConns
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = DefaultMaxIdleConns
	}
	if o.MaxIdleConns > o.MaxOpenConns {
		o.MaxIdleConns = o.MaxOpenConns
	}
	if o.ConnMaxLifetime <= 0 {
		o.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	return o
}

// Open opens a pool for url and verifies it with a ping. The caller owns
// the returned handle and must Close it.
func Open(ctx context.Context, url string, opts Options) (*sql.DB, error) {
	if url == "" {
		return nil, ErrMissingURL
	}
	opts = opts.withDefaults()

	db, err := sql.Open(DriverName, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
