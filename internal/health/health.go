// Package health probes the services a custody ledger node depends on.
package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrStoreDegraded is returned while the ledger store serves cached data read-only.
var ErrStoreDegraded = errors.New("ledger store degraded: serving read-only cache")

// Checker is satisfied by anything that can report its own health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// Pinger is the part of *sql.DB a database probe needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Postgres probes the ledger database.
func Postgres(db Pinger) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return nil
	})
}

// Redis probes the shared rate-limit store.
func Redis(client redis.UniversalClient) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		return nil
	})
}

// DegradedReporter is implemented by the ledger engine.
type DegradedReporter interface {
	Degraded() bool
}

// Store returns ErrStoreDegraded while s is serving from its cache.
func Store(s DegradedReporter) Checker {
	return CheckFunc(func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.Degraded() {
			return ErrStoreDegraded
		}
		return nil
	})
}
