// Package ledgerstore persists tracked units behind a single Store contract
// with interchangeable adapters: an in-process local cache (optionally backed
// by a directory of JSON files) and a durable Postgres table. Adapters are
// selected by configuration and may be wrapped with a retry policy and a
// degraded read-only fallback.
package ledgerstore

import (
	"context"
	"errors"

	"github.com/onnwee/custodyledger/internal/unit"
)

// Store errors.
var (
	// ErrNotFound is returned when no unit with the requested ID exists.
	ErrNotFound = errors.New("ledgerstore: unit not found")
	// ErrConflict is returned when a write would not advance the stored trace.
	ErrConflict = errors.New("ledgerstore: version conflict")
	// ErrUnavailable marks transient backend failures that may be retried.
	ErrUnavailable = errors.New("ledgerstore: backend unavailable")
	// ErrReadOnly is returned for writes while the store is degraded.
	ErrReadOnly = errors.New("ledgerstore: degraded, read-only")
	// ErrInvalidUnit is returned for a unit that cannot be stored.
	ErrInvalidUnit = errors.New("ledgerstore: invalid unit")
)

// Store is the persistence contract of the ledger.
//
// PutUnit has overwrite-whole-record semantics: the caller has already merged
// trace and status. Implementations must return deep copies so callers never
// share mutable state with the store.
type Store interface {
	GetUnit(ctx context.Context, id string) (*unit.TrackedUnit, error)
	ListUnits(ctx context.Context) ([]unit.TrackedUnit, error)
	PutUnit(ctx context.Context, u unit.TrackedUnit) error
}

// HealthReporter is implemented by stores that can enter a degraded mode.
type HealthReporter interface {
	Degraded() bool
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

func checkUnit(u *unit.TrackedUnit) error {
	if u.UnitID == "" {
		return errors.Join(ErrInvalidUnit, errors.New("empty unit id"))
	}
	if len(u.Trace) == 0 {
		return errors.Join(ErrInvalidUnit, errors.New("empty trace"))
	}
	return nil
}

// checkAdvance enforces append-only writes: incoming must extend stored's
// trace. An identical replay of the stored head reports replay=true.
func checkAdvance(stored, incoming *unit.TrackedUnit) (replay bool, err error) {
	n := len(stored.Trace)
	switch {
	case len(incoming.Trace) < n:
		return false, ErrConflict
	case incoming.Trace[n-1].EventDigest != stored.Trace[n-1].EventDigest:
		return false, ErrConflict
	case len(incoming.Trace) == n:
		return true, nil
	}
	return false, nil
}
