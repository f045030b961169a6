package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/custodyledger/internal/unit"
)

// DefaultProbeInterval is how long a degraded FallbackStore refuses writes
// before trying the primary again.
const DefaultProbeInterval = 5 * time.Second

// DegradedMetrics receives degraded-mode transitions.
type DegradedMetrics interface {
	SetDegraded(degraded bool)
}

// FallbackStore reads through to a primary store and mirrors every unit it
// sees into a local cache. When the primary is unavailable, reads are served
// from the cache and the store reports Degraded; writes are refused with
// ErrReadOnly instead of being applied to stale data. Any successful primary
// call clears the degraded state.
type FallbackStore struct {
	primary       Store
	cache         *LocalStore
	logger        *slog.Logger
	metrics       DegradedMetrics
	probeInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	degraded  bool
	lastProbe time.Time
}

// NewFallbackStore creates a fallback store. A nil cache creates an in-memory one.
func NewFallbackStore(primary Store, cache *LocalStore, logger *slog.Logger, metrics DegradedMetrics) *FallbackStore {
	if cache == nil {
		cache = NewLocalStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:       primary,
		cache:         cache,
		logger:        logger,
		metrics:       metrics,
		probeInterval: DefaultProbeInterval,
		now:           time.Now,
	}
}

// Degraded reports whether the store is serving from its cache.
func (s *FallbackStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// GetUnit implements Store.
func (s *FallbackStore) GetUnit(ctx context.Context, id string) (*unit.TrackedUnit, error) {
	u, err := s.primary.GetUnit(ctx, id)
	switch {
	case err == nil:
		s.setDegraded(false, nil)
		s.mirror(*u)
		return u, nil
	case errors.Is(err, ErrNotFound):
		s.setDegraded(false, nil)
		return nil, err
	case !isUnavailable(err):
		return nil, err
	}
	s.setDegraded(true, err)
	cached, cacheErr := s.cache.GetUnit(ctx, id)
	if cacheErr != nil {
		return nil, err
	}
	return cached, nil
}

// ListUnits implements Store.
func (s *FallbackStore) ListUnits(ctx context.Context) ([]unit.TrackedUnit, error) {
	units, err := s.primary.ListUnits(ctx)
	if err == nil {
		s.setDegraded(false, nil)
		for _, u := range units {
			s.mirror(u)
		}
		return units, nil
	}
	if !isUnavailable(err) {
		return nil, err
	}
	s.setDegraded(true, err)
	return s.cache.ListUnits(ctx)
}

// PutUnit implements Store. While degraded, writes fail with ErrReadOnly
// until the probe interval has passed, then the primary is tried again.
func (s *FallbackStore) PutUnit(ctx context.Context, u unit.TrackedUnit) error {
	s.mu.Lock()
	if s.degraded && s.now().Sub(s.lastProbe) < s.probeInterval {
		s.mu.Unlock()
		return ErrReadOnly
	}
	s.lastProbe = s.now()
	s.mu.Unlock()

	err := s.primary.PutUnit(ctx, u)
	if err == nil {
		s.setDegraded(false, nil)
		s.mirror(u)
		return nil
	}
	if isUnavailable(err) {
		s.setDegraded(true, err)
		return fmt.Errorf("%w: %w", ErrReadOnly, err)
	}
	return err
}

func (s *FallbackStore) setDegraded(degraded bool, cause error) {
	s.mu.Lock()
	changed := s.degraded != degraded
	s.degraded = degraded
	if degraded && changed {
		s.lastProbe = s.now()
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	if s.metrics != nil {
		s.metrics.SetDegraded(degraded)
	}
	if degraded {
		s.logger.Error("ledger store degraded, serving cached reads only",
			slog.String("error", cause.Error()))
	} else {
		s.logger.Info("ledger store recovered")
	}
}

// mirror copies an authoritative unit into the cache. Cache write failures
// are logged, not returned.
func (s *FallbackStore) mirror(u unit.TrackedUnit) {
	if err := s.cache.Replace(u); err != nil {
		s.logger.Warn("ledger store cache write failed",
			slog.String("unit_id", u.UnitID),
			slog.String("error", err.Error()))
	}
}

func isUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
