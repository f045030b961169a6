package ledgerstore

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/onnwee/custodyledger/internal/unit"
)

// Default retry policy values.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseDelay    = 50 * time.Millisecond
	DefaultMaxDelay     = 2 * time.Second
	DefaultJitterFactor = 0.5
)

// Retry policy errors.
var (
	ErrInvalidAttempts = errors.New("max attempts must be at least 1")
	ErrInvalidDelay    = errors.New("base delay must be positive")
	ErrInvalidMaxDelay = errors.New("max delay must be >= base delay")
	ErrInvalidJitter   = errors.New("jitter factor must be between 0 and 1")
)

// RetryPolicy controls how transient store failures are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration
	// JitterFactor randomizes each delay within [d*(1-j/2), d*(1+j/2)].
	JitterFactor float64
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    DefaultBaseDelay,
		MaxDelay:     DefaultMaxDelay,
		JitterFactor: DefaultJitterFactor,
	}
}

// Validate checks that the policy is usable.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidAttempts
	}
	if p.BaseDelay <= 0 {
		return ErrInvalidDelay
	}
	if p.MaxDelay < p.BaseDelay {
		return ErrInvalidMaxDelay
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		return ErrInvalidJitter
	}
	return nil
}

// Backoff returns the delay before retry number attempt (0-based), without jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	// Cap the shift at 30 to prevent overflow
	shift := uint(attempt)
	if shift > 30 {
		shift = 30
	}
	backoff := float64(p.BaseDelay) * float64(uint64(1)<<shift)
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	return time.Duration(backoff)
}

// RetryMetrics receives retry accounting.
type RetryMetrics interface {
	IncRetries(operation string)
	IncFailures(operation string)
}

// RetryingStore retries transient (ErrUnavailable) failures of the wrapped
// store according to a policy. Not-found, conflict and validation errors are
// returned immediately. Retried writes are safe because PutUnit only accepts
// writes that extend the stored trace and treats a replay as a no-op.
type RetryingStore struct {
	next    Store
	policy  RetryPolicy
	logger  *slog.Logger
	metrics RetryMetrics
	sleep   func(ctx context.Context, d time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand // protected by mu
}

// NewRetryingStore wraps next with policy.
func NewRetryingStore(next Store, policy RetryPolicy, logger *slog.Logger, metrics RetryMetrics) (*RetryingStore, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingStore{
		next:    next,
		policy:  policy,
		logger:  logger,
		metrics: metrics,
		sleep:   sleepContext,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// GetUnit implements Store.
func (s *RetryingStore) GetUnit(ctx context.Context, id string) (*unit.TrackedUnit, error) {
	var out *unit.TrackedUnit
	err := s.do(ctx, "get_unit", func(ctx context.Context) error {
		u, err := s.next.GetUnit(ctx, id)
		out = u
		return err
	})
	return out, err
}

// ListUnits implements Store.
func (s *RetryingStore) ListUnits(ctx context.Context) ([]unit.TrackedUnit, error) {
	var out []unit.TrackedUnit
	err := s.do(ctx, "list_units", func(ctx context.Context) error {
		units, err := s.next.ListUnits(ctx)
		out = units
		return err
	})
	return out, err
}

// PutUnit implements Store.
func (s *RetryingStore) PutUnit(ctx context.Context, u unit.TrackedUnit) error {
	return s.do(ctx, "put_unit", func(ctx context.Context) error {
		return s.next.PutUnit(ctx, u)
	})
}

// Degraded forwards to the wrapped store when it reports health.
func (s *RetryingStore) Degraded() bool {
	if hr, ok := s.next.(HealthReporter); ok {
		return hr.Degraded()
	}
	return false
}

func (s *RetryingStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.delay(attempt - 1)
			if s.metrics != nil {
				s.metrics.IncRetries(op)
			}
			s.logger.Warn("retrying ledger store operation",
				slog.String("operation", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
			if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
				return errors.Join(err, sleepErr)
			}
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.IncFailures(op)
	}
	s.logger.Error("ledger store operation failed after retries",
		slog.String("operation", op),
		slog.Int("attempts", s.policy.MaxAttempts),
		slog.String("error", err.Error()))
	return err
}

// delay applies jitter to the policy backoff.
func (s *RetryingStore) delay(retry int) time.Duration {
	backoff := float64(s.policy.Backoff(retry))
	if s.policy.JitterFactor > 0 {
		s.mu.Lock()
		jitter := (s.rng.Float64() - 0.5) * s.policy.JitterFactor
		s.mu.Unlock()
		backoff = backoff * (1 + jitter)
	}
	return time.Duration(backoff)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
