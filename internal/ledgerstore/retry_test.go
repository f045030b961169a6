package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/custodyledger/internal/unit"
)

// scriptedStore fails the first failN calls of each operation with err.
type scriptedStore struct {
	*LocalStore
	mu    sync.Mutex
	err   error
	failN int
	calls map[string]int
}

func newScriptedStore(err error, failN int) *scriptedStore {
	return &scriptedStore{LocalStore: NewLocalStore(), err: err, failN: failN, calls: map[string]int{}}
}

func (s *scriptedStore) fail(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.calls[op] <= s.failN {
		return s.err
	}
	return nil
}

func (s *scriptedStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *scriptedStore) GetUnit(ctx context.Context, id string) (*unit.TrackedUnit, error) {
	if err := s.fail("get"); err != nil {
		return nil, err
	}
	return s.LocalStore.GetUnit(ctx, id)
}

func (s *scriptedStore) ListUnits(ctx context.Context) ([]unit.TrackedUnit, error) {
	if err := s.fail("list"); err != nil {
		return nil, err
	}
	return s.LocalStore.ListUnits(ctx)
}

func (s *scriptedStore) PutUnit(ctx context.Context, u unit.TrackedUnit) error {
	if err := s.fail("put"); err != nil {
		return err
	}
	return s.LocalStore.PutUnit(ctx, u)
}

type countingRetryMetrics struct {
	mu       sync.Mutex
	retries  map[string]int
	failures map[string]int
}

func newCountingRetryMetrics() *countingRetryMetrics {
	return &countingRetryMetrics{retries: map[string]int{}, failures: map[string]int{}}
}

func (m *countingRetryMetrics) IncRetries(op string) {
	m.mu.Lock()
	m.retries[op]++
	m.mu.Unlock()
}

func (m *countingRetryMetrics) IncFailures(op string) {
	m.mu.Lock()
	m.failures[op]++
	m.mu.Unlock()
}

func newTestRetryingStore(t *testing.T, next Store, policy RetryPolicy, metrics RetryMetrics) (*RetryingStore, *[]time.Duration) {
	t.Helper()
	s, err := NewRetryingStore(next, policy, nil, metrics)
	if err != nil {
		t.Fatalf("NewRetryingStore() error = %v", err)
	}
	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return ctx.Err()
	}
	return s, &sleeps
}

func TestRetryPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *RetryPolicy)
		wantErr error
	}{
		{"default", func(p *RetryPolicy) {}, nil},
		{"zero attempts", func(p *RetryPolicy) { p.MaxAttempts = 0 }, ErrInvalidAttempts},
		{"zero delay", func(p *RetryPolicy) { p.BaseDelay = 0 }, ErrInvalidDelay},
		{"max below base", func(p *RetryPolicy) { p.MaxDelay = p.BaseDelay / 2 }, ErrInvalidMaxDelay},
		{"negative jitter", func(p *RetryPolicy) { p.JitterFactor = -0.1 }, ErrInvalidJitter},
		{"jitter above one", func(p *RetryPolicy) { p.JitterFactor = 1.5 }, ErrInvalidJitter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultRetryPolicy()
			tt.mutate(&p)
			if err := p.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := p.Backoff(i); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if got := p.Backoff(1000); got != time.Second {
		t.Errorf("Backoff(1000) = %v, want capped", got)
	}
}

func TestRetryingStore_RetriesTransientFailures(t *testing.T) {
	next := newScriptedStore(fmt.Errorf("%w: reset by peer", ErrUnavailable), 2)
	metrics := newCountingRetryMetrics()
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	s, sleeps := newTestRetryingStore(t, next, policy, metrics)

	if err := s.PutUnit(context.Background(), testUnit(t, "U1", 1)); err != nil {
		t.Fatalf("PutUnit() error = %v", err)
	}
	if next.count("put") != 3 {
		t.Errorf("attempts = %d, want 3", next.count("put"))
	}
	if want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}; fmt.Sprint(*sleeps) != fmt.Sprint(want) {
		t.Errorf("sleeps = %v, want %v", *sleeps, want)
	}
	if metrics.retries["put_unit"] != 2 || metrics.failures["put_unit"] != 0 {
		t.Errorf("metrics = %+v / %+v", metrics.retries, metrics.failures)
	}
}

func TestRetryingStore_GivesUp(t *testing.T) {
	next := newScriptedStore(fmt.Errorf("%w: timeout", ErrUnavailable), 100)
	metrics := newCountingRetryMetrics()
	s, _ := newTestRetryingStore(t, next, DefaultRetryPolicy(), metrics)

	_, err := s.ListUnits(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ListUnits() error = %v", err)
	}
	if next.count("list") != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", next.count("list"), DefaultMaxAttempts)
	}
	if metrics.failures["list_units"] != 1 {
		t.Errorf("failures = %d, want 1", metrics.failures["list_units"])
	}
}

func TestRetryingStore_DoesNotRetryPermanentErrors(t *testing.T) {
	for _, perm := range []error{ErrNotFound, ErrConflict, ErrInvalidUnit} {
		next := newScriptedStore(perm, 1)
		s, sleeps := newTestRetryingStore(t, next, DefaultRetryPolicy(), nil)
		_, err := s.GetUnit(context.Background(), "U1")
		if !errors.Is(err, perm) {
			t.Errorf("GetUnit() error = %v, want %v", err, perm)
		}
		if next.count("get") != 1 || len(*sleeps) != 0 {
			t.Errorf("%v was retried", perm)
		}
	}
}

func TestRetryingStore_StopsOnCancel(t *testing.T) {
	next := newScriptedStore(ErrUnavailable, 100)
	s, _ := newTestRetryingStore(t, next, DefaultRetryPolicy(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.PutUnit(ctx, testUnit(t, "U1", 1))
	if !errors.Is(err, context.Canceled) || !errors.Is(err, ErrUnavailable) {
		t.Errorf("PutUnit() error = %v, want both the cause and cancellation", err)
	}
	if next.count("put") != 1 {
		t.Errorf("attempts = %d, want 1", next.count("put"))
	}
}

func TestRetryingStore_JitterStaysInRange(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, JitterFactor: 0.5}
	s, err := NewRetryingStore(NewLocalStore(), policy, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		d := s.delay(0)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("delay(0) = %v outside [75ms, 125ms]", d)
		}
	}
}

func TestRetryingStore_RetriedWriteIsSafe(t *testing.T) {
	// The first write lands but reports a transient failure; the retry replays it.
	local := NewLocalStore()
	lossy := &lostAckStore{LocalStore: local}
	s, _ := newTestRetryingStore(t, lossy, DefaultRetryPolicy(), nil)

	u := testUnit(t, "U1", 2)
	if err := s.PutUnit(context.Background(), u); err != nil {
		t.Fatalf("PutUnit() error = %v", err)
	}
	got, _ := local.GetUnit(context.Background(), "U1")
	if len(got.Trace) != 2 {
		t.Errorf("trace length = %d, want 2", len(got.Trace))
	}
}

// lostAckStore applies the first write and then reports it as failed.
type lostAckStore struct {
	*LocalStore
	once sync.Once
}

func (s *lostAckStore) PutUnit(ctx context.Context, u unit.TrackedUnit) error {
	err := s.LocalStore.PutUnit(ctx, u)
	lost := false
	s.once.Do(func() { lost = true })
	if lost && err == nil {
		return fmt.Errorf("%w: connection reset after commit", ErrUnavailable)
	}
	return err
}
