package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is the Repository used when no database is configured.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]IdempotencyKey
	now  func() time.Time
}

// NewInMemoryRepository returns an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]IdempotencyKey),
		now:  time.Now,
	}
}

func (r *InMemoryRepository) Get(ctx context.Context, key string) (*IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneRecord(record), nil
}

func (r *InMemoryRepository) Store(ctx context.Context, record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[record.Key]; exists {
		return ErrKeyExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now().UTC()
	}
	r.keys[record.Key] = *cloneRecord(*record)
	return nil
}

func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-duration)
	var deleted int64
	for key, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}

// Len returns the number of cached responses.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func cloneRecord(record IdempotencyKey) *IdempotencyKey {
	if record.UnitID != nil {
		id := *record.UnitID
		record.UnitID = &id
	}
	return &record
}
