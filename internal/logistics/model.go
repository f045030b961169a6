// Package logistics groups tracked units into shipping aggregations and
// applies movement events to every contained unit through the ledger engine.
package logistics

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Repository errors.
var (
	// ErrNotFound is returned when no aggregation has the shipping ID.
	ErrNotFound = errors.New("logistics unit not found")
	// ErrExists is returned when the shipping ID is already taken.
	ErrExists = errors.New("logistics unit already exists")
)

// LogisticsUnit is a shipping aggregation of tracked units identified by an
// SSCC. Its contents are fixed at creation.
type LogisticsUnit struct {
	ShippingID string    `json:"shippingId"`
	CreatorID  string    `json:"creatorId"`
	UnitIDs    []string  `json:"unitIds"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (l LogisticsUnit) clone() LogisticsUnit {
	l.UnitIDs = slices.Clone(l.UnitIDs)
	return l
}

// Repository stores aggregations.
type Repository interface {
	// Create stores l. Returns ErrExists if the shipping ID is taken.
	Create(ctx context.Context, l LogisticsUnit) error
	// Get returns the aggregation or ErrNotFound.
	Get(ctx context.Context, shippingID string) (*LogisticsUnit, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu    sync.RWMutex
	units map[string]LogisticsUnit
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{units: make(map[string]LogisticsUnit)}
}

// Create stores a copy of l.
func (r *InMemoryRepository) Create(ctx context.Context, l LogisticsUnit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.units[l.ShippingID]; ok {
		return ErrExists
	}
	r.units[l.ShippingID] = l.clone()
	return nil
}

// Get returns a copy of the stored aggregation.
func (r *InMemoryRepository) Get(ctx context.Context, shippingID string) (*LogisticsUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.units[shippingID]
	if !ok {
		return nil, ErrNotFound
	}
	out := l.clone()
	return &out, nil
}
