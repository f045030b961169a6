// Package verification records authenticity checks submitted by consumers
// and inspectors. A check combines the point-of-sale verdict for the unit
// with a recomputation of its hash chain.
package verification

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/onnwee/custodyledger/internal/pos"
)

// ErrNotFound is returned when no request has the given ID.
var ErrNotFound = errors.New("verification request not found")

// Status is the processing status of a request.
type Status string

// Request statuses.
const (
	// StatusCompleted means the verdict and chain result are final.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed means the ledger could not be read; Reason says why.
	StatusFailed Status = "FAILED"
)

// Request is one submitted verification.
type Request struct {
	ID          string      `json:"id"`
	UnitID      string      `json:"unitId"`
	RequesterID string      `json:"requesterId"`
	ScannerID   string      `json:"scannerId,omitempty"`
	Status      Status      `json:"status"`
	Verdict     pos.Verdict `json:"verdict,omitempty"`
	ChainValid  bool        `json:"chainValid"`
	// ChainIndex is the first failing trace index, or -1.
	ChainIndex  int        `json:"chainIndex"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Authentic reports whether the unit may be treated as genuine and unsold.
func (r *Request) Authentic() bool {
	return r.Status == StatusCompleted && r.Verdict == pos.VerdictValid && r.ChainValid
}

// Repository stores verification requests.
type Repository interface {
	Create(ctx context.Context, r Request) error
	Get(ctx context.Context, id string) (*Request, error)
}

// InMemoryRepository is an in-memory implementation of Repository.
// Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	requests map[string]Request
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{requests: make(map[string]Request)}
}

// Create stores r.
func (m *InMemoryRepository) Create(_ context.Context, r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	m.requests[r.ID] = r
	return nil
}

// Get returns a copy of the stored request.
func (m *InMemoryRepository) Get(_ context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		r.CompletedAt = &t
	}
	return &r, nil
}
