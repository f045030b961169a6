package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func saleRecord(key string) *IdempotencyKey {
	unitID := "U-100"
	body := `{"unitId":"U-100","status":"SOLD","replayed":false}`
	return &IdempotencyKey{
		Key:                key,
		Method:             "POST",
		Route:              "/units/{id}/events",
		Path:               "/units/U-100/events",
		PrincipalID:        "R-1",
		UnitID:             &unitID,
		ResponseHash:       ComputeResponseHash(body),
		Status:             StatusCompleted,
		ResponseBody:       body,
		ResponseStatusCode: 201,
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want error
	}{
		{"empty", "", ErrInvalidKey},
		{"uuid", "550e8400-e29b-41d4-a716-446655440000", nil},
		{"scanner sequence", "till-4:scan:000981", nil},
		{"max length", strings.Repeat("k", MaxKeyLength), nil},
		{"too long", strings.Repeat("k", MaxKeyLength+1), ErrKeyTooLong},
		{"space", "sale 1", ErrInvalidKey},
		{"newline", "sale\n1", ErrInvalidKey},
		{"non ascii", "vente-é", ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); !errors.Is(err, tt.want) {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.want)
			}
		})
	}
}

func TestIdempotencyKey_MatchesAndIntact(t *testing.T) {
	rec := saleRecord("k-1")
	if !rec.Matches("R-1", "POST", "/units/U-100/events") {
		t.Error("same principal and path should match")
	}
	for _, other := range [][3]string{
		{"R-2", "POST", "/units/U-100/events"},
		{"R-1", "POST", "/units/U-101/events"},
		{"R-1", "POST", "/pos/check"},
		{"R-1", "GET", "/units/U-100/events"},
	} {
		if rec.Matches(other[0], other[1], other[2]) {
			t.Errorf("Matches(%v) = true", other)
		}
	}

	if !rec.Intact() {
		t.Error("fresh record should be intact")
	}
	rec.ResponseBody = strings.Replace(rec.ResponseBody, "SOLD", "RECEIVED", 1)
	if rec.Intact() {
		t.Error("edited body should fail the hash check")
	}
	if len(ComputeResponseHash("")) != 64 {
		t.Error("hash should be 64 hex characters")
	}
}

func TestInMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	if _, err := repo.Get(ctx, "k-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Get() unknown = %v, want ErrKeyNotFound", err)
	}

	rec := saleRecord("k-1")
	if err := repo.Store(ctx, rec); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !rec.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %v, want %v", rec.CreatedAt, fixed)
	}
	if err := repo.Store(ctx, saleRecord("k-1")); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Store() = %v, want ErrKeyExists", err)
	}
	if err := repo.Store(ctx, saleRecord("")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Store() empty key = %v, want ErrInvalidKey", err)
	}

	got, err := repo.Get(ctx, "k-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ResponseStatusCode != 201 || *got.UnitID != "U-100" || !got.Intact() {
		t.Errorf("Get() = %+v", got)
	}

	// Returned and stored records do not share memory.
	*got.UnitID = "U-999"
	*rec.UnitID = "U-888"
	again, _ := repo.Get(ctx, "k-1")
	if *again.UnitID != "U-100" {
		t.Errorf("stored UnitID mutated to %q", *again.UnitID)
	}
}

func TestInMemoryRepository_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	for key, age := range map[string]time.Duration{"old": 30 * time.Hour, "edge": 23 * time.Hour, "new": time.Minute} {
		rec := saleRecord(key)
		rec.CreatedAt = now.Add(-age)
		if err := repo.Store(ctx, rec); err != nil {
			t.Fatalf("Store(%s) error = %v", key, err)
		}
	}

	n, err := repo.DeleteOlderThan(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("DeleteOlderThan() = %d, %v; want 1", n, err)
	}
	if repo.Len() != 2 {
		t.Errorf("Len() = %d, want 2", repo.Len())
	}
	if _, err := repo.Get(ctx, "old"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("expired record still present")
	}
}

func TestInMemoryRepository_ConcurrentStoreOneWinner(t *testing.T) {
	repo := NewInMemoryRepository()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := repo.Store(context.Background(), saleRecord("shared")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d stores succeeded, want 1", wins)
	}
}
