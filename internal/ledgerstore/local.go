package ledgerstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/onnwee/custodyledger/internal/unit"
)

// LocalStore keeps units in memory and, when a directory is configured,
// mirrors every unit to <dir>/units/<hex(id)>.json. It is the local-cache adapter
// and also the cache side of FallbackStore.
type LocalStore struct {
	mu       sync.RWMutex
	units    map[string]unit.TrackedUnit
	basePath string
}

// NewLocalStore creates an in-memory store.
func NewLocalStore() *LocalStore {
	return &LocalStore{units: make(map[string]unit.TrackedUnit)}
}

// NewLocalStoreWithPath creates a store persisted under basePath and loads
// any units already written there. An empty basePath means memory only.
func NewLocalStoreWithPath(basePath string) (*LocalStore, error) {
	s := NewLocalStore()
	s.basePath = strings.TrimSuffix(basePath, string(os.PathSeparator))
	if s.basePath == "" {
		return s, nil
	}
	dir := filepath.Join(s.basePath, "units")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledgerstore: create %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ledgerstore: read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("ledgerstore: read %s: %w", e.Name(), err)
		}
		var u unit.TrackedUnit
		if err := json.Unmarshal(b, &u); err != nil {
			return nil, fmt.Errorf("ledgerstore: decode %s: %w", e.Name(), err)
		}
		s.units[u.UnitID] = u
	}
	return s, nil
}

// fileName maps a unit ID onto a file name. The encoding is injective, so
// distinct IDs never share a file.
func fileName(id string) string {
	return hex.EncodeToString([]byte(id)) + ".json"
}

func (s *LocalStore) unitPath(id string) string {
	return filepath.Join(s.basePath, "units", fileName(id))
}

// GetUnit returns a copy of the unit or ErrNotFound.
func (s *LocalStore) GetUnit(ctx context.Context, id string) (*unit.TrackedUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	u, ok := s.units[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	out := u.Clone()
	return &out, nil
}

// ListUnits returns copies of all units ordered by creation time, then ID.
func (s *LocalStore) ListUnits(ctx context.Context) ([]unit.TrackedUnit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]unit.TrackedUnit, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UnitID < out[j].UnitID
	})
	return out, nil
}

// PutUnit stores a copy of u. The write must extend the stored trace;
// replaying the stored head is a no-op.
func (s *LocalStore) PutUnit(ctx context.Context, u unit.TrackedUnit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkUnit(&u); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.units[u.UnitID]; ok {
		replay, err := checkAdvance(&stored, &u)
		if err != nil {
			return err
		}
		if replay {
			return nil
		}
	}
	cp := u.Clone()
	if s.basePath != "" {
		if err := s.writeFile(&cp); err != nil {
			return err
		}
	}
	s.units[u.UnitID] = cp
	return nil
}

// Replace overwrites the stored copy without the append-only check. It is
// used to mirror units read from an authoritative store, and writes through
// to disk when the store has a directory.
func (s *LocalStore) Replace(u unit.TrackedUnit) error {
	cp := u.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.basePath != "" {
		if err := s.writeFile(&cp); err != nil {
			return err
		}
	}
	s.units[u.UnitID] = cp
	return nil
}

// Len returns the number of stored units.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}

// writeFile replaces the unit's file atomically via a temp file and rename.
func (s *LocalStore) writeFile(u *unit.TrackedUnit) error {
	b, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return errors.Join(ErrInvalidUnit, err)
	}
	path := s.unitPath(u.UnitID)
	tmp, err := os.CreateTemp(filepath.Dir(path), ".unit-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
