package ledgerstore

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		db      *sql.DB
		wantErr error
		check   func(t *testing.T, s Store)
	}{
		{
			name: "default is memory",
			cfg:  Config{},
			check: func(t *testing.T, s Store) {
				if _, ok := s.(*LocalStore); !ok {
					t.Errorf("got %T, want *LocalStore", s)
				}
			},
		},
		{
			name: "file",
			cfg:  Config{Backend: BackendFile, DataDir: t.TempDir()},
			check: func(t *testing.T, s Store) {
				ls, ok := s.(*LocalStore)
				if !ok || ls.basePath == "" {
					t.Errorf("got %T without a data dir", s)
				}
			},
		},
		{name: "file without dir", cfg: Config{Backend: BackendFile}, wantErr: ErrMissingDataDir},
		{name: "postgres without db", cfg: Config{Backend: BackendPostgres, Retry: DefaultRetryPolicy()}, wantErr: ErrMissingDB},
		{
			name:    "postgres with bad retry policy",
			cfg:     Config{Backend: BackendPostgres},
			db:      &sql.DB{},
			wantErr: ErrInvalidAttempts,
		},
		{
			name: "postgres with fallback",
			cfg:  Config{Backend: BackendPostgres, Retry: DefaultRetryPolicy(), CacheFallback: true},
			db:   &sql.DB{},
			check: func(t *testing.T, s Store) {
				if _, ok := s.(*FallbackStore); !ok {
					t.Errorf("got %T, want *FallbackStore", s)
				}
			},
		},
		{
			name: "postgres with retry only",
			cfg:  Config{Backend: BackendPostgres, Retry: DefaultRetryPolicy()},
			db:   &sql.DB{},
			check: func(t *testing.T, s Store) {
				if _, ok := s.(*RetryingStore); !ok {
					t.Errorf("got %T, want *RetryingStore", s)
				}
			},
		},
		{name: "unknown", cfg: Config{Backend: "etcd"}, wantErr: ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Open(tt.cfg, tt.db, nil, NewMetrics())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Open() error = %v, want %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, s)
			}
		})
	}
}

func TestCheckAdvance(t *testing.T) {
	stored := testUnit(t, "U1", 2)
	longer := stored.Clone()
	extend(t, &longer)

	if replay, err := checkAdvance(&stored, &stored); err != nil || !replay {
		t.Errorf("same trace: replay=%v err=%v", replay, err)
	}
	if replay, err := checkAdvance(&stored, &longer); err != nil || replay {
		t.Errorf("longer trace: replay=%v err=%v", replay, err)
	}
	if _, err := checkAdvance(&longer, &stored); !errors.Is(err, ErrConflict) {
		t.Errorf("shorter trace err = %v", err)
	}
}

func TestMetrics_Register(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	m.IncRetries("put_unit")
	m.IncFailures("put_unit")
	m.SetDegraded(true)
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) != 3 {
		t.Errorf("gathered %d families, want 3", len(families))
	}
}
