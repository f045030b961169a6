//go:build integration

// Integration tests for PostgresStore run against a disposable PostgreSQL
// container with the repository migrations applied.
//
//	go test -tags=integration -v ./internal/ledgerstore/...
package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/unit"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	scripts, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.up.sql"))
	if err != nil || len(scripts) == 0 {
		t.Fatalf("migrations not found: %v", err)
	}

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("custody"),
		tcpostgres.WithUsername("custody"),
		tcpostgres.WithPassword("custody"),
		tcpostgres.WithInitScripts(scripts...),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}
	return db
}

func TestPostgresStore_Integration(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgresStore(db, nil)
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		if _, err := s.GetUnit(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetUnit() error = %v, want ErrNotFound", err)
		}
	})

	u := testUnit(t, "PG-1", 2)
	u.IntendedRecipientID = "D"
	u.Attributes.ExpiryDate = func() *time.Time { e := baseTime.AddDate(2, 0, 0); return &e }()

	t.Run("round trip keeps the chain verifiable", func(t *testing.T) {
		if err := s.PutUnit(ctx, u); err != nil {
			t.Fatalf("PutUnit() error = %v", err)
		}
		got, err := s.GetUnit(ctx, "PG-1")
		if err != nil {
			t.Fatalf("GetUnit() error = %v", err)
		}
		if res := chain.Verify(got); !res.Valid {
			t.Fatalf("Verify() after reload = %+v", res)
		}
		if got.IntendedRecipientID != "D" || got.Attributes.ExpiryDate == nil {
			t.Errorf("unit fields not preserved: %+v", got)
		}
		if nested, ok := got.Trace[1].Metadata["nested"].Nested(); !ok || len(nested) != 1 {
			t.Errorf("nested metadata not preserved: %v", got.Trace[1].Metadata)
		}
	})

	t.Run("append only", func(t *testing.T) {
		if err := s.PutUnit(ctx, u); err != nil {
			t.Errorf("replayed PutUnit() error = %v", err)
		}
		short := u.Clone()
		short.Trace = short.Trace[:1]
		if err := s.PutUnit(ctx, short); !errors.Is(err, ErrConflict) {
			t.Errorf("shrinking PutUnit() error = %v, want ErrConflict", err)
		}

		next := u.Clone()
		extend(t, &next)
		next.Status = unit.StatusDutyPaid
		next.DutyPaid = true
		next.IntendedRecipientID = ""
		if err := s.PutUnit(ctx, next); err != nil {
			t.Fatalf("extending PutUnit() error = %v", err)
		}
		got, _ := s.GetUnit(ctx, "PG-1")
		if len(got.Trace) != 3 || got.Status != unit.StatusDutyPaid || got.IntendedRecipientID != "" {
			t.Errorf("unexpected unit after extend: status=%s trace=%d", got.Status, len(got.Trace))
		}
	})

	t.Run("trace rows are immutable", func(t *testing.T) {
		_, err := db.ExecContext(ctx, `UPDATE trace_events SET location = 'x' WHERE unit_id = 'PG-1'`)
		if err == nil {
			t.Error("expected the immutability trigger to reject updates")
		}
	})

	t.Run("concurrent writers append once", func(t *testing.T) {
		base, _ := s.GetUnit(ctx, "PG-1")
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cand := base.Clone()
				extend(t, &cand)
				errs[i] = s.PutUnit(ctx, cand)
			}(i)
		}
		wg.Wait()
		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
			}
		}
		// Identical candidates: one appends, the rest replay.
		if ok != len(errs) {
			t.Errorf("%d of %d identical writes succeeded", ok, len(errs))
		}
		got, _ := s.GetUnit(ctx, "PG-1")
		if len(got.Trace) != base.Version()+1 {
			t.Errorf("trace length = %d, want %d", len(got.Trace), base.Version()+1)
		}
	})

	t.Run("list", func(t *testing.T) {
		if err := s.PutUnit(ctx, testUnit(t, "PG-2", 1)); err != nil {
			t.Fatal(err)
		}
		units, err := s.ListUnits(ctx)
		if err != nil {
			t.Fatalf("ListUnits() error = %v", err)
		}
		if len(units) != 2 {
			t.Fatalf("ListUnits() = %d units, want 2", len(units))
		}
		for i := range units {
			if res := chain.Verify(&units[i]); !res.Valid {
				t.Errorf("%s does not verify: %+v", units[i].UnitID, res)
			}
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping() error = %v", err)
		}
	})
}

func TestPostgresStore_ReadsAreSnapshots(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgresStore(db, nil)
	ctx := context.Background()

	u := testUnit(t, "PG-SNAP", 1)
	if err := s.PutUnit(ctx, u); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for i := 0; i < 40; i++ {
			extend(t, &u)
			if err := s.PutUnit(ctx, u); err != nil {
				t.Errorf("PutUnit() error = %v", err)
				return
			}
		}
	}()

	// The row's updated_at always equals the trace head's timestamp, so a
	// reader mixing two snapshots would see them disagree.
	check := func(got *unit.TrackedUnit) {
		if !got.UpdatedAt.Equal(got.LastEvent().Timestamp) {
			t.Errorf("unit %s updated_at %v disagrees with trace head %v (len %d)",
				got.UnitID, got.UpdatedAt, got.LastEvent().Timestamp, len(got.Trace))
		}
	}
	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		got, err := s.GetUnit(ctx, "PG-SNAP")
		if err != nil {
			t.Fatalf("GetUnit() error = %v", err)
		}
		check(got)
		units, err := s.ListUnits(ctx)
		if err != nil {
			t.Fatalf("ListUnits() error = %v", err)
		}
		for i := range units {
			check(&units[i])
		}
	}
	wg.Wait()
}
