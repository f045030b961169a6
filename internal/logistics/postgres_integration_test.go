//go:build integration

//	go test -tags=integration -v ./internal/logistics/...
package logistics

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/onnwee/custodyledger/internal/ledger"
	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/lifecycle"
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
	return db
}

func TestPostgresRepository_Integration(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	engine := ledger.NewEngine(ledgerstore.NewPostgresStore(db, nil), ledger.Config{})
	for _, id := range []string{"u1", "u2"} {
		_, err := engine.CreateUnit(ctx, lifecycle.CreateRequest{
			UnitID: id, ProductCode: testGTIN, LotNumber: "LOT-7", EventID: id + "-mf", Actor: manufacturer,
		})
		if err != nil {
			t.Fatalf("CreateUnit(%s) error = %v", id, err)
		}
	}

	repo := NewPostgresRepository(db, nil)
	created := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	t.Run("not found", func(t *testing.T) {
		if _, err := repo.Get(ctx, testSSCC); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("round trip keeps order", func(t *testing.T) {
		l := LogisticsUnit{ShippingID: testSSCC, CreatorID: "M", UnitIDs: []string{"u2", "u1"}, CreatedAt: created}
		if err := repo.Create(ctx, l); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		got, err := repo.Get(ctx, testSSCC)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(got.UnitIDs) != 2 || got.UnitIDs[0] != "u2" || got.UnitIDs[1] != "u1" {
			t.Errorf("UnitIDs = %v, want [u2 u1]", got.UnitIDs)
		}
		if !got.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
		}
	})

	t.Run("duplicate shipping id", func(t *testing.T) {
		err := repo.Create(ctx, LogisticsUnit{ShippingID: testSSCC, CreatorID: "M", UnitIDs: []string{"u1"}, CreatedAt: created})
		if !errors.Is(err, ErrExists) {
			t.Errorf("Create() error = %v, want ErrExists", err)
		}
	})

	t.Run("unknown member is rejected atomically", func(t *testing.T) {
		const id = "376104250021234569"
		err := repo.Create(ctx, LogisticsUnit{ShippingID: id, CreatorID: "M", UnitIDs: []string{"u1", "ghost"}, CreatedAt: created})
		if err == nil {
			t.Fatal("Create() with unknown unit succeeded")
		}
		if _, err := repo.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() after failed create error = %v, want ErrNotFound", err)
		}
	})
}
