package verification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/ledger"
	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/lifecycle"
	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/unit"
)

var (
	manufacturer = unit.Principal{ID: "M", Role: unit.RoleManufacturer}
	inspector    = unit.Principal{ID: "I", Role: unit.RoleRetailer}
	other        = unit.Principal{ID: "O", Role: unit.RoleRetailer}
	auditor      = unit.Principal{ID: "A", Role: unit.RoleAuditor}
)

func setup(t *testing.T) (*Service, *ledger.Engine, *ledgerstore.LocalStore) {
	t.Helper()
	store := ledgerstore.NewLocalStore()
	engine := ledger.NewEngine(store, ledger.Config{})
	_, err := engine.CreateUnit(context.Background(), lifecycle.CreateRequest{
		UnitID:      "u1",
		ProductCode: "4006381333931",
		LotNumber:   "LOT-1",
		EventID:     "u1-mf",
		Actor:       manufacturer,
		Timestamp:   time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateUnit() error = %v", err)
	}
	return NewService(NewInMemoryRepository(), engine, nil), engine, store
}

func TestService_Submit(t *testing.T) {
	tests := []struct {
		name        string
		unitID      string
		prepare     func(t *testing.T, store *ledgerstore.LocalStore)
		wantVerdict pos.Verdict
		wantChain   bool
		wantIndex   int
		authentic   bool
	}{
		{
			name:        "genuine unit",
			unitID:      "u1",
			wantVerdict: pos.VerdictValid,
			wantChain:   true,
			wantIndex:   -1,
			authentic:   true,
		},
		{
			name:        "unknown unit",
			unitID:      "ghost",
			wantVerdict: pos.VerdictBlocked,
			wantIndex:   -1,
		},
		{
			name:   "tampered trace",
			unitID: "u1",
			prepare: func(t *testing.T, store *ledgerstore.LocalStore) {
				u, err := store.GetUnit(context.Background(), "u1")
				if err != nil {
					t.Fatalf("GetUnit() error = %v", err)
				}
				u.Trace[0].Location = "somewhere else"
				store.Replace(*u)
			},
			wantVerdict: pos.VerdictValid,
			wantChain:   false,
			wantIndex:   0,
		},
		{
			name:   "sold unit",
			unitID: "u1",
			prepare: func(t *testing.T, store *ledgerstore.LocalStore) {
				u, _ := store.GetUnit(context.Background(), "u1")
				u.Status = unit.StatusSold
				store.Replace(*u)
			},
			wantVerdict: pos.VerdictDuplicate,
			wantChain:   true,
			wantIndex:   -1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store := setup(t)
			if tt.prepare != nil {
				tt.prepare(t, store)
			}
			r, err := svc.Submit(context.Background(), SubmitRequest{UnitID: tt.unitID, ScannerID: "S1", Requester: inspector})
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			if r.Status != StatusCompleted {
				t.Errorf("Status = %s, want COMPLETED", r.Status)
			}
			if r.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %s, want %s", r.Verdict, tt.wantVerdict)
			}
			if r.ChainValid != tt.wantChain || r.ChainIndex != tt.wantIndex {
				t.Errorf("chain = (%v, %d), want (%v, %d)", r.ChainValid, r.ChainIndex, tt.wantChain, tt.wantIndex)
			}
			if r.Authentic() != tt.authentic {
				t.Errorf("Authentic() = %v, want %v", r.Authentic(), tt.authentic)
			}
			if r.CompletedAt == nil {
				t.Error("CompletedAt not set")
			}

			stored, err := svc.Get(context.Background(), r.ID, inspector)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if stored.Verdict != r.Verdict || stored.ChainValid != r.ChainValid {
				t.Errorf("stored = %+v, want %+v", stored, r)
			}
		})
	}
}

func TestService_SubmitValidation(t *testing.T) {
	svc, _, _ := setup(t)
	for _, req := range []SubmitRequest{
		{UnitID: "", Requester: inspector},
		{UnitID: "  ", Requester: inspector},
		{UnitID: "u1"},
	} {
		if _, err := svc.Submit(context.Background(), req); !errors.Is(err, unit.ErrValidation) {
			t.Errorf("Submit(%+v) error = %v, want validation", req, err)
		}
	}
}

type downLedger struct{}

func (downLedger) CheckSale(context.Context, string, string) (pos.Result, error) {
	return pos.Result{}, &unit.StoreUnavailableError{Op: "pos check", Err: fmt.Errorf("%w: timeout", ledgerstore.ErrUnavailable)}
}

func (downLedger) CheckIntegrity(context.Context, string) (chain.Result, error) {
	return chain.Result{}, errors.New("unreachable")
}

func TestService_SubmitStoreDown(t *testing.T) {
	repo := NewInMemoryRepository()
	svc := NewService(repo, downLedger{}, nil)

	r, err := svc.Submit(context.Background(), SubmitRequest{UnitID: "u1", Requester: inspector})
	if !errors.Is(err, unit.ErrStoreUnavailable) {
		t.Fatalf("Submit() error = %v, want store unavailable", err)
	}
	if r == nil || r.Status != StatusFailed || r.Reason == "" {
		t.Fatalf("request = %+v, want FAILED with reason", r)
	}
	if _, err := repo.Get(context.Background(), r.ID); err != nil {
		t.Errorf("failed request not recorded: %v", err)
	}
}

func TestService_GetAccess(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	r, err := svc.Submit(ctx, SubmitRequest{UnitID: "u1", Requester: inspector})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	tests := []struct {
		name      string
		id        string
		requester unit.Principal
		wantErr   error
	}{
		{"submitter", r.ID, inspector, nil},
		{"auditor", r.ID, auditor, nil},
		{"someone else", r.ID, other, unit.ErrNotFound},
		{"malformed id", "not-a-uuid", auditor, unit.ErrNotFound},
		{"unknown id", "6f1c1f52-8f3e-4c55-9d0e-1b6a0c7d2e11", auditor, unit.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Get(ctx, tt.id, tt.requester)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Get() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
