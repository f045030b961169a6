package audit

import (
	"testing"
	"time"

	"github.com/onnwee/custodyledger/internal/lifecycle"
	"github.com/onnwee/custodyledger/internal/unit"
)

var (
	manufacturer = unit.Principal{ID: "M", Role: unit.RoleManufacturer}
	distributor  = unit.Principal{ID: "D", Role: unit.RoleDistributor}
	baseTime     = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
)

// dispatchedUnit returns a unit with a MANUFACTURE and a DISPATCH event.
func dispatchedUnit(t *testing.T, id string) unit.TrackedUnit {
	t.Helper()
	u, err := lifecycle.Create(lifecycle.CreateRequest{
		UnitID:      id,
		ProductCode: "4006381333931",
		LotNumber:   "LOT-9",
		EventID:     id + "-mf",
		Actor:       manufacturer,
		Location:    "Plant 1",
		Timestamp:   baseTime,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	u, _, err = lifecycle.Apply(u, lifecycle.Request{
		Kind:        unit.KindDispatch,
		EventID:     id + "-ship",
		Actor:       manufacturer,
		Location:    "Dock, \"north\" gate",
		Metadata:    unit.Metadata{"carrier": unit.String("ACME"), "pallets": unit.Number(2)},
		Timestamp:   baseTime.Add(time.Hour),
		RecipientID: distributor.ID,
	})
	if err != nil {
		t.Fatalf("Apply(DISPATCH) error = %v", err)
	}
	return u
}
