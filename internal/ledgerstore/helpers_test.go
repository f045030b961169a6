package ledgerstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/unit"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testUnit builds a unit whose trace holds n linked events.
func testUnit(t *testing.T, id string, n int) unit.TrackedUnit {
	t.Helper()
	u := unit.TrackedUnit{
		UnitID:         id,
		ProductCode:    "4006381333931",
		LotNumber:      "LOT-1",
		IdentityDigest: fmt.Sprintf("%064d", 7),
		ManufacturerID: "M",
		CurrentOwnerID: "M",
		Status:         unit.StatusCreated,
		Attributes:     unit.Attributes{ProductName: "Gin", Quantity: 12, UnitOfMeasure: "bottle"},
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
	for i := 0; i < n; i++ {
		extend(t, &u)
	}
	return u
}

// extend appends one event to u.
func extend(t *testing.T, u *unit.TrackedUnit) {
	t.Helper()
	i := len(u.Trace)
	kind := unit.KindManufacture
	if i > 0 {
		kind = unit.KindDutyPayment
	}
	ev, err := chain.Append(u, unit.TraceEvent{
		EventID:   fmt.Sprintf("%s-e%d", u.UnitID, i),
		Kind:      kind,
		Timestamp: baseTime.Add(time.Duration(i) * time.Minute),
		ActorID:   "M",
		Location:  "Warehouse",
		Metadata:  unit.Metadata{"seq": unit.Number(float64(i)), "nested": unit.Map(unit.Metadata{"ok": unit.Bool(true)})},
	})
	if err != nil {
		t.Fatalf("chain.Append() error = %v", err)
	}
	u.Trace = append(u.Trace, ev)
	u.UpdatedAt = ev.Timestamp
}
