// Package pos implements the point-of-sale check that detects reuse of an
// already-sold identity and refuses units that must not be sold.
package pos

import (
	"context"
	"errors"
	"fmt"

	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/unit"
)

// Verdict is the outcome of a point-of-sale scan.
type Verdict string

// Scan verdicts.
const (
	VerdictValid     Verdict = "VALID"
	VerdictDuplicate Verdict = "DUPLICATE"
	VerdictBlocked   Verdict = "BLOCKED"
)

// ReasonNotFound is the reason attached to BLOCKED when the unit is unknown.
const ReasonNotFound = "not found"

// Result is a scan verdict with the status it was derived from. Degraded is
// set when that status came from a stale cache.
type Result struct {
	UnitID    string      `json:"unitId"`
	ScannerID string      `json:"scannerId,omitempty"`
	Verdict   Verdict     `json:"verdict"`
	Reason    string      `json:"reason,omitempty"`
	Status    unit.Status `json:"status,omitempty"`
	Degraded  bool        `json:"degraded,omitempty"`
}

// Err returns a SaleRejectedError for any verdict other than VALID.
func (r Result) Err() error {
	if r.Verdict == VerdictValid {
		return nil
	}
	return &unit.SaleRejectedError{UnitID: r.UnitID, Verdict: string(r.Verdict), Reason: r.Reason}
}

// Evaluate derives the verdict for u. A nil unit is BLOCKED as not found.
func Evaluate(unitID string, u *unit.TrackedUnit) Result {
	res := Result{UnitID: unitID}
	if u == nil {
		res.Verdict = VerdictBlocked
		res.Reason = ReasonNotFound
		return res
	}
	res.Status = u.Status
	switch u.Status {
	case unit.StatusSold:
		res.Verdict = VerdictDuplicate
		res.Reason = "unit already sold"
	case unit.StatusQuarantined, unit.StatusRecalled, unit.StatusDestroyed, unit.StatusConsumed:
		res.Verdict = VerdictBlocked
		res.Reason = fmt.Sprintf("unit is %s", u.Status)
	default:
		res.Verdict = VerdictValid
	}
	return res
}

// Reader is the read side of the ledger store used by the guard.
type Reader interface {
	GetUnit(ctx context.Context, id string) (*unit.TrackedUnit, error)
}

// Guard answers point-of-sale scans against the ledger store.
type Guard struct {
	store Reader
}

// NewGuard creates a guard reading from store.
func NewGuard(store Reader) *Guard {
	return &Guard{store: store}
}

// Check looks up unitID and returns its verdict. Store failures are returned
// as StoreUnavailableError, never disguised as a verdict.
func (g *Guard) Check(ctx context.Context, unitID, scannerID string) (Result, error) {
	if unitID == "" {
		return Result{}, &unit.ValidationError{Field: "unitId", Message: "required"}
	}
	u, err := g.store.GetUnit(ctx, unitID)
	if err != nil && !errors.Is(err, ledgerstore.ErrNotFound) {
		return Result{}, &unit.StoreUnavailableError{Op: "pos check", Err: err}
	}
	if err != nil {
		u = nil
	}
	res := Evaluate(unitID, u)
	res.ScannerID = scannerID
	return res, nil
}
