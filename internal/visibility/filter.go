// Package visibility enforces per-participant read secrecy over tracked units.
//
// Regulators and auditors see every unit. Any other participant sees a unit
// only if they are party to it: its current owner, its manufacturer, its
// intended recipient, or an actor on some event in its trace. The filter is
// for read paths only; write authority is decided by the lifecycle guards.
package visibility

import (
	"github.com/onnwee/custodyledger/internal/unit"
)

// CanView reports whether requester may read u.
func CanView(u *unit.TrackedUnit, requester unit.Principal) bool {
	if requester.HasOversight() {
		return true
	}
	return u.IsParty(requester.ID)
}

// Filter returns the units requester may read, preserving input order. For
// oversight roles the input is returned unchanged. Otherwise each unit ID
// appears at most once in the result.
func Filter(units []unit.TrackedUnit, requester unit.Principal) []unit.TrackedUnit {
	if requester.HasOversight() {
		return units
	}
	out := make([]unit.TrackedUnit, 0, len(units))
	seen := make(map[string]struct{}, len(units))
	for i := range units {
		u := &units[i]
		if _, dup := seen[u.UnitID]; dup {
			continue
		}
		if u.IsParty(requester.ID) {
			seen[u.UnitID] = struct{}{}
			out = append(out, *u)
		}
	}
	return out
}

// FilterIDs is Filter over a lookup by ID, used when only identifiers are held.
func FilterIDs(ids []string, lookup func(id string) (*unit.TrackedUnit, bool), requester unit.Principal) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		u, ok := lookup(id)
		if !ok || !CanView(u, requester) {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
