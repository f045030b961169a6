// Package chain builds and verifies the append-only, hash-linked trace of a
// tracked unit.
package chain

import (
	"fmt"
	"time"

	"github.com/onnwee/custodyledger/internal/digest"
	"github.com/onnwee/custodyledger/internal/unit"
)

// TimestampPrecision is the resolution event timestamps are truncated to
// before hashing, so a trace round-trips through Postgres unchanged.
const TimestampPrecision = time.Microsecond

// Result is the outcome of verifying one unit's trace.
type Result struct {
	Valid  bool   `json:"valid"`
	Index  int    `json:"index"`
	Reason string `json:"reason,omitempty"`
	Events int    `json:"events"`
}

// Err converts a failed result into an IntegrityViolationError. It returns
// nil for a valid result.
func (r Result) Err(unitID string) error {
	if r.Valid {
		return nil
	}
	return &unit.IntegrityViolationError{UnitID: unitID, Index: r.Index, Reason: r.Reason}
}

// EventDigest computes the digest of ev over kind, timestamp, actor,
// location, metadata and predecessor digest.
func EventDigest(ev unit.TraceEvent) (digest.Hash, error) {
	if ev.Timestamp.IsZero() {
		return digest.Hash{}, &digest.InvalidInputError{Path: "timestamp", Reason: "required"}
	}
	return digest.Digest(
		string(ev.Kind),
		ev.Timestamp.UTC().Truncate(TimestampPrecision),
		ev.ActorID,
		ev.Location,
		ev.Metadata.Native(),
		ev.PreviousDigest,
	)
}

// Append finalizes draft as the next event of u: it links the draft to the
// digest of u's last event (or Genesis for an empty trace) and computes its
// own digest. u is not modified.
func Append(u *unit.TrackedUnit, draft unit.TraceEvent) (unit.TraceEvent, error) {
	ev := draft.Clone()
	ev.Timestamp = ev.Timestamp.UTC().Truncate(TimestampPrecision)
	ev.PreviousDigest = digest.GenesisHex
	if last := u.LastEvent(); last != nil {
		ev.PreviousDigest = last.EventDigest
	}
	h, err := EventDigest(ev)
	if err != nil {
		return unit.TraceEvent{}, err
	}
	ev.EventDigest = h.String()
	return ev, nil
}

// Verify recomputes every event digest and checks linkage across the whole
// trace. It reports the first offending index and never fails with an
// error; a malformed event is simply an invalid result.
func Verify(u *unit.TrackedUnit) Result {
	if len(u.Trace) == 0 {
		return Result{Valid: false, Index: 0, Reason: "empty trace"}
	}
	prev := digest.GenesisHex
	seen := make(map[string]struct{}, len(u.Trace))
	for i, ev := range u.Trace {
		if ev.PreviousDigest != prev {
			return Result{Index: i, Events: len(u.Trace), Reason: fmt.Sprintf("previous digest %q does not match %q", ev.PreviousDigest, prev)}
		}
		h, err := EventDigest(ev)
		if err != nil {
			return Result{Index: i, Events: len(u.Trace), Reason: err.Error()}
		}
		if h.String() != ev.EventDigest {
			return Result{Index: i, Events: len(u.Trace), Reason: "event digest does not match content"}
		}
		if _, dup := seen[ev.EventID]; dup {
			return Result{Index: i, Events: len(u.Trace), Reason: fmt.Sprintf("duplicate event id %q", ev.EventID)}
		}
		seen[ev.EventID] = struct{}{}
		prev = ev.EventDigest
	}
	return Result{Valid: true, Index: -1, Events: len(u.Trace)}
}
