// Package lifecycle validates and applies status transitions for tracked
// units. It is pure: callers serialize access per unit and persist the result.
package lifecycle

import (
	"slices"
	"strings"
	"time"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/unit"
	"github.com/onnwee/custodyledger/internal/validate"
)

// Metadata keys under which transition payload is recorded so that it is
// covered by the event digest.
const (
	MetaRecipientID   = "recipientId"
	MetaReturnTo      = "returnTo"
	MetaReceiptNumber = "receiptNumber"
	MetaReason        = "reason"
)

// Request is one requested transition.
type Request struct {
	Kind             unit.EventKind
	EventID          string
	Actor            unit.Principal
	ActorDisplayName string
	Location         string
	Metadata         unit.Metadata
	Timestamp        time.Time

	// RecipientID is required for DISPATCH.
	RecipientID string
	// ReturnTo is required for RETURN.
	ReturnTo string
	// ReceiptNumber is required for DUTY_PAYMENT.
	ReceiptNumber string
	// Reason is optional free text for RECALL, DESTROY and QUARANTINE_RELEASE.
	Reason string
}

type guard func(u *unit.TrackedUnit, actor unit.Principal) error

type rule struct {
	from     func(unit.Status) bool
	guard    guard
	validate func(u *unit.TrackedUnit, req Request) error
	apply    func(u *unit.TrackedUnit, req Request)
}

func among(statuses ...unit.Status) func(unit.Status) bool {
	return func(s unit.Status) bool { return slices.Contains(statuses, s) }
}

func nonTerminal(s unit.Status) bool {
	return !s.IsTerminal()
}

var rules = map[unit.EventKind]rule{
	unit.KindDispatch: {
		from:     among(unit.StatusCreated, unit.StatusBonded, unit.StatusDutyPaid, unit.StatusReceived, unit.StatusReturned),
		guard:    isOwner,
		validate: requireCounterparty(func(r Request) string { return r.RecipientID }, MetaRecipientID),
		apply: func(u *unit.TrackedUnit, req Request) {
			u.Status = unit.StatusInTransit
			u.IntendedRecipientID = req.RecipientID
		},
	},
	unit.KindReceive: {
		from:  among(unit.StatusInTransit),
		guard: isIntendedRecipient,
		apply: func(u *unit.TrackedUnit, req Request) {
			u.Status = unit.StatusReceived
			if closesReturn(u) {
				u.Status = unit.StatusQuarantined
			}
			u.CurrentOwnerID = req.Actor.ID
			u.IntendedRecipientID = ""
		},
	},
	unit.KindReturnReceipt: {
		from:  func(s unit.Status) bool { return s == unit.StatusInTransit },
		guard: isIntendedRecipient,
		validate: func(u *unit.TrackedUnit, _ Request) error {
			if !closesReturn(u) {
				return &unit.IllegalTransitionError{UnitID: u.UnitID, From: u.Status, Kind: unit.KindReturnReceipt}
			}
			return nil
		},
		apply: func(u *unit.TrackedUnit, req Request) {
			u.Status = unit.StatusQuarantined
			u.CurrentOwnerID = req.Actor.ID
			u.IntendedRecipientID = ""
		},
	},
	unit.KindSale: {
		from:  among(unit.StatusReceived, unit.StatusBonded, unit.StatusDutyPaid),
		guard: isOwner,
		apply: func(u *unit.TrackedUnit, _ Request) {
			u.Status = unit.StatusSold
		},
	},
	// RETURN from IN_TRANSIT redirects the open transit: the sender still
	// owns the unit and the pending recipient is replaced by ReturnTo.
	unit.KindReturn: {
		from:     nonTerminal,
		guard:    isOwner,
		validate: requireCounterparty(func(r Request) string { return r.ReturnTo }, MetaReturnTo),
		apply: func(u *unit.TrackedUnit, req Request) {
			u.Status = unit.StatusInTransit
			u.IntendedRecipientID = req.ReturnTo
		},
	},
	unit.KindRecall: {
		from:  func(s unit.Status) bool { return !s.IsTerminal() || s == unit.StatusSold },
		guard: isManufacturerOrRegulator,
		apply: func(u *unit.TrackedUnit, _ Request) {
			u.Status = unit.StatusRecalled
			u.IntendedRecipientID = ""
		},
	},
	unit.KindDutyPayment: {
		from:  among(unit.StatusCreated, unit.StatusBonded, unit.StatusReceived),
		guard: isOwnerOrRegulator,
		validate: func(u *unit.TrackedUnit, req Request) error {
			if u.DutyPaid {
				return &unit.IllegalTransitionError{UnitID: u.UnitID, From: u.Status, Kind: unit.KindDutyPayment}
			}
			if strings.TrimSpace(req.ReceiptNumber) == "" {
				return &unit.ValidationError{Field: MetaReceiptNumber, Message: "required for DUTY_PAYMENT"}
			}
			return nil
		},
		apply: func(u *unit.TrackedUnit, _ Request) {
			u.Status = unit.StatusDutyPaid
			u.DutyPaid = true
		},
	},
	unit.KindQuarantineRelease: {
		from:  among(unit.StatusQuarantined, unit.StatusReturned),
		guard: isOwnerOrRegulator,
		apply: func(u *unit.TrackedUnit, _ Request) {
			u.Status = unit.StatusReceived
		},
	},
	unit.KindDestroy: {
		from:  among(unit.StatusQuarantined, unit.StatusReceived, unit.StatusReturned),
		guard: isOwnerOrRegulator,
		apply: func(u *unit.TrackedUnit, _ Request) {
			u.Status = unit.StatusDestroyed
		},
	},
	unit.KindConsume: {
		from:  among(unit.StatusReceived, unit.StatusDutyPaid),
		guard: isOwner,
		apply: func(u *unit.TrackedUnit, _ Request) {
			u.Status = unit.StatusConsumed
		},
	},
}

// Allowed reports whether kind may be applied from status, ignoring guards.
func Allowed(from unit.Status, kind unit.EventKind) bool {
	r, ok := rules[kind]
	return ok && r.from(from)
}

// Apply validates req against u and, on success, returns the updated unit
// and the single event appended to its trace. u is never modified; on error
// nothing has been applied.
//
// SALE additionally requires the point-of-sale verdict for u to be VALID; a
// DUPLICATE or BLOCKED verdict fails with SaleRejectedError.
func Apply(u unit.TrackedUnit, req Request) (unit.TrackedUnit, unit.TraceEvent, error) {
	if err := validateRequest(req); err != nil {
		return unit.TrackedUnit{}, unit.TraceEvent{}, err
	}
	if _, dup := u.FindEvent(req.EventID); dup {
		return unit.TrackedUnit{}, unit.TraceEvent{}, &unit.ValidationError{Field: "eventId", Message: "already present in trace"}
	}

	if req.Kind == unit.KindSale {
		if err := pos.Evaluate(u.UnitID, &u).Err(); err != nil {
			return unit.TrackedUnit{}, unit.TraceEvent{}, err
		}
	}

	r, ok := rules[req.Kind]
	if !ok || !r.from(u.Status) {
		return unit.TrackedUnit{}, unit.TraceEvent{}, &unit.IllegalTransitionError{UnitID: u.UnitID, From: u.Status, Kind: req.Kind}
	}
	if r.validate != nil {
		if err := r.validate(&u, req); err != nil {
			return unit.TrackedUnit{}, unit.TraceEvent{}, err
		}
	}
	if err := r.guard(&u, req.Actor); err != nil {
		return unit.TrackedUnit{}, unit.TraceEvent{}, err
	}

	meta, err := payloadMetadata(req)
	if err != nil {
		return unit.TrackedUnit{}, unit.TraceEvent{}, err
	}
	ev, err := chain.Append(&u, unit.TraceEvent{
		EventID:          req.EventID,
		Kind:             req.Kind,
		Timestamp:        req.Timestamp,
		ActorID:          req.Actor.ID,
		ActorDisplayName: req.ActorDisplayName,
		Location:         req.Location,
		Metadata:         meta,
	})
	if err != nil {
		return unit.TrackedUnit{}, unit.TraceEvent{}, &unit.ValidationError{Field: "event", Message: err.Error()}
	}

	next := u.Clone()
	r.apply(&next, req)
	next.Trace = append(next.Trace, ev)
	next.UpdatedAt = ev.Timestamp
	return next, ev, nil
}

func validateRequest(req Request) error {
	switch {
	case !req.Kind.Valid():
		return &unit.ValidationError{Field: "kind", Message: "unknown event kind " + string(req.Kind)}
	case req.Kind == unit.KindManufacture:
		return &unit.ValidationError{Field: "kind", Message: "MANUFACTURE is only recorded at creation"}
	case strings.TrimSpace(req.EventID) == "":
		return &unit.ValidationError{Field: "eventId", Message: "required"}
	case strings.TrimSpace(req.Actor.ID) == "":
		return &unit.ValidationError{Field: "actor", Message: "required"}
	case req.Timestamp.IsZero():
		return &unit.ValidationError{Field: "timestamp", Message: "required"}
	}
	if _, err := validate.Location(req.Location); err != nil {
		return &unit.ValidationError{Field: "location", Message: err.Error()}
	}
	return req.Metadata.Validate()
}

// payloadMetadata merges transition payload into the event metadata. A
// caller-supplied key that conflicts with the payload is rejected.
func payloadMetadata(req Request) (unit.Metadata, error) {
	meta := req.Metadata.Clone()
	set := func(key, val string) error {
		if val == "" {
			return nil
		}
		if meta == nil {
			meta = unit.Metadata{}
		}
		if existing, ok := meta[key]; ok {
			if s, isStr := existing.Str(); !isStr || s != val {
				return &unit.ValidationError{Field: "metadata." + key, Message: "conflicts with transition payload"}
			}
		}
		meta[key] = unit.String(val)
		return nil
	}
	for _, kv := range [][2]string{
		{MetaRecipientID, req.RecipientID},
		{MetaReturnTo, req.ReturnTo},
		{MetaReceiptNumber, req.ReceiptNumber},
		{MetaReason, req.Reason},
	} {
		if err := set(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return meta, nil
}

// closesReturn reports whether the transit u is in was opened by RETURN.
func closesReturn(u *unit.TrackedUnit) bool {
	for i := len(u.Trace) - 1; i >= 0; i-- {
		switch u.Trace[i].Kind {
		case unit.KindReturn:
			return true
		case unit.KindDispatch:
			return false
		}
	}
	return false
}

func requireCounterparty(get func(Request) string, field string) func(*unit.TrackedUnit, Request) error {
	return func(u *unit.TrackedUnit, req Request) error {
		target := strings.TrimSpace(get(req))
		if target == "" {
			return &unit.ValidationError{Field: field, Message: "required for " + string(req.Kind)}
		}
		if err := validate.PrincipalID(target); err != nil {
			return &unit.ValidationError{Field: field, Message: err.Error()}
		}
		if target == u.CurrentOwnerID {
			return &unit.ValidationError{Field: field, Message: "must differ from the current owner"}
		}
		return nil
	}
}

func isOwner(u *unit.TrackedUnit, actor unit.Principal) error {
	if actor.ID != u.CurrentOwnerID {
		return &unit.NotOwnerError{UnitID: u.UnitID, ActorID: actor.ID, Required: "the current owner"}
	}
	return nil
}

func isIntendedRecipient(u *unit.TrackedUnit, actor unit.Principal) error {
	if u.IntendedRecipientID == "" || actor.ID != u.IntendedRecipientID {
		return &unit.NotOwnerError{UnitID: u.UnitID, ActorID: actor.ID, Required: "the intended recipient"}
	}
	return nil
}

func isManufacturerOrRegulator(u *unit.TrackedUnit, actor unit.Principal) error {
	if actor.ID == u.ManufacturerID || actor.Role == unit.RoleRegulator {
		return nil
	}
	return &unit.NotOwnerError{UnitID: u.UnitID, ActorID: actor.ID, Required: "the manufacturer of record or a regulator"}
}

func isOwnerOrRegulator(u *unit.TrackedUnit, actor unit.Principal) error {
	if actor.ID == u.CurrentOwnerID || actor.Role == unit.RoleRegulator {
		return nil
	}
	return &unit.NotOwnerError{UnitID: u.UnitID, ActorID: actor.ID, Required: "the current owner or a regulator"}
}
