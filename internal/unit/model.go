// Package unit defines the custody ledger data model: tracked units, their
// hash-linked trace events, participants, and the typed error taxonomy shared
// by every ledger component.
package unit

import (
	"slices"
	"time"
)

// Status is the lifecycle status of a tracked unit.
type Status string

// Unit statuses.
const (
	StatusCreated     Status = "CREATED"
	StatusBonded      Status = "BONDED"
	StatusDutyPaid    Status = "DUTY_PAID"
	StatusInTransit   Status = "IN_TRANSIT"
	StatusReceived    Status = "RECEIVED"
	StatusSold        Status = "SOLD"
	StatusReturned    Status = "RETURNED"
	StatusQuarantined Status = "QUARANTINED"
	StatusRecalled    Status = "RECALLED"
	StatusDestroyed   Status = "DESTROYED"
	StatusConsumed    Status = "CONSUMED"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusCreated, StatusBonded, StatusDutyPaid, StatusInTransit, StatusReceived,
	StatusSold, StatusReturned, StatusQuarantined, StatusRecalled, StatusDestroyed,
	StatusConsumed,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsTerminal reports whether no ordinary transition may leave s.
// SOLD is terminal but still admits RECALL.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSold, StatusRecalled, StatusDestroyed, StatusConsumed:
		return true
	}
	return false
}

// EventKind identifies the kind of fact a trace event records.
type EventKind string

// Trace event kinds.
const (
	KindManufacture       EventKind = "MANUFACTURE"
	KindDispatch          EventKind = "DISPATCH"
	KindReceive           EventKind = "RECEIVE"
	KindSale              EventKind = "SALE"
	KindReturn            EventKind = "RETURN"
	KindReturnReceipt     EventKind = "RETURN_RECEIPT"
	KindRecall            EventKind = "RECALL"
	KindDutyPayment       EventKind = "DUTY_PAYMENT"
	KindQuarantineRelease EventKind = "QUARANTINE_RELEASE"
	KindDestroy           EventKind = "DESTROY"
	KindConsume           EventKind = "CONSUME"
)

// AllKinds lists every event kind.
var AllKinds = []EventKind{
	KindManufacture, KindDispatch, KindReceive, KindSale, KindReturn,
	KindReturnReceipt, KindRecall, KindDutyPayment, KindQuarantineRelease,
	KindDestroy, KindConsume,
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	return slices.Contains(AllKinds, k)
}

// Role is a participant's role in the supply chain.
type Role string

// Participant roles.
const (
	RoleManufacturer Role = "MANUFACTURER"
	RoleDistributor  Role = "DISTRIBUTOR"
	RoleRetailer     Role = "RETAILER"
	RoleRegulator    Role = "REGULATOR"
	RoleAuditor      Role = "AUDITOR"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleManufacturer, RoleDistributor, RoleRetailer, RoleRegulator, RoleAuditor:
		return true
	}
	return false
}

// Principal is an authenticated participant.
type Principal struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	OrgName string `json:"orgName,omitempty"`
}

// HasOversight reports whether the principal sees every unit (regulators and auditors).
func (p Principal) HasOversight() bool {
	return p.Role == RoleRegulator || p.Role == RoleAuditor
}

// Attributes are descriptive fields carried through the ledger without interpretation.
type Attributes struct {
	ProductName    string            `json:"productName,omitempty"`
	Quantity       float64           `json:"quantity,omitempty"`
	UnitOfMeasure  string            `json:"unitOfMeasure,omitempty"`
	ProductionDate *time.Time        `json:"productionDate,omitempty"`
	ExpiryDate     *time.Time        `json:"expiryDate,omitempty"`
	Category       string            `json:"category,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func (a Attributes) clone() Attributes {
	out := a
	if a.ProductionDate != nil {
		t := *a.ProductionDate
		out.ProductionDate = &t
	}
	if a.ExpiryDate != nil {
		t := *a.ExpiryDate
		out.ExpiryDate = &t
	}
	if a.Extra != nil {
		out.Extra = make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// TraceEvent is one immutable, hash-linked fact in a unit's history.
type TraceEvent struct {
	EventID          string    `json:"eventId"`
	Kind             EventKind `json:"kind"`
	Timestamp        time.Time `json:"timestamp"`
	ActorID          string    `json:"actorId"`
	ActorDisplayName string    `json:"actorDisplayName,omitempty"`
	Location         string    `json:"location,omitempty"`
	Metadata         Metadata  `json:"metadata,omitempty"`
	EventDigest      string    `json:"eventDigest"`
	PreviousDigest   string    `json:"previousDigest"`
}

// Clone returns a deep copy of the event.
func (e TraceEvent) Clone() TraceEvent {
	out := e
	out.Metadata = e.Metadata.Clone()
	return out
}

// TrackedUnit is one regulated batch followed through its custody lifecycle.
type TrackedUnit struct {
	UnitID         string `json:"unitId"`
	ProductCode    string `json:"productCode"`
	LotNumber      string `json:"lotNumber"`
	IdentityDigest string `json:"identityDigest"`

	ManufacturerID      string `json:"manufacturerId"`
	CurrentOwnerID      string `json:"currentOwnerId"`
	IntendedRecipientID string `json:"intendedRecipientId,omitempty"`

	Status   Status `json:"status"`
	DutyPaid bool   `json:"dutyPaid"`

	Attributes Attributes   `json:"attributes"`
	Trace      []TraceEvent `json:"trace"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Version is the number of events appended so far.
func (u *TrackedUnit) Version() int {
	return len(u.Trace)
}

// Clone returns a deep copy that shares no mutable state with u.
func (u TrackedUnit) Clone() TrackedUnit {
	out := u
	out.Attributes = u.Attributes.clone()
	if u.Trace != nil {
		out.Trace = make([]TraceEvent, len(u.Trace))
		for i, ev := range u.Trace {
			out.Trace[i] = ev.Clone()
		}
	}
	return out
}

// LastEvent returns the most recent trace event, or nil for an empty trace.
func (u *TrackedUnit) LastEvent() *TraceEvent {
	if len(u.Trace) == 0 {
		return nil
	}
	return &u.Trace[len(u.Trace)-1]
}

// FindEvent returns the event with the given ID.
func (u *TrackedUnit) FindEvent(eventID string) (TraceEvent, bool) {
	for _, ev := range u.Trace {
		if ev.EventID == eventID {
			return ev, true
		}
	}
	return TraceEvent{}, false
}

// CountKind returns how many events of kind k the trace holds.
func (u *TrackedUnit) CountKind(k EventKind) int {
	n := 0
	for _, ev := range u.Trace {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// IsParty reports whether principalID owns, manufactured, is receiving, or
// acted on the unit at any point in its history.
func (u *TrackedUnit) IsParty(principalID string) bool {
	if principalID == "" {
		return false
	}
	if u.CurrentOwnerID == principalID || u.ManufacturerID == principalID || u.IntendedRecipientID == principalID {
		return true
	}
	for _, ev := range u.Trace {
		if ev.ActorID == principalID {
			return true
		}
	}
	return false
}
