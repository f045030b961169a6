package lifecycle

import (
	"strings"
	"time"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/digest"
	"github.com/onnwee/custodyledger/internal/unit"
	"github.com/onnwee/custodyledger/internal/validate"
)

// CreateRequest describes a new tracked unit and its genesis event.
type CreateRequest struct {
	UnitID      string
	ProductCode string
	LotNumber   string
	Attributes  unit.Attributes

	// InBond creates the unit in BONDED status.
	InBond bool
	// DutyPaid creates the unit in DUTY_PAID status.
	DutyPaid bool

	EventID          string
	Actor            unit.Principal
	ActorDisplayName string
	Location         string
	Metadata         unit.Metadata
	Timestamp        time.Time
}

// InitialStatus returns the status a unit is created in.
func (r CreateRequest) InitialStatus() unit.Status {
	switch {
	case r.DutyPaid:
		return unit.StatusDutyPaid
	case r.InBond:
		return unit.StatusBonded
	default:
		return unit.StatusCreated
	}
}

// Create builds a new unit owned by its manufacturer, with a single
// MANUFACTURE event linked to the genesis digest.
func Create(req CreateRequest) (unit.TrackedUnit, error) {
	if err := validateCreate(req); err != nil {
		return unit.TrackedUnit{}, err
	}
	identity, err := digest.UnitIdentity(req.UnitID, req.ProductCode, req.LotNumber, req.Actor.ID)
	if err != nil {
		return unit.TrackedUnit{}, &unit.ValidationError{Field: "identity", Message: err.Error()}
	}

	u := unit.TrackedUnit{
		UnitID:         req.UnitID,
		ProductCode:    req.ProductCode,
		LotNumber:      req.LotNumber,
		IdentityDigest: identity.String(),
		ManufacturerID: req.Actor.ID,
		CurrentOwnerID: req.Actor.ID,
		Status:         req.InitialStatus(),
		DutyPaid:       req.DutyPaid,
		Attributes:     req.Attributes,
	}
	ev, err := chain.Append(&u, unit.TraceEvent{
		EventID:          req.EventID,
		Kind:             unit.KindManufacture,
		Timestamp:        req.Timestamp,
		ActorID:          req.Actor.ID,
		ActorDisplayName: req.ActorDisplayName,
		Location:         req.Location,
		Metadata:         req.Metadata,
	})
	if err != nil {
		return unit.TrackedUnit{}, &unit.ValidationError{Field: "event", Message: err.Error()}
	}
	u.Trace = []unit.TraceEvent{ev}
	u.CreatedAt = ev.Timestamp
	u.UpdatedAt = ev.Timestamp
	return u.Clone(), nil
}

func validateCreate(req CreateRequest) error {
	if err := validate.UnitID(req.UnitID); err != nil {
		return &unit.ValidationError{Field: "unitId", Message: err.Error()}
	}
	if err := validate.GTIN(req.ProductCode); err != nil {
		return &unit.ValidationError{Field: "productCode", Message: err.Error()}
	}
	if err := validate.LotNumber(req.LotNumber); err != nil {
		return &unit.ValidationError{Field: "lotNumber", Message: err.Error()}
	}
	if _, err := validate.Location(req.Location); err != nil {
		return &unit.ValidationError{Field: "location", Message: err.Error()}
	}
	if req.InBond && req.DutyPaid {
		return &unit.ValidationError{Field: "dutyPaid", Message: "a unit cannot be both in bond and duty paid"}
	}
	switch {
	case strings.TrimSpace(req.Actor.ID) == "":
		return &unit.ValidationError{Field: "actor", Message: "required"}
	case strings.TrimSpace(req.EventID) == "":
		return &unit.ValidationError{Field: "eventId", Message: "required"}
	case req.Timestamp.IsZero():
		return &unit.ValidationError{Field: "timestamp", Message: "required"}
	case req.Attributes.Quantity < 0:
		return &unit.ValidationError{Field: "attributes.quantity", Message: "must not be negative"}
	}
	if err := req.Metadata.Validate(); err != nil {
		return err
	}
	if req.Actor.Role != unit.RoleManufacturer {
		return &unit.NotOwnerError{UnitID: req.UnitID, ActorID: req.Actor.ID, Required: "a manufacturer"}
	}
	return nil
}
