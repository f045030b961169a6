package unit

import (
	"errors"
	"fmt"
)

// Sentinel categories. Every typed error below matches exactly one of them
// with errors.Is.
var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrNotOwner marks an actor lacking authority over the unit.
	ErrNotOwner = errors.New("actor is not authorized for this unit")
	// ErrIllegalTransition marks an event kind not permitted from the current status.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrNotFound marks an unknown unit ID.
	ErrNotFound = errors.New("unit not found")
	// ErrIntegrityViolation marks a broken hash chain.
	ErrIntegrityViolation = errors.New("trace integrity violation")
	// ErrStoreUnavailable marks a persistence failure.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrSaleRejected marks a SALE refused by the point-of-sale check.
	ErrSaleRejected = errors.New("sale rejected")
)

// ValidationError reports malformed or missing input, rejected before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotOwnerError reports that the actor fails the ownership or authority guard.
type NotOwnerError struct {
	UnitID   string
	ActorID  string
	Required string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("unit %s: actor %q is not %s", e.UnitID, e.ActorID, e.Required)
}

func (e *NotOwnerError) Is(target error) bool { return target == ErrNotOwner }

// IllegalTransitionError reports that no transition row matches.
type IllegalTransitionError struct {
	UnitID string
	From   Status
	Kind   EventKind
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("unit %s: %s is not permitted from %s", e.UnitID, e.Kind, e.From)
}

func (e *IllegalTransitionError) Is(target error) bool { return target == ErrIllegalTransition }

// NotFoundError reports an unknown unit ID.
type NotFoundError struct {
	UnitID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unit %s not found", e.UnitID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// IntegrityViolationError reports the first trace event whose digest or
// linkage does not verify. It is surfaced for audit and never repaired.
type IntegrityViolationError struct {
	UnitID string
	Index  int
	Reason string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("unit %s: trace integrity violated at event %d: %s", e.UnitID, e.Index, e.Reason)
}

func (e *IntegrityViolationError) Is(target error) bool { return target == ErrIntegrityViolation }

// StoreUnavailableError reports a persistence failure. Nothing was changed.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: ledger store unavailable", e.Op)
	}
	return fmt.Sprintf("%s: ledger store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

// SaleRejectedError reports a SALE refused by the point-of-sale check.
// Verdict is DUPLICATE or BLOCKED.
type SaleRejectedError struct {
	UnitID  string
	Verdict string
	Reason  string
}

func (e *SaleRejectedError) Error() string {
	return fmt.Sprintf("unit %s: sale rejected (%s): %s", e.UnitID, e.Verdict, e.Reason)
}

func (e *SaleRejectedError) Is(target error) bool { return target == ErrSaleRejected }
