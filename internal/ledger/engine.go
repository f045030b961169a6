// Package ledger orchestrates the custody ledger: it serializes every
// mutation of a unit behind a per-unit critical section, runs the lifecycle
// rules and point-of-sale re-check inside it, persists through the ledger
// store, and applies visibility rules on read paths.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/ledgerstore"
	"github.com/onnwee/custodyledger/internal/lifecycle"
	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/tracing"
	"github.com/onnwee/custodyledger/internal/unit"
	"github.com/onnwee/custodyledger/internal/visibility"
)

// Notifier receives every event after it has been persisted.
type Notifier interface {
	Publish(u unit.TrackedUnit, ev unit.TraceEvent)
}

// Config configures an Engine. All fields are optional.
type Config struct {
	Logger   *slog.Logger
	Metrics  *Metrics
	Notifier Notifier
	// Clock stamps events that arrive without a timestamp.
	Clock func() time.Time
	// NewEventID generates event IDs for requests that carry none.
	NewEventID func() string
}

// Engine is safe for concurrent use. Its only shared state is the per-unit
// lock table; units themselves live in the store.
type Engine struct {
	store    ledgerstore.Store
	guard    *pos.Guard
	locks    *unitLocks
	logger   *slog.Logger
	metrics  *Metrics
	notifier Notifier
	clock    func() time.Time
	newID    func() string
}

// NewEngine creates an engine over store.
func NewEngine(store ledgerstore.Store, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewEventID == nil {
		cfg.NewEventID = func() string { return uuid.New().String() }
	}
	return &Engine{
		store:    store,
		guard:    pos.NewGuard(store),
		locks:    newUnitLocks(),
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		notifier: cfg.Notifier,
		clock:    cfg.Clock,
		newID:    cfg.NewEventID,
	}
}

// Outcome is the result of a mutation.
type Outcome struct {
	Unit  unit.TrackedUnit `json:"unit"`
	Event unit.TraceEvent  `json:"event"`
	// Replayed is true when the event ID was already in the trace and the
	// stored event is returned without a second append.
	Replayed bool `json:"replayed"`
}

// EventInfo carries the descriptive fields of a requested event.
type EventInfo struct {
	EventID          string
	ActorDisplayName string
	Location         string
	Metadata         unit.Metadata
	// Timestamp defaults to the engine clock.
	Timestamp time.Time
}

// TransitionRequest is a generic transition on one unit.
type TransitionRequest struct {
	UnitID string
	lifecycle.Request
}

// CreateUnit records a new unit with its MANUFACTURE event. Creating an
// existing unit with the same genesis event ID is a replay; any other
// collision is a ValidationError.
func (e *Engine) CreateUnit(ctx context.Context, req lifecycle.CreateRequest) (out Outcome, err error) {
	ctx, endSpan := tracing.StartUnitSpan(ctx, "ledger.create_unit", req.UnitID,
		tracing.AttrActorID.String(req.Actor.ID))
	defer func() { endSpan(err) }()

	if req.EventID == "" {
		req.EventID = e.newID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = e.clock()
	}

	release, err := e.lock(ctx, req.UnitID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	existing, err := e.store.GetUnit(ctx, req.UnitID)
	switch {
	case err == nil:
		genesis := existing.Trace[0]
		if genesis.EventID == req.EventID && existing.ManufacturerID == req.Actor.ID {
			e.count(unit.KindManufacture, OutcomeReplayed)
			return Outcome{Unit: *existing, Event: genesis, Replayed: true}, nil
		}
		e.count(unit.KindManufacture, OutcomeRejected)
		return Outcome{}, &unit.ValidationError{Field: "unitId", Message: "unit " + req.UnitID + " already exists"}
	case !errors.Is(err, ledgerstore.ErrNotFound):
		e.count(unit.KindManufacture, OutcomeFailed)
		return Outcome{}, storeError("create unit", req.UnitID, err)
	}

	u, err := lifecycle.Create(req)
	if err != nil {
		e.count(unit.KindManufacture, OutcomeRejected)
		e.logger.WarnContext(ctx, "unit creation rejected",
			slog.String("unit_id", req.UnitID),
			slog.String("actor_id", req.Actor.ID),
			slog.String("error", err.Error()))
		return Outcome{}, err
	}
	if err := e.store.PutUnit(ctx, u); err != nil {
		e.count(unit.KindManufacture, OutcomeFailed)
		return Outcome{}, storeError("create unit", req.UnitID, err)
	}

	e.count(unit.KindManufacture, OutcomeApplied)
	if e.metrics != nil {
		e.metrics.IncUnitsCreated()
	}
	e.logger.InfoContext(ctx, "unit created",
		slog.String("unit_id", u.UnitID),
		slog.String("product_code", u.ProductCode),
		slog.String("lot_number", u.LotNumber),
		slog.String("status", string(u.Status)),
		slog.String("manufacturer_id", u.ManufacturerID))
	e.publish(u, u.Trace[0])
	return Outcome{Unit: u, Event: u.Trace[0]}, nil
}

// Apply runs one transition inside the unit's critical section: load, replay
// check, point-of-sale re-check for SALE, lifecycle rules, chain append and
// persist. Nothing is changed unless every step succeeds.
func (e *Engine) Apply(ctx context.Context, req TransitionRequest) (out Outcome, err error) {
	ctx, endSpan := tracing.StartUnitSpan(ctx, "ledger.apply", req.UnitID,
		tracing.AttrEventKind.String(string(req.Kind)),
		tracing.AttrActorID.String(req.Actor.ID))
	defer func() { endSpan(err) }()

	if req.UnitID == "" {
		return Outcome{}, &unit.ValidationError{Field: "unitId", Message: "required"}
	}
	if req.EventID == "" {
		req.EventID = e.newID()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = e.clock()
	}

	release, err := e.lock(ctx, req.UnitID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	current, err := e.store.GetUnit(ctx, req.UnitID)
	if err != nil {
		e.count(req.Kind, OutcomeFailed)
		return Outcome{}, storeError("apply transition", req.UnitID, err)
	}

	if prior, ok := current.FindEvent(req.EventID); ok {
		if prior.Kind != req.Kind || prior.ActorID != req.Actor.ID {
			e.count(req.Kind, OutcomeRejected)
			return Outcome{}, &unit.ValidationError{Field: "eventId", Message: "already used for a different event"}
		}
		e.count(req.Kind, OutcomeReplayed)
		return Outcome{Unit: *current, Event: prior, Replayed: true}, nil
	}

	if req.Kind == unit.KindSale {
		verdict := pos.Evaluate(req.UnitID, current)
		if e.metrics != nil {
			e.metrics.IncPOSCheck(string(verdict.Verdict))
		}
		tracing.SetAttributes(ctx, tracing.AttrVerdict.String(string(verdict.Verdict)))
	}

	next, ev, err := lifecycle.Apply(*current, req.Request)
	if err != nil {
		e.count(req.Kind, OutcomeRejected)
		e.logger.WarnContext(ctx, "transition rejected",
			slog.String("unit_id", req.UnitID),
			slog.String("kind", string(req.Kind)),
			slog.String("status", string(current.Status)),
			slog.String("actor_id", req.Actor.ID),
			slog.String("error", err.Error()))
		return Outcome{}, err
	}

	if err := e.store.PutUnit(ctx, next); err != nil {
		e.count(req.Kind, OutcomeFailed)
		e.logger.ErrorContext(ctx, "failed to persist transition",
			slog.String("unit_id", req.UnitID),
			slog.String("kind", string(req.Kind)),
			slog.String("error", err.Error()))
		return Outcome{}, storeError("apply transition", req.UnitID, err)
	}

	e.count(req.Kind, OutcomeApplied)
	e.logger.InfoContext(ctx, "transition applied",
		slog.String("unit_id", next.UnitID),
		slog.String("kind", string(ev.Kind)),
		slog.String("event_id", ev.EventID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next.Status)),
		slog.String("actor_id", ev.ActorID))
	e.publish(next, ev)
	return Outcome{Unit: next, Event: ev}, nil
}

// Dispatch moves the unit into transit towards recipientID.
func (e *Engine) Dispatch(ctx context.Context, unitID string, actor unit.Principal, recipientID string, info EventInfo) (Outcome, error) {
	req := e.request(unitID, unit.KindDispatch, actor, info)
	req.RecipientID = recipientID
	return e.Apply(ctx, req)
}

// Receive closes the open transit; the actor must be the intended recipient.
func (e *Engine) Receive(ctx context.Context, unitID string, actor unit.Principal, info EventInfo) (Outcome, error) {
	return e.Apply(ctx, e.request(unitID, unit.KindReceive, actor, info))
}

// Sell records the sale. The point-of-sale verdict is re-checked inside the
// critical section; a DUPLICATE or BLOCKED verdict fails with SaleRejectedError.
func (e *Engine) Sell(ctx context.Context, unitID string, actor unit.Principal, info EventInfo) (Outcome, error) {
	return e.Apply(ctx, e.request(unitID, unit.KindSale, actor, info))
}

// Return sends the unit back towards returnTo.
func (e *Engine) Return(ctx context.Context, unitID string, actor unit.Principal, returnTo string, info EventInfo) (Outcome, error) {
	req := e.request(unitID, unit.KindReturn, actor, info)
	req.ReturnTo = returnTo
	return e.Apply(ctx, req)
}

// Recall recalls the unit; the actor must be its manufacturer or a regulator.
func (e *Engine) Recall(ctx context.Context, unitID string, actor unit.Principal, reason string, info EventInfo) (Outcome, error) {
	req := e.request(unitID, unit.KindRecall, actor, info)
	req.Reason = reason
	return e.Apply(ctx, req)
}

// PayDuty records payment of excise duty under receiptNumber.
func (e *Engine) PayDuty(ctx context.Context, unitID string, actor unit.Principal, receiptNumber string, info EventInfo) (Outcome, error) {
	req := e.request(unitID, unit.KindDutyPayment, actor, info)
	req.ReceiptNumber = receiptNumber
	return e.Apply(ctx, req)
}

// ReleaseQuarantine returns a quarantined unit to stock.
func (e *Engine) ReleaseQuarantine(ctx context.Context, unitID string, actor unit.Principal, reason string, info EventInfo) (Outcome, error) {
	req := e.request(unitID, unit.KindQuarantineRelease, actor, info)
	req.Reason = reason
	return e.Apply(ctx, req)
}

// Destroy records destruction of the unit.
func (e *Engine) Destroy(ctx context.Context, unitID string, actor unit.Principal, reason string, info EventInfo) (Outcome, error) {
	req := e.request(unitID, unit.KindDestroy, actor, info)
	req.Reason = reason
	return e.Apply(ctx, req)
}

// Consume records on-premise consumption of the unit.
func (e *Engine) Consume(ctx context.Context, unitID string, actor unit.Principal, info EventInfo) (Outcome, error) {
	return e.Apply(ctx, e.request(unitID, unit.KindConsume, actor, info))
}

func (e *Engine) request(unitID string, kind unit.EventKind, actor unit.Principal, info EventInfo) TransitionRequest {
	return TransitionRequest{
		UnitID: unitID,
		Request: lifecycle.Request{
			Kind:             kind,
			EventID:          info.EventID,
			Actor:            actor,
			ActorDisplayName: info.ActorDisplayName,
			Location:         info.Location,
			Metadata:         info.Metadata,
			Timestamp:        info.Timestamp,
		},
	}
}

// GetUnit returns the unit if requester may see it. Units the requester may
// not see are reported as not found.
func (e *Engine) GetUnit(ctx context.Context, id string, requester unit.Principal) (*unit.TrackedUnit, error) {
	u, err := e.store.GetUnit(ctx, id)
	if err != nil {
		return nil, storeError("get unit", id, err)
	}
	if !visibility.CanView(u, requester) {
		return nil, &unit.NotFoundError{UnitID: id}
	}
	return u, nil
}

// ListUnits returns every unit requester may see.
func (e *Engine) ListUnits(ctx context.Context, requester unit.Principal) ([]unit.TrackedUnit, error) {
	units, err := e.store.ListUnits(ctx)
	if err != nil {
		return nil, storeError("list units", "", err)
	}
	return visibility.Filter(units, requester), nil
}

// History returns the unit's trace if requester may see the unit.
func (e *Engine) History(ctx context.Context, id string, requester unit.Principal) ([]unit.TraceEvent, error) {
	u, err := e.GetUnit(ctx, id, requester)
	if err != nil {
		return nil, err
	}
	return u.Trace, nil
}

// CheckSale answers a point-of-sale scan. It reads a snapshot and takes no
// lock; Sell re-checks inside the critical section.
func (e *Engine) CheckSale(ctx context.Context, unitID, scannerID string) (res pos.Result, err error) {
	ctx, endSpan := tracing.StartUnitSpan(ctx, "ledger.pos_check", unitID,
		attribute.String("ledger.scanner_id", scannerID))
	defer func() { endSpan(err) }()

	res, err = e.guard.Check(ctx, unitID, scannerID)
	if err != nil {
		return pos.Result{}, err
	}
	res.Degraded = e.Degraded()
	if e.metrics != nil {
		e.metrics.IncPOSCheck(string(res.Verdict))
	}
	tracing.SetAttributes(ctx, tracing.AttrVerdict.String(string(res.Verdict)))
	if res.Verdict != pos.VerdictValid {
		e.logger.WarnContext(ctx, "point-of-sale check flagged unit",
			slog.String("unit_id", unitID),
			slog.String("scanner_id", scannerID),
			slog.String("verdict", string(res.Verdict)),
			slog.String("reason", res.Reason),
			slog.Bool("degraded", res.Degraded))
	}
	return res, nil
}

// VerifyUnit recomputes the unit's hash chain. An invalid chain is reported
// in the result, counted and logged; it is never repaired.
func (e *Engine) VerifyUnit(ctx context.Context, id string, requester unit.Principal) (chain.Result, error) {
	u, err := e.GetUnit(ctx, id, requester)
	if err != nil {
		return chain.Result{}, err
	}
	return e.verify(ctx, u), nil
}

// CheckIntegrity verifies the unit's chain without a visibility check. Only
// the verification result is disclosed, never the trace.
func (e *Engine) CheckIntegrity(ctx context.Context, id string) (chain.Result, error) {
	u, err := e.store.GetUnit(ctx, id)
	if err != nil {
		return chain.Result{}, storeError("check integrity", id, err)
	}
	return e.verify(ctx, u), nil
}

// VerifyAll verifies every unit in the store and returns the failures keyed
// by unit ID.
func (e *Engine) VerifyAll(ctx context.Context) (map[string]chain.Result, int, error) {
	units, err := e.store.ListUnits(ctx)
	if err != nil {
		return nil, 0, storeError("verify all", "", err)
	}
	failures := make(map[string]chain.Result)
	for i := range units {
		if err := ctx.Err(); err != nil {
			return failures, i, err
		}
		if res := e.verify(ctx, &units[i]); !res.Valid {
			failures[units[i].UnitID] = res
		}
	}
	return failures, len(units), nil
}

func (e *Engine) verify(ctx context.Context, u *unit.TrackedUnit) chain.Result {
	res := chain.Verify(u)
	if !res.Valid {
		if e.metrics != nil {
			e.metrics.IncIntegrityFailures()
		}
		e.logger.ErrorContext(ctx, "trace integrity violation",
			slog.String("unit_id", u.UnitID),
			slog.Int("index", res.Index),
			slog.String("reason", res.Reason))
	}
	return res
}

// Degraded reports whether the store is serving cached, read-only data.
func (e *Engine) Degraded() bool {
	if hr, ok := e.store.(ledgerstore.HealthReporter); ok {
		return hr.Degraded()
	}
	return false
}

func (e *Engine) lock(ctx context.Context, unitID string) (func(), error) {
	start := time.Now()
	release, err := e.locks.acquire(ctx, unitID)
	if err != nil {
		return nil, &unit.StoreUnavailableError{Op: "acquire unit lock", Err: err}
	}
	if e.metrics != nil {
		e.metrics.ObserveLockWait(time.Since(start).Seconds())
	}
	return release, nil
}

func (e *Engine) count(kind unit.EventKind, outcome string) {
	if e.metrics != nil {
		e.metrics.IncTransition(string(kind), outcome)
	}
}

func (e *Engine) publish(u unit.TrackedUnit, ev unit.TraceEvent) {
	if e.notifier != nil {
		e.notifier.Publish(u.Clone(), ev.Clone())
	}
}

// storeError translates store sentinels into the ledger error taxonomy.
func storeError(op, unitID string, err error) error {
	switch {
	case errors.Is(err, ledgerstore.ErrNotFound):
		return &unit.NotFoundError{UnitID: unitID}
	case errors.Is(err, ledgerstore.ErrInvalidUnit):
		return &unit.ValidationError{Field: "unit", Message: err.Error()}
	}
	return &unit.StoreUnavailableError{Op: op, Err: err}
}
