package logistics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/custodyledger/internal/ledger"
	"github.com/onnwee/custodyledger/internal/lifecycle"
	"github.com/onnwee/custodyledger/internal/unit"
	"github.com/onnwee/custodyledger/internal/validate"
	"github.com/onnwee/custodyledger/internal/visibility"
)

// MaxUnits bounds the number of units in one aggregation.
const MaxUnits = 1000

// DefaultConcurrency is the number of units an event is applied to in parallel.
const DefaultConcurrency = 8

// Ledger is the part of the ledger engine the service drives.
type Ledger interface {
	GetUnit(ctx context.Context, id string, requester unit.Principal) (*unit.TrackedUnit, error)
	Apply(ctx context.Context, req ledger.TransitionRequest) (ledger.Outcome, error)
}

// Service creates aggregations and fans events out to their units. Every
// unit mutation goes through the engine, so each one is checked, chained and
// serialized exactly like a single-unit request.
type Service struct {
	repo        Repository
	ledger      Ledger
	logger      *slog.Logger
	clock       func() time.Time
	concurrency int
}

// NewService creates a service.
func NewService(repo Repository, l Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		ledger:      l,
		logger:      logger,
		clock:       time.Now,
		concurrency: DefaultConcurrency,
	}
}

// CreateRequest describes a new aggregation.
type CreateRequest struct {
	ShippingID string
	UnitIDs    []string
	Actor      unit.Principal
}

// Create validates the shipping ID and checks that the actor currently owns
// every listed unit. Duplicate unit IDs are collapsed.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*LogisticsUnit, error) {
	if err := validate.SSCC(req.ShippingID); err != nil {
		return nil, &unit.ValidationError{Field: "shippingId", Message: err.Error()}
	}
	if req.Actor.ID == "" {
		return nil, &unit.ValidationError{Field: "actor", Message: "required"}
	}
	ids := dedupe(req.UnitIDs)
	switch {
	case len(ids) == 0:
		return nil, &unit.ValidationError{Field: "unitIds", Message: "at least one unit is required"}
	case len(ids) > MaxUnits:
		return nil, &unit.ValidationError{Field: "unitIds", Message: "too many units"}
	}

	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, &unit.ValidationError{Field: "unitIds", Message: "unit ID must not be empty"}
		}
		u, err := s.ledger.GetUnit(ctx, id, req.Actor)
		if err != nil {
			return nil, err
		}
		if u.CurrentOwnerID != req.Actor.ID {
			return nil, &unit.NotOwnerError{UnitID: id, ActorID: req.Actor.ID, Required: "current owner"}
		}
	}

	l := LogisticsUnit{
		ShippingID: req.ShippingID,
		CreatorID:  req.Actor.ID,
		UnitIDs:    ids,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.repo.Create(ctx, l); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, &unit.ValidationError{Field: "shippingId", Message: "already exists"}
		}
		return nil, &unit.StoreUnavailableError{Op: "create logistics unit", Err: err}
	}

	s.logger.InfoContext(ctx, "logistics unit created",
		slog.String("shipping_id", l.ShippingID),
		slog.String("creator_id", l.CreatorID),
		slog.Int("units", len(l.UnitIDs)))
	return &l, nil
}

// Get returns the aggregation listing only the units requester may see.
// Aggregations the requester has no visible unit in, did not create and has
// no oversight over are reported as not found.
func (s *Service) Get(ctx context.Context, shippingID string, requester unit.Principal) (*LogisticsUnit, error) {
	l, err := s.load(ctx, shippingID)
	if err != nil {
		return nil, err
	}

	var lookupErr error
	l.UnitIDs = visibility.FilterIDs(l.UnitIDs, func(id string) (*unit.TrackedUnit, bool) {
		u, err := s.ledger.GetUnit(ctx, id, requester)
		if err != nil {
			if !errors.Is(err, unit.ErrNotFound) && lookupErr == nil {
				lookupErr = err
			}
			return nil, false
		}
		return u, true
	}, requester)
	if lookupErr != nil {
		return nil, lookupErr
	}

	if len(l.UnitIDs) == 0 && l.CreatorID != requester.ID && !requester.HasOversight() {
		return nil, &unit.NotFoundError{UnitID: shippingID}
	}
	return l, nil
}

// EventRequest is a movement event applied to every unit of an aggregation.
type EventRequest struct {
	ShippingID string
	Kind       unit.EventKind
	// EventID is the base ID; each unit's event ID is EventID + ":" + unitID.
	EventID          string
	Actor            unit.Principal
	ActorDisplayName string
	Location         string
	Metadata         unit.Metadata
	Timestamp        time.Time
	RecipientID      string
	ReturnTo         string
}

// ItemResult is the outcome for one unit.
type ItemResult struct {
	UnitID   string      `json:"unitId"`
	EventID  string      `json:"eventId"`
	Status   unit.Status `json:"status,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
	Error    string      `json:"error,omitempty"`
	// Err is the typed failure, mapped to an error code by the API layer.
	Err error `json:"-"`
}

// EventResult collects the per-unit outcomes of an aggregation event.
type EventResult struct {
	ShippingID string         `json:"shippingId"`
	Kind       unit.EventKind `json:"kind"`
	Items      []ItemResult   `json:"items"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
}

// ApplyEvent applies a DISPATCH, RECEIVE, RETURN or RETURN_RECEIPT to every
// contained unit. Units are independent: a failure on one does not undo or
// prevent the others. Per-unit event IDs are derived from the base ID, so a
// retried request replays instead of appending twice.
func (s *Service) ApplyEvent(ctx context.Context, req EventRequest) (*EventResult, error) {
	switch req.Kind {
	case unit.KindDispatch, unit.KindReceive, unit.KindReturn, unit.KindReturnReceipt:
	default:
		return nil, &unit.ValidationError{Field: "kind", Message: "must be DISPATCH, RECEIVE, RETURN or RETURN_RECEIPT"}
	}
	if req.Actor.ID == "" {
		return nil, &unit.ValidationError{Field: "actor", Message: "required"}
	}

	l, err := s.load(ctx, req.ShippingID)
	if err != nil {
		return nil, err
	}

	base := req.EventID
	if base == "" {
		base = uuid.New().String()
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}

	items := make([]ItemResult, len(l.UnitIDs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range l.UnitIDs {
		g.Go(func() error {
			eventID := base + ":" + id
			out, err := s.ledger.Apply(ctx, ledger.TransitionRequest{
				UnitID: id,
				Request: lifecycle.Request{
					Kind:             req.Kind,
					EventID:          eventID,
					Actor:            req.Actor,
					ActorDisplayName: req.ActorDisplayName,
					Location:         req.Location,
					Metadata:         req.Metadata.Clone(),
					Timestamp:        ts,
					RecipientID:      req.RecipientID,
					ReturnTo:         req.ReturnTo,
				},
			})
			item := ItemResult{UnitID: id, EventID: eventID}
			if err != nil {
				item.Err = err
				item.Error = err.Error()
			} else {
				item.Status = out.Unit.Status
				item.Replayed = out.Replayed
			}
			items[i] = item
			return nil
		})
	}
	_ = g.Wait()

	res := &EventResult{ShippingID: l.ShippingID, Kind: req.Kind, Items: items}
	for _, it := range items {
		if it.Err != nil {
			res.Failed++
		} else {
			res.Succeeded++
		}
	}

	level := slog.LevelInfo
	if res.Failed > 0 {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "logistics event applied",
		slog.String("shipping_id", l.ShippingID),
		slog.String("kind", string(req.Kind)),
		slog.String("actor_id", req.Actor.ID),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("failed", res.Failed))
	return res, nil
}

func (s *Service) load(ctx context.Context, shippingID string) (*LogisticsUnit, error) {
	l, err := s.repo.Get(ctx, shippingID)
	if errors.Is(err, ErrNotFound) {
		return nil, &unit.NotFoundError{UnitID: shippingID}
	}
	if err != nil {
		return nil, &unit.StoreUnavailableError{Op: "get logistics unit", Err: err}
	}
	return l, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
