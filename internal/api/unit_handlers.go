package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/custodyledger/internal/audit"
	"github.com/onnwee/custodyledger/internal/chain"
	"github.com/onnwee/custodyledger/internal/ledger"
	"github.com/onnwee/custodyledger/internal/lifecycle"
	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/unit"
)

// MaxRequestBodyBytes bounds every JSON request body.
const MaxRequestBodyBytes = 1 << 20

// Ledger is the part of the ledger engine the HTTP handlers use.
type Ledger interface {
	CreateUnit(ctx context.Context, req lifecycle.CreateRequest) (ledger.Outcome, error)
	Apply(ctx context.Context, req ledger.TransitionRequest) (ledger.Outcome, error)
	GetUnit(ctx context.Context, id string, requester unit.Principal) (*unit.TrackedUnit, error)
	ListUnits(ctx context.Context, requester unit.Principal) ([]unit.TrackedUnit, error)
	History(ctx context.Context, id string, requester unit.Principal) ([]unit.TraceEvent, error)
	VerifyUnit(ctx context.Context, id string, requester unit.Principal) (chain.Result, error)
	CheckSale(ctx context.Context, unitID, scannerID string) (pos.Result, error)
	Degraded() bool
}

// Archiver stores trace exports as evidence.
type Archiver interface {
	Archive(ctx context.Context, unitID string, format audit.ExportFormat, data []byte) (*audit.ArchiveResult, error)
}

// CreateUnitRequest is the body of POST /units.
type CreateUnitRequest struct {
	UnitID           string          `json:"unitId"`
	ProductCode      string          `json:"productCode"`
	LotNumber        string          `json:"lotNumber"`
	Attributes       unit.Attributes `json:"attributes"`
	InBond           bool            `json:"inBond,omitempty"`
	DutyPaid         bool            `json:"dutyPaid,omitempty"`
	EventID          string          `json:"eventId,omitempty"`
	ActorDisplayName string          `json:"actorDisplayName,omitempty"`
	Location         string          `json:"location,omitempty"`
	Metadata         unit.Metadata   `json:"metadata,omitempty"`
	Timestamp        *time.Time      `json:"timestamp,omitempty"`
}

// TransitionRequest is the body of POST /units/{id}/events.
type TransitionRequest struct {
	Kind             unit.EventKind `json:"kind"`
	EventID          string         `json:"eventId,omitempty"`
	ActorDisplayName string         `json:"actorDisplayName,omitempty"`
	Location         string         `json:"location,omitempty"`
	Metadata         unit.Metadata  `json:"metadata,omitempty"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
	RecipientID      string         `json:"recipientId,omitempty"`
	ReturnTo         string         `json:"returnTo,omitempty"`
	ReceiptNumber    string         `json:"receiptNumber,omitempty"`
	Reason           string         `json:"reason,omitempty"`
}

// UnitListResponse is the body of GET /units.
type UnitListResponse struct {
	Units []unit.TrackedUnit `json:"units"`
	Count int                `json:"count"`
}

// VerifyResponse is the body of GET /units/{id}/verify.
type VerifyResponse struct {
	UnitID string       `json:"unitId"`
	Chain  chain.Result `json:"chain"`
}

// UnitHandlers serves the tracked unit routes.
type UnitHandlers struct {
	ledger   Ledger
	archiver Archiver
	logger   *slog.Logger
	timeNow  func() time.Time
}

// NewUnitHandlers creates unit handlers. archiver may be nil, in which case
// archive requests are answered with 503.
func NewUnitHandlers(l Ledger, archiver Archiver, logger *slog.Logger) *UnitHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnitHandlers{
		ledger:   l,
		archiver: archiver,
		logger:   logger,
		timeNow:  time.Now,
	}
}

// CreateUnit handles POST /units.
func (h *UnitHandlers) CreateUnit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req CreateUnitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	out, err := h.ledger.CreateUnit(ctx, lifecycle.CreateRequest{
		UnitID:           req.UnitID,
		ProductCode:      req.ProductCode,
		LotNumber:        req.LotNumber,
		Attributes:       req.Attributes,
		InBond:           req.InBond,
		DutyPaid:         req.DutyPaid,
		EventID:          eventIDFor(r, req.EventID, actor),
		Actor:            actor,
		ActorDisplayName: req.ActorDisplayName,
		Location:         req.Location,
		Metadata:         req.Metadata,
		Timestamp:        timeOrZero(req.Timestamp),
	})
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeOutcome(w, ctx, out)
}

// ListUnits handles GET /units.
func (h *UnitHandlers) ListUnits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	units, err := h.ledger.ListUnits(ctx, requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	if units == nil {
		units = []unit.TrackedUnit{}
	}
	writeJSON(w, ctx, http.StatusOK, UnitListResponse{Units: units, Count: len(units)})
}

// GetUnit handles GET /units/{id}.
func (h *UnitHandlers) GetUnit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	u, err := h.ledger.GetUnit(ctx, r.PathValue("id"), requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, u)
}

// History handles GET /units/{id}/events.
func (h *UnitHandlers) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	events, err := h.ledger.History(ctx, r.PathValue("id"), requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, map[string]any{"events": events})
}

// ApplyEvent handles POST /units/{id}/events.
func (h *UnitHandlers) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req TransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == unit.KindManufacture {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "MANUFACTURE is recorded by POST /units")
		return
	}

	out, err := h.ledger.Apply(ctx, ledger.TransitionRequest{
		UnitID: r.PathValue("id"),
		Request: lifecycle.Request{
			Kind:             req.Kind,
			EventID:          eventIDFor(r, req.EventID, actor),
			Actor:            actor,
			ActorDisplayName: req.ActorDisplayName,
			Location:         req.Location,
			Metadata:         req.Metadata,
			Timestamp:        timeOrZero(req.Timestamp),
			RecipientID:      req.RecipientID,
			ReturnTo:         req.ReturnTo,
			ReceiptNumber:    req.ReceiptNumber,
			Reason:           req.Reason,
		},
	})
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeOutcome(w, ctx, out)
}

// Verify handles GET /units/{id}/verify. A broken chain is reported in the
// body with 200; only lookup failures are errors.
func (h *UnitHandlers) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	res, err := h.ledger.VerifyUnit(ctx, id, requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, VerifyResponse{UnitID: id, Chain: res})
}

// Export handles GET /units/{id}/export?format=csv|json[&archive=true].
// With archive=true the export is written to the evidence archive and the
// object location is returned instead of the document.
func (h *UnitHandlers) Export(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	archive := false
	if v := r.URL.Query().Get("archive"); v != "" {
		if archive, err = strconv.ParseBool(v); err != nil {
			WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "archive must be true or false")
			return
		}
	}

	u, err := h.ledger.GetUnit(ctx, r.PathValue("id"), requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}

	now := h.timeNow().UTC()
	data, err := audit.ExportTrace(u, format, now)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to export trace", "error", err, "unit_id", u.UnitID)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "Failed to export trace")
		return
	}

	if archive {
		if h.archiver == nil {
			WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeArchiveUnavailable, "Evidence archive is not configured")
			return
		}
		res, err := h.archiver.Archive(ctx, u.UnitID, format, data)
		if err != nil {
			h.logger.ErrorContext(ctx, "failed to archive trace export", "error", err, "unit_id", u.UnitID)
			WriteError(w, ctx, http.StatusServiceUnavailable, ErrCodeArchiveUnavailable, "Failed to archive trace export")
			return
		}
		h.logger.InfoContext(ctx, "trace export archived",
			"unit_id", u.UnitID,
			"key", res.Key,
			"principal_id", requester.ID)
		writeJSON(w, ctx, http.StatusCreated, res)
		return
	}

	filename := fmt.Sprintf("trace-%s-%s%s", u.UnitID, now.Format("20060102T150405Z"), format.Extension())
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.ErrorContext(ctx, "failed to write trace export", "error", err)
	}
}

// requirePrincipal returns the authenticated principal or answers 401.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (unit.Principal, bool) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok || p.ID == "" {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return unit.Principal{}, false
	}
	return p, true
}

// decodeJSON decodes a bounded request body into dst. Unknown fields are
// rejected so that misspelled payload fields do not pass silently.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			WriteError(w, r.Context(), http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "Request body too large")
		case errors.Is(err, io.EOF):
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Request body is required")
		default:
			WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON in request body: "+err.Error())
		}
		return false
	}
	return true
}

// writeOutcome answers 201 for a new event and 200 for a replay.
func writeOutcome(w http.ResponseWriter, ctx context.Context, out ledger.Outcome) {
	status := http.StatusCreated
	if out.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, ctx, status, out)
}

// eventNamespace seeds event IDs derived from Idempotency-Key headers.
var eventNamespace = uuid.MustParse("6f1c2a43-9a0e-4c8e-9a55-0d3f6b1e7c21")

// eventIDFor returns the client's eventId or, when absent, a name-based UUID
// of the principal and Idempotency-Key. A retry whose cached response was
// purged still lands on the same trace event.
func eventIDFor(r *http.Request, explicit string, actor unit.Principal) string {
	if explicit != "" {
		return explicit
	}
	if key := middleware.GetIdempotencyKey(r.Context()); key != "" {
		return uuid.NewSHA1(eventNamespace, []byte(actor.ID+"\x00"+key)).String()
	}
	return ""
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
