package api

import (
	"context"
	"net/http"

	"github.com/onnwee/custodyledger/internal/logistics"
	"github.com/onnwee/custodyledger/internal/unit"
)

// LogisticsService manages shipping aggregations.
type LogisticsService interface {
	Create(ctx context.Context, req logistics.CreateRequest) (*logistics.LogisticsUnit, error)
	Get(ctx context.Context, shippingID string, requester unit.Principal) (*logistics.LogisticsUnit, error)
	ApplyEvent(ctx context.Context, req logistics.EventRequest) (*logistics.EventResult, error)
}

// CreateLogisticsRequest is the body of POST /logistics.
type CreateLogisticsRequest struct {
	ShippingID string   `json:"shippingId"`
	UnitIDs    []string `json:"unitIds"`
}

// LogisticsEventRequest is the body of POST /logistics/{id}/events.
type LogisticsEventRequest struct {
	Kind             unit.EventKind `json:"kind"`
	EventID          string         `json:"eventId,omitempty"`
	ActorDisplayName string         `json:"actorDisplayName,omitempty"`
	Location         string         `json:"location,omitempty"`
	Metadata         unit.Metadata  `json:"metadata,omitempty"`
	RecipientID      string         `json:"recipientId,omitempty"`
	ReturnTo         string         `json:"returnTo,omitempty"`
}

// LogisticsItem is one unit's outcome with its error code.
type LogisticsItem struct {
	logistics.ItemResult
	Code string `json:"code,omitempty"`
}

// LogisticsEventResponse is the body of POST /logistics/{id}/events.
type LogisticsEventResponse struct {
	ShippingID string          `json:"shippingId"`
	Kind       unit.EventKind  `json:"kind"`
	Items      []LogisticsItem `json:"items"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
}

// LogisticsHandlers serves the aggregation routes.
type LogisticsHandlers struct {
	service LogisticsService
}

// NewLogisticsHandlers creates logistics handlers.
func NewLogisticsHandlers(service LogisticsService) *LogisticsHandlers {
	return &LogisticsHandlers{service: service}
}

// Create handles POST /logistics.
func (h *LogisticsHandlers) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req CreateLogisticsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	l, err := h.service.Create(ctx, logistics.CreateRequest{
		ShippingID: req.ShippingID,
		UnitIDs:    req.UnitIDs,
		Actor:      actor,
	})
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusCreated, l)
}

// Get handles GET /logistics/{id}.
func (h *LogisticsHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	l, err := h.service.Get(ctx, r.PathValue("id"), requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, l)
}

// ApplyEvent handles POST /logistics/{id}/events. Units succeed or fail
// independently. The response is 409 only when every unit failed.
func (h *LogisticsHandlers) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req LogisticsEventRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.ApplyEvent(ctx, logistics.EventRequest{
		ShippingID:       r.PathValue("id"),
		Kind:             req.Kind,
		EventID:          eventIDFor(r, req.EventID, actor),
		Actor:            actor,
		ActorDisplayName: req.ActorDisplayName,
		Location:         req.Location,
		Metadata:         req.Metadata,
		RecipientID:      req.RecipientID,
		ReturnTo:         req.ReturnTo,
	})
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}

	resp := LogisticsEventResponse{
		ShippingID: res.ShippingID,
		Kind:       res.Kind,
		Items:      make([]LogisticsItem, len(res.Items)),
		Succeeded:  res.Succeeded,
		Failed:     res.Failed,
	}
	for i, it := range res.Items {
		resp.Items[i] = LogisticsItem{ItemResult: it}
		if it.Err != nil {
			_, resp.Items[i].Code = LedgerErrorStatus(it.Err)
		}
	}

	status := http.StatusOK
	if res.Succeeded == 0 && res.Failed > 0 {
		status = http.StatusConflict
	}
	writeJSON(w, ctx, status, resp)
}
