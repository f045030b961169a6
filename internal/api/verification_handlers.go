package api

import (
	"context"
	"net/http"

	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/unit"
	"github.com/onnwee/custodyledger/internal/verification"
)

// VerificationService records and answers verification requests.
type VerificationService interface {
	Submit(ctx context.Context, req verification.SubmitRequest) (*verification.Request, error)
	Get(ctx context.Context, id string, requester unit.Principal) (*verification.Request, error)
}

// SubmitVerificationRequest is the body of POST /verifications.
type SubmitVerificationRequest struct {
	UnitID    string `json:"unitId"`
	ScannerID string `json:"scannerId,omitempty"`
}

// VerificationResponse wraps a request with its authenticity summary.
type VerificationResponse struct {
	*verification.Request
	Authentic bool `json:"authentic"`
}

// VerificationHandlers serves the verification request routes.
type VerificationHandlers struct {
	service VerificationService
}

// NewVerificationHandlers creates verification handlers.
func NewVerificationHandlers(service VerificationService) *VerificationHandlers {
	return &VerificationHandlers{service: service}
}

// Submit handles POST /verifications. A request that could not read the
// ledger is still recorded; it is returned as FAILED with 503.
func (h *VerificationHandlers) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var req SubmitVerificationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Submit(ctx, verification.SubmitRequest{
		UnitID:    req.UnitID,
		ScannerID: req.ScannerID,
		Requester: requester,
	})
	if err != nil && res == nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	if err != nil {
		status, code := LedgerErrorStatus(err)
		middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))
		writeJSON(w, ctx, status, VerificationResponse{Request: res})
		return
	}
	writeJSON(w, ctx, http.StatusCreated, VerificationResponse{Request: res, Authentic: res.Authentic()})
}

// Get handles GET /verifications/{id}.
func (h *VerificationHandlers) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requester, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	res, err := h.service.Get(ctx, r.PathValue("id"), requester)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, VerificationResponse{Request: res, Authentic: res.Authentic()})
}
