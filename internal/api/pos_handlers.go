package api

import (
	"net/http"
	"strings"

	"github.com/onnwee/custodyledger/internal/middleware"
)

// POSCheckRequest is the body of POST /pos/check.
type POSCheckRequest struct {
	UnitID    string `json:"unitId"`
	ScannerID string `json:"scannerId,omitempty"`
}

// POSHandlers serves point-of-sale scans.
type POSHandlers struct {
	ledger Ledger
}

// NewPOSHandlers creates point-of-sale handlers.
func NewPOSHandlers(l Ledger) *POSHandlers {
	return &POSHandlers{ledger: l}
}

// Check handles POST /pos/check. The verdict is always answered with 200,
// including DUPLICATE and BLOCKED; the scan itself never changes the unit.
// The scanner ID falls back to the X-Scanner-ID header used for rate limiting.
func (h *POSHandlers) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requirePrincipal(w, r); !ok {
		return
	}

	var req POSCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UnitID) == "" {
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, "unitId is required")
		return
	}
	if req.ScannerID == "" {
		req.ScannerID = r.Header.Get(middleware.ScannerIDHeader)
	}

	res, err := h.ledger.CheckSale(ctx, req.UnitID, req.ScannerID)
	if err != nil {
		WriteLedgerError(w, ctx, err)
		return
	}
	writeJSON(w, ctx, http.StatusOK, res)
}
