// Package api serves the custody ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/custodyledger/internal/digest"
	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/pos"
	"github.com/onnwee/custodyledger/internal/unit"
)

// Error codes carried in ErrorDetail.Code.
const (
	ErrCodeValidation         = "validation_error"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeAuthFailed         = "auth_failed"
	ErrCodeForbidden          = "forbidden"
	ErrCodeNotFound           = "not_found"
	ErrCodeIllegalTransition  = "illegal_transition"
	ErrCodeIntegrityViolation = "integrity_violation"
	ErrCodeDuplicateSale      = "duplicate_sale"
	ErrCodeBlockedSale        = "blocked_sale"
	ErrCodeRateLimited        = "rate_limited"
	ErrCodeStoreUnavailable   = "store_unavailable"
	ErrCodeArchiveUnavailable = "archive_unavailable"
	ErrCodeInternal           = "internal_error"
)

var codeStatus = map[string]int{
	ErrCodeValidation:         http.StatusBadRequest,
	ErrCodeBadRequest:         http.StatusBadRequest,
	ErrCodeAuthFailed:         http.StatusUnauthorized,
	ErrCodeForbidden:          http.StatusForbidden,
	ErrCodeNotFound:           http.StatusNotFound,
	ErrCodeIllegalTransition:  http.StatusConflict,
	ErrCodeIntegrityViolation: http.StatusConflict,
	ErrCodeDuplicateSale:      http.StatusConflict,
	ErrCodeBlockedSale:        http.StatusConflict,
	ErrCodeRateLimited:        http.StatusTooManyRequests,
	ErrCodeStoreUnavailable:   http.StatusServiceUnavailable,
	ErrCodeArchiveUnavailable: http.StatusServiceUnavailable,
}

// StatusCodeMapping returns the HTTP status used for code, 500 when unknown.
func StatusCodeMapping(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ErrorResponse is the envelope of every error body:
//
//	{"error": {"code": "duplicate_sale", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the error envelope and hands code to the logging
// middleware for the request log line.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, middleware.SetErrorCode(ctx, code))

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}}); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// ledgerErrorCode classifies err by the ledger's error taxonomy.
func ledgerErrorCode(err error) string {
	var (
		validationErr *unit.ValidationError
		saleErr       *unit.SaleRejectedError
	)
	switch {
	case errors.As(err, &validationErr), errors.Is(err, digest.ErrInvalidInput):
		return ErrCodeValidation
	case errors.Is(err, unit.ErrNotOwner):
		return ErrCodeForbidden
	case errors.Is(err, unit.ErrIllegalTransition):
		return ErrCodeIllegalTransition
	case errors.Is(err, unit.ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, unit.ErrIntegrityViolation):
		return ErrCodeIntegrityViolation
	case errors.As(err, &saleErr):
		if saleErr.Verdict == string(pos.VerdictDuplicate) {
			return ErrCodeDuplicateSale
		}
		return ErrCodeBlockedSale
	case errors.Is(err, unit.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrCodeStoreUnavailable
	}
	return ErrCodeInternal
}

// LedgerErrorStatus maps a ledger error onto its HTTP status and error code.
func LedgerErrorStatus(err error) (int, string) {
	code := ledgerErrorCode(err)
	return StatusCodeMapping(code), code
}

// WriteLedgerError answers err. Store and internal failures get a generic
// message; backend details stay in the log.
func WriteLedgerError(w http.ResponseWriter, ctx context.Context, err error) {
	status, code := LedgerErrorStatus(err)
	message := err.Error()
	switch code {
	case ErrCodeStoreUnavailable:
		slog.WarnContext(ctx, "ledger store unavailable", "error", err)
		message = "Ledger store unavailable, retry later"
	case ErrCodeInternal:
		slog.ErrorContext(ctx, "unexpected ledger error", "error", err)
		message = "Internal server error"
	}
	WriteError(w, ctx, status, code, message)
}

func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
