// Package idempotency caches the responses of mutating ledger requests so a
// retried POST (a scanner that lost its connection, a client timeout) returns
// the original result instead of appending a second trace event.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Record statuses. StatusProcessing is reserved by the idempotency_keys CHECK
// constraint; only completed records are written today.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when no record exists for a key.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned by Store when the key was already recorded.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned for empty keys or keys with non-printable bytes.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyConflict is returned when a key is reused by another principal or route.
	ErrKeyConflict = errors.New("idempotency key reused for a different request")

	// ErrKeyTooLong is returned when the key exceeds MaxKeyLength.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength bounds client supplied keys.
const MaxKeyLength = 64

// IdempotencyKey is one cached response. Route is the normalized pattern and
// Path the concrete request path. UnitID is set when the request targeted a
// single tracked unit.
type IdempotencyKey struct {
	Key                string    `json:"key"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	Path               string    `json:"path"`
	PrincipalID        string    `json:"principal_id"`
	CreatedAt          time.Time `json:"created_at"`
	UnitID             *string   `json:"unit_id,omitempty"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
}

// ValidateKey accepts 1 to MaxKeyLength printable ASCII characters.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return ErrInvalidKey
		}
	}
	return nil
}

// Matches reports whether the record was written by the same principal for
// the same method and request path. A key reused on another unit or
// shipment does not match.
func (k *IdempotencyKey) Matches(principalID, method, path string) bool {
	return k.PrincipalID == principalID && k.Method == method && k.Path == path
}

// Intact reports whether the cached body still hashes to ResponseHash.
func (k *IdempotencyKey) Intact() bool {
	return k.ResponseHash == ComputeResponseHash(k.ResponseBody)
}

// ComputeResponseHash returns the hex SHA-256 of a response body.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Repository persists cached responses.
type Repository interface {
	// Get returns ErrKeyNotFound when the key is unknown.
	Get(ctx context.Context, key string) (*IdempotencyKey, error)

	// Store returns ErrKeyExists if the key was already recorded.
	Store(ctx context.Context, record *IdempotencyKey) error

	// DeleteOlderThan purges records created more than duration ago.
	DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error)
}
