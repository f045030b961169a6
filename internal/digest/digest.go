// Package digest computes deterministic content digests for ledger identities
// and trace events.
//
// Inputs are serialized with CBOR core deterministic encoding (sorted map
// keys, shortest-form integers and floats, no indefinite lengths) before
// hashing with SHA-256, so equal content always yields the same digest
// regardless of map iteration order or platform.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Size is the digest length in bytes.
const Size = sha256.Size

// Hash is a fixed-length SHA-256 digest.
type Hash [Size]byte

// Genesis is the well-known predecessor digest of a unit's first event.
var Genesis Hash

// GenesisHex is the hex form of Genesis.
var GenesisHex = strings.Repeat("0", Size*2)

// ErrInvalidInput is matched by every InvalidInputError.
var ErrInvalidInput = errors.New("invalid digest input")

// InvalidInputError reports a nil or unsupported part.
type InvalidInputError struct {
	Path   string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("digest: %s: %s", e.Path, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool { return target == ErrInvalidInput }

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("digest: cbor encoder: %v", err))
	}
	encMode = em
}

// String returns the lowercase hex form.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h equals Genesis.
func (h Hash) IsZero() bool {
	return h == Genesis
}

// Parse decodes a 64-character hex digest.
func Parse(s string) (Hash, error) {
	var h Hash
	if len(s) != Size*2 {
		return h, &InvalidInputError{Path: "hash", Reason: fmt.Sprintf("expected %d hex characters, got %d", Size*2, len(s))}
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, &InvalidInputError{Path: "hash", Reason: err.Error()}
	}
	return h, nil
}

// Digest hashes the canonical encoding of parts. Supported parts are strings,
// booleans, integers, floats, time.Time (normalized to UTC), byte slices,
// Hash, and maps/slices of those. Nil anywhere fails with InvalidInputError.
func Digest(parts ...any) (Hash, error) {
	normalized := make([]any, len(parts))
	for i, p := range parts {
		n, err := normalize(fmt.Sprintf("part[%d]", i), p)
		if err != nil {
			return Hash{}, err
		}
		normalized[i] = n
	}
	data, err := encMode.Marshal(normalized)
	if err != nil {
		return Hash{}, &InvalidInputError{Path: "parts", Reason: err.Error()}
	}
	return sha256.Sum256(data), nil
}

// MustDigest is Digest for inputs known to be well formed. It panics on error.
func MustDigest(parts ...any) Hash {
	h, err := Digest(parts...)
	if err != nil {
		panic(err)
	}
	return h
}

// UnitIdentity derives a unit's immutable identity digest.
func UnitIdentity(unitID, productCode, lotNumber, manufacturerID string) (Hash, error) {
	for _, f := range []struct{ name, val string }{
		{"unitId", unitID},
		{"productCode", productCode},
		{"lotNumber", lotNumber},
		{"manufacturerId", manufacturerID},
	} {
		if f.val == "" {
			return Hash{}, &InvalidInputError{Path: f.name, Reason: "required"}
		}
	}
	return Digest("unit-identity/v1", unitID, productCode, lotNumber, manufacturerID)
}

func normalize(path string, v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, &InvalidInputError{Path: path, Reason: "nil value"}
	case string, bool, float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return t, nil
	case []byte:
		if t == nil {
			return nil, &InvalidInputError{Path: path, Reason: "nil bytes"}
		}
		return t, nil
	case Hash:
		return t[:], nil
	case time.Time:
		if t.IsZero() {
			return nil, &InvalidInputError{Path: path, Reason: "zero time"}
		}
		return t.UTC(), nil
	case map[string]any:
		if t == nil {
			return nil, &InvalidInputError{Path: path, Reason: "nil map"}
		}
		out := make(map[string]any, len(t))
		for k, inner := range t {
			n, err := normalize(path+"."+k, inner)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			n, err := normalize(fmt.Sprintf("%s[%d]", path, i), inner)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	default:
		return nil, &InvalidInputError{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}
