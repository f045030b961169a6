package unit

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ValueKind discriminates the members of the metadata value union.
type ValueKind uint8

// Metadata value kinds. The zero kind is invalid.
const (
	ValueInvalid ValueKind = iota
	ValueString
	ValueNumber
	ValueBool
	ValueMap
)

// MaxMetadataDepth bounds nesting of metadata maps.
const MaxMetadataDepth = 8

// Metadata is the opaque key/value bag attached to trace events. The ledger
// never interprets it; it is carried and hashed.
type Metadata map[string]Value

// Value is a restricted union of string, number, bool or nested Metadata.
type Value struct {
	kind ValueKind
	str  string
	num  float64
	b    bool
	m    Metadata
}

// String returns a string value.
func String(s string) Value { return Value{kind: ValueString, str: s} }

// Number returns a numeric value. Negative zero is stored as zero, matching
// how jsonb stores it.
func Number(f float64) Value {
	if f == 0 {
		f = 0
	}
	return Value{kind: ValueNumber, num: f}
}

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }

// Map returns a nested map value.
func Map(m Metadata) Value { return Value{kind: ValueMap, m: m} }

// Kind reports which member of the union v holds.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string member and whether v holds a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == ValueString }

// Num returns the numeric member and whether v holds a number.
func (v Value) Num() (float64, bool) { return v.num, v.kind == ValueNumber }

// Boolean returns the bool member and whether v holds a bool.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == ValueBool }

// Nested returns the map member and whether v holds a map.
func (v Value) Nested() (Metadata, bool) { return v.m, v.kind == ValueMap }

// Native converts v into plain Go values (string, float64, bool,
// map[string]any). Invalid values convert to nil.
func (v Value) Native() any {
	switch v.kind {
	case ValueString:
		return v.str
	case ValueNumber:
		return v.num
	case ValueBool:
		return v.b
	case ValueMap:
		return v.m.Native()
	}
	return nil
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case ValueString:
		return v.str == o.str
	case ValueNumber:
		return v.num == o.num
	case ValueBool:
		return v.b == o.b
	case ValueMap:
		return v.m.Equal(o.m)
	}
	return true
}

// Native converts the bag into a map of plain Go values. A nil bag converts to
// an empty map so absent and empty metadata hash identically.
func (m Metadata) Native() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v.Native()
	}
	return out
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		if v.kind == ValueMap {
			v = Map(v.m.Clone())
		}
		out[k] = v
	}
	return out
}

// Equal reports deep equality. Nil and empty bags are equal.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Validate rejects invalid members, non-finite numbers, empty keys and
// excessive nesting.
func (m Metadata) Validate() error {
	return m.validate("metadata", 1)
}

func (m Metadata) validate(path string, depth int) error {
	if depth > MaxMetadataDepth {
		return &ValidationError{Field: path, Message: fmt.Sprintf("nesting exceeds %d levels", MaxMetadataDepth)}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "" {
			return &ValidationError{Field: path, Message: "empty key"}
		}
		v := m[k]
		field := path + "." + k
		switch v.kind {
		case ValueString, ValueBool:
		case ValueNumber:
			if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
				return &ValidationError{Field: field, Message: "number must be finite"}
			}
		case ValueMap:
			if err := v.m.validate(field, depth+1); err != nil {
				return err
			}
		default:
			return &ValidationError{Field: field, Message: "value must be a string, number, bool or map"}
		}
	}
	return nil
}

// MarshalJSON encodes the value as its native JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == ValueInvalid {
		return nil, fmt.Errorf("metadata: cannot marshal invalid value")
	}
	return json.Marshal(v.Native())
}

// UnmarshalJSON accepts strings, numbers, booleans and objects. Null and
// arrays are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromNative converts a decoded JSON value into a Value.
func FromNative(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case bool:
		return Bool(t), nil
	case map[string]any:
		m := make(Metadata, len(t))
		for k, inner := range t {
			iv, err := FromNative(inner)
			if err != nil {
				return Value{}, err
			}
			m[k] = iv
		}
		return Map(m), nil
	case nil:
		return Value{}, &ValidationError{Field: "metadata", Message: "null values are not allowed"}
	default:
		return Value{}, &ValidationError{Field: "metadata", Message: fmt.Sprintf("unsupported value type %T", raw)}
	}
}
