package digest

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDigest_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 123456000, time.UTC)
	a, err := Digest("DISPATCH", ts, "M", "Dock 4", map[string]any{"b": 2.0, "a": "x"}, GenesisHex)
	if err != nil {
		t.Fatalf("Digest() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		// Map insertion order and time zone must not matter.
		meta := map[string]any{}
		meta["a"] = "x"
		meta["b"] = 2.0
		b, err := Digest("DISPATCH", ts.In(time.FixedZone("CET", 3600)), "M", "Dock 4", meta, GenesisHex)
		if err != nil {
			t.Fatalf("Digest() error = %v", err)
		}
		if a != b {
			t.Fatalf("Digest() not deterministic: %s != %s", a, b)
		}
	}
}

func TestDigest_SensitiveToEveryPart(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	base := []any{"SALE", ts, "D", "Till 2", map[string]any{"k": "v"}, GenesisHex}
	want := MustDigest(base...)

	variants := [][]any{
		{"RETURN", ts, "D", "Till 2", map[string]any{"k": "v"}, GenesisHex},
		{"SALE", ts.Add(time.Microsecond), "D", "Till 2", map[string]any{"k": "v"}, GenesisHex},
		{"SALE", ts, "X", "Till 2", map[string]any{"k": "v"}, GenesisHex},
		{"SALE", ts, "D", "Till 3", map[string]any{"k": "v"}, GenesisHex},
		{"SALE", ts, "D", "Till 2", map[string]any{"k": "w"}, GenesisHex},
		{"SALE", ts, "D", "Till 2", map[string]any{"k": "v"}, strings.Repeat("1", 64)},
	}
	for i, parts := range variants {
		if MustDigest(parts...) == want {
			t.Errorf("variant %d produced the same digest", i)
		}
	}
}

func TestDigest_PartBoundaries(t *testing.T) {
	// Concatenation-style ambiguity must not collide.
	if MustDigest("ab", "c") == MustDigest("a", "bc") {
		t.Error("digest is ambiguous across part boundaries")
	}
}

func TestDigest_InvalidInput(t *testing.T) {
	var nilMap map[string]any
	tests := []struct {
		name  string
		parts []any
	}{
		{"nil part", []any{"a", nil}},
		{"nil map", []any{nilMap}},
		{"nil nested value", []any{map[string]any{"a": nil}}},
		{"zero time", []any{time.Time{}}},
		{"unsupported type", []any{struct{}{}}},
		{"channel", []any{make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Digest(tt.parts...)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("Digest() error = %v, want ErrInvalidInput", err)
			}
			var iie *InvalidInputError
			if !errors.As(err, &iie) || iie.Path == "" {
				t.Errorf("error should carry the offending path: %v", err)
			}
		})
	}
}

func TestGenesis(t *testing.T) {
	if !Genesis.IsZero() {
		t.Error("Genesis.IsZero() = false")
	}
	if Genesis.String() != GenesisHex {
		t.Errorf("Genesis.String() = %s", Genesis.String())
	}
	if len(GenesisHex) != 64 {
		t.Errorf("len(GenesisHex) = %d", len(GenesisHex))
	}
}

func TestParse(t *testing.T) {
	h := MustDigest("x")
	got, err := Parse(h.String())
	if err != nil || got != h {
		t.Fatalf("Parse(%s) = %s, %v", h, got, err)
	}
	for _, bad := range []string{"", "abc", strings.Repeat("z", 64)} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Parse(%q) error = %v", bad, err)
		}
	}
}

func TestUnitIdentity(t *testing.T) {
	a, err := UnitIdentity("U1", "4006381333931", "LOT-1", "M")
	if err != nil {
		t.Fatalf("UnitIdentity() error = %v", err)
	}
	b, _ := UnitIdentity("U1", "4006381333931", "LOT-1", "M")
	c, _ := UnitIdentity("U1", "4006381333931", "LOT-2", "M")
	if a != b {
		t.Error("UnitIdentity() not deterministic")
	}
	if a == c {
		t.Error("UnitIdentity() ignores the lot number")
	}
	if _, err := UnitIdentity("U1", "", "LOT-1", "M"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("UnitIdentity() with empty product code error = %v", err)
	}
}
