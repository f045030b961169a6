package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/custodyledger/internal/middleware"
	"github.com/onnwee/custodyledger/internal/unit"
)

func TestEventIDFor(t *testing.T) {
	retailer := unit.Principal{ID: "R", Role: unit.RoleRetailer}
	other := unit.Principal{ID: "X", Role: unit.RoleRetailer}

	withKey := func(key string) *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/units/U-1/events", nil)
		if key != "" {
			r = r.WithContext(middleware.SetIdempotencyKey(r.Context(), key))
		}
		return r
	}

	if got := eventIDFor(withKey("k-1"), "client-evt-9", retailer); got != "client-evt-9" {
		t.Errorf("explicit eventId = %q, want it unchanged", got)
	}
	if got := eventIDFor(withKey(""), "", retailer); got != "" {
		t.Errorf("no key and no eventId = %q, want empty so the engine assigns one", got)
	}

	first := eventIDFor(withKey("k-1"), "", retailer)
	if first == "" || first != eventIDFor(withKey("k-1"), "", retailer) {
		t.Errorf("derived ID %q is not stable across retries", first)
	}
	if first == eventIDFor(withKey("k-2"), "", retailer) {
		t.Error("different keys must give different event IDs")
	}
	if first == eventIDFor(withKey("k-1"), "", other) {
		t.Error("the same key from another principal must give a different event ID")
	}
}
