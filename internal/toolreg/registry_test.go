package toolreg

import (
	"context"
	"encoding/json"
	"testing"
)

type stubTool struct {
	def *Definition
}

func (s *stubTool) Describe() *Definition { return s.def }

func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func newDef(name string, residency Residency) *Definition {
	return &Definition{Name: name, Description: "test tool", Residency: residency}
}

func register(t *testing.T, r *Registry, name string, residency Residency) {
	t.Helper()
	def := newDef(name, residency)
	if err := r.Register(def, func() Tool { return &stubTool{def: def} }); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestRegisterIdempotentByName(t *testing.T) {
	r := NewRegistry(10)
	register(t, r, "echo", Evictable)
	register(t, r, "echo", Evictable) // identical re-registration: no-op

	def2 := newDef("echo", Evictable)
	def2.Description = "a different tool"
	if err := r.Register(def2, func() Tool { return &stubTool{def: def2} }); err == nil {
		t.Fatalf("expected conflict on mismatched re-registration")
	}
}

func TestGetAlwaysSucceedsForRegisteredName(t *testing.T) {
	r := NewRegistry(10)
	register(t, r, "echo", Evictable)

	h, ok := r.Get("echo")
	if !ok {
		t.Fatalf("expected get to succeed for registered tool")
	}
	h.Release()
}

func TestPinnedToolsNeverEvicted(t *testing.T) {
	r := NewRegistry(2)
	register(t, r, "a", Evictable)
	register(t, r, "b", Evictable)
	register(t, r, "c", Evictable)
	register(t, r, "p", KeepResident)

	order := []string{"a", "b", "c", "a", "b", "c", "p", "a"}
	for _, name := range order {
		h, ok := r.Get(name)
		if !ok {
			t.Fatalf("call to %s should never return UnknownTool", name)
		}
		h.Release()
	}

	// p must still be resident (pinned tools are never evicted).
	hp, ok := r.Get("p")
	if !ok {
		t.Fatalf("pinned tool must remain callable")
	}
	hp.Release()
}

func TestResidencyRoundRobinBeyondLimit(t *testing.T) {
	const R = 3
	r := NewRegistry(R)
	names := []string{"t0", "t1", "t2", "t3", "t4"} // R+2 distinct tools
	for _, n := range names {
		register(t, r, n, Evictable)
	}

	// Round-robin through all names several times; every call must succeed.
	for round := 0; round < 4; round++ {
		for _, n := range names {
			h, ok := r.Get(n)
			if !ok {
				t.Fatalf("round %d: call to %s returned UnknownTool", round, n)
			}
			h.Release()
		}
	}

	if got := r.residentEvictableCount(); got > R {
		t.Fatalf("resident evictable count %d exceeds limit %d", got, R)
	}
}

func TestGetNotEvictedWhileHandleLive(t *testing.T) {
	r := NewRegistry(1)
	register(t, r, "a", Evictable)
	register(t, r, "b", Evictable)

	ha, ok := r.Get("a")
	if !ok {
		t.Fatalf("get a failed")
	}
	// Touch b; with limit 1 this would normally evict a, but a's handle is
	// still live so it must remain resident until released.
	hb, ok := r.Get("b")
	if !ok {
		t.Fatalf("get b failed")
	}
	if ha.Tool == nil {
		t.Fatalf("handle a's tool should not be cleared while live")
	}
	hb.Release()
	ha.Release()
}

func TestCatalogueFiltersByCapabilityAndCategory(t *testing.T) {
	r := NewRegistry(10)
	def := &Definition{Name: "net_query", Category: "network", Capabilities: []string{"netlink_link"}}
	if err := r.Register(def, func() Tool { return &stubTool{def: def} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	register(t, r, "echo", Evictable)

	got := r.Catalogue(CatalogueFilter{Capability: "netlink_link"})
	if len(got) != 1 || got[0].Name != "net_query" {
		t.Fatalf("expected exactly net_query, got %+v", got)
	}

	got = r.Catalogue(CatalogueFilter{Category: "network"})
	if len(got) != 1 || got[0].Name != "net_query" {
		t.Fatalf("expected category filter to match net_query, got %+v", got)
	}
}

func TestInvalidToolNameRejected(t *testing.T) {
	r := NewRegistry(10)
	def := &Definition{Name: "Not Valid!"}
	if err := r.Register(def, func() Tool { return &stubTool{def: def} }); err == nil {
		t.Fatalf("expected validation error for malformed tool name")
	}
}
