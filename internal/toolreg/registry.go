package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Factory (re)materializes a runnable Instance for a Definition. Registered
// once per tool name; called again after the tool's instance is evicted.
type Factory func() Tool

// entry is the registry's bookkeeping record for one registered tool name.
// def is immutable once registered; instance/lastUsed/refs/hits mutate under
// the registry's lock.
type entry struct {
	def      *Definition
	factory  Factory
	instance Tool // nil when evicted
	lastUsed int64
	refs     int
	hits     uint64
}

// Registry holds tool definitions and their live instances, enforcing a
// residency bound over evictable instances (C2). A Definition, once
// registered, is retrievable for the lifetime of the registry: eviction only
// ever drops the transient Instance, never the catalogue entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // insertion order, for deterministic catalogue listing
	clock   int64    // monotonic LRU clock, advanced on every touch

	// MaxResident bounds the number of simultaneously resident *evictable*
	// instances. Zero means "apply DefaultResidencyLimit".
	MaxResident int
}

// DefaultResidencyLimit is the default bound on simultaneously resident
// evictable tool instances (spec.md §4.2: "default R >= 500").
const DefaultResidencyLimit = 500

// ConflictError is returned by Register when a name is already registered
// with a materially different Definition.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("toolreg: tool %q already registered with a different definition", e.Name)
}

// NewRegistry creates an empty registry. maxResident <= 0 selects
// DefaultResidencyLimit.
func NewRegistry(maxResident int) *Registry {
	if maxResident <= 0 {
		maxResident = DefaultResidencyLimit
	}
	return &Registry{
		entries:     make(map[string]*entry),
		MaxResident: maxResident,
	}
}

// Register adds a tool to the registry. Registration is idempotent by name:
// re-registering with an identical Definition is a no-op; registering a
// different Definition under an existing name returns *ConflictError.
func (r *Registry) Register(def *Definition, factory Factory) error {
	if def == nil || factory == nil {
		return fmt.Errorf("toolreg: definition and factory are required")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[def.Name]; ok {
		if existing.def.Equal(def) {
			return nil
		}
		return &ConflictError{Name: def.Name}
	}

	r.entries[def.Name] = &entry{def: def, factory: factory}
	r.order = append(r.order, def.Name)
	return nil
}

// Unregister removes a tool definition and its instance entirely. Used only
// at registry teardown or explicit administrative removal, never by the
// residency policy.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return
	}
	delete(r.entries, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Handle is a live reference to a materialized Instance. Release must be
// called exactly once; while any Handle for a name is outstanding, the
// registry will not evict that name's instance.
type Handle struct {
	registry *Registry
	name     string
	Tool     Tool
	released int32
}

// Release returns the handle, allowing the instance to become eligible for
// eviction again.
func (h *Handle) Release() {
	if h == nil || !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return
	}
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()
	if e, ok := h.registry.entries[h.name]; ok {
		e.refs--
		if e.refs < 0 {
			e.refs = 0
		}
	}
}

// Get returns a live Handle for name, re-materializing the instance if it
// was previously evicted. Touches the LRU clock. Returns ok=false only if
// name was never registered (or was explicitly unregistered) — a tool
// present in the catalogue always succeeds here, possibly after a
// transparent re-materialization delay.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}

	r.clock++
	e.lastUsed = r.clock
	e.hits++

	if e.instance == nil {
		e.instance = e.factory()
	}
	e.refs++

	r.evictLocked()

	return &Handle{registry: r, name: name, Tool: e.instance}, true
}

// evictLocked drops the least-recently-used evictable, unreferenced
// instance(s) until the resident count is within MaxResident. Pinned
// (KeepResident) instances and instances with a live Handle are never
// candidates. Must be called with r.mu held.
func (r *Registry) evictLocked() {
	limit := r.MaxResident
	if limit <= 0 {
		limit = DefaultResidencyLimit
	}

	for {
		resident := 0
		for _, e := range r.entries {
			if e.instance != nil && e.def.Residency == Evictable {
				resident++
			}
		}
		if resident <= limit {
			return
		}

		var victim *entry
		for _, e := range r.entries {
			if e.instance == nil || e.def.Residency != Evictable || e.refs > 0 {
				continue
			}
			if victim == nil || e.lastUsed < victim.lastUsed {
				victim = e
			}
		}
		if victim == nil {
			// Every resident evictable instance is pinned in use; residency
			// is transiently over budget, which is allowed (it self-corrects
			// once handles are released).
			return
		}
		victim.instance = nil
	}
}

// CatalogueFilter narrows Catalogue results. A zero-valued filter matches
// everything.
type CatalogueFilter struct {
	Name       string // exact match when non-empty
	Category   string
	Capability string
}

func (f CatalogueFilter) matches(d *Definition) bool {
	if f.Name != "" && f.Name != d.Name {
		return false
	}
	if f.Category != "" && f.Category != d.Category {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range d.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Catalogue returns the Definitions (never instances) matching filter, in
// stable registration order.
func (r *Registry) Catalogue(filter CatalogueFilter) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		if e != nil && filter.matches(e.def) {
			out = append(out, e.def)
		}
	}
	return out
}

// ListNames returns registered tool names, optionally restricted to a
// category, sorted for determinism.
func (r *Registry) ListNames(category string) []string {
	defs := r.Catalogue(CatalogueFilter{Category: category})
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// Definition looks up a single registered Definition without touching
// residency.
func (r *Registry) Definition(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.def, true
}

// residentEvictableCount reports how many evictable instances are currently
// materialized; used by tests asserting the residency invariant.
func (r *Registry) residentEvictableCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.instance != nil && e.def.Residency == Evictable {
			n++
		}
	}
	return n
}

// executeFor is a convenience used by trackedexec: obtain a handle, run the
// tool, and release the handle before returning.
func (r *Registry) executeFor(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error, bool) {
	h, ok := r.Get(name)
	if !ok {
		return nil, nil, false
	}
	defer h.Release()
	out, err := h.Tool.Execute(ctx, args)
	return out, err, true
}

// Execute is a direct convenience wrapper used by callers that do not need
// the full tracked-executor pipeline (e.g. unit tests).
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error, bool) {
	return r.executeFor(ctx, name, args)
}
