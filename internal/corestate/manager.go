package corestate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ApplyOptions tunes the apply pipeline's failure policy. The zero value is
// the documented default: partial success is returned rather than hidden
// (spec.md §4.5 "Failure policy").
type ApplyOptions struct {
	// StopOnFirstError requests all-or-nothing semantics: the first
	// plugin apply failure aborts the remaining apply phase and rolls
	// back every checkpoint taken in this invocation, in reverse order.
	StopOnFirstError bool

	// SkipVerify skips the verify phase entirely, leaving
	// ApplyResult.Verified false for every plugin.
	SkipVerify bool
}

// Manager is the sole authorized mutator of host configuration: it fans a
// desired-state document out to registered Plugins and runs the
// query -> diff -> checkpoint -> apply -> verify pipeline atomically across
// the plugin set named in that document (C5).
//
// A single process owns exactly one Manager, shared via a reference-counted
// handle with interior synchronization: apply holds an exclusive lock for
// the duration of one invocation, while get_state uses a separate read lock
// and may proceed concurrently, possibly observing mid-apply state
// (spec.md §5 "Concurrency model").
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewManager creates an empty Manager; plugins are added with Register.
func NewManager() *Manager {
	return &Manager{plugins: make(map[string]Plugin)}
}

// Register adds a plugin under its own Name(). Registering a second plugin
// under a name already in use replaces the first — callers are expected to
// register the full plugin set once at startup.
func (m *Manager) Register(p Plugin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plugins[p.Name()] = p
}

// PluginNames returns every registered plugin's name, sorted.
func (m *Manager) PluginNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for n := range m.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetState returns observed state for one plugin, or every registered
// plugin when name is empty. May run concurrently with an in-flight Apply.
func (m *Manager) GetState(ctx context.Context, name string) (*CurrentStateDocument, error) {
	m.mu.RLock()
	var targets []Plugin
	if name != "" {
		p, ok := m.plugins[name]
		if !ok {
			m.mu.RUnlock()
			return nil, &UnknownPluginError{Name: name}
		}
		targets = []Plugin{p}
	} else {
		for _, p := range m.plugins {
			targets = append(targets, p)
		}
	}
	m.mu.RUnlock()

	doc := &CurrentStateDocument{Plugins: make(map[string]json.RawMessage, len(targets))}
	for _, p := range targets {
		state, err := p.QueryCurrentState(ctx)
		if err != nil {
			return nil, fmt.Errorf("corestate: query %q: %w", p.Name(), err)
		}
		doc.Plugins[p.Name()] = state
	}
	return doc, nil
}

// Apply runs the reconciliation pipeline for every plugin named in desired,
// in strict phase order: validate, checkpoint, diff, apply, verify
// (spec.md §4.5). It holds the Manager's exclusive lock for its entire
// duration; concurrent Apply calls queue behind it.
func (m *Manager) Apply(ctx context.Context, desired *DesiredStateDocument, opts ApplyOptions) (map[string]ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// 1. Validate: resolve every named plugin before doing anything else.
	names := make([]string, 0, len(desired.Plugins))
	for name := range desired.Plugins {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic ascending order, per spec.md §4.5 step 2

	resolved := make(map[string]Plugin, len(names))
	for _, name := range names {
		p, ok := m.plugins[name]
		if !ok {
			return nil, &UnknownPluginError{Name: name}
		}
		resolved[name] = p
	}

	// 2. Checkpoint phase: serial, ascending plugin name.
	checkpoints := make(map[string]CheckpointToken, len(names))
	for _, name := range names {
		tok, err := resolved[name].CreateCheckpoint(ctx)
		if err != nil {
			m.discardCheckpoints(ctx, resolved, checkpoints, names)
			return nil, &CheckpointFailureError{PluginName: name, Cause: err}
		}
		checkpoints[name] = tok
	}

	// 3. Diff phase.
	diffs := make(map[string]StateDiff, len(names))
	for _, name := range names {
		p := resolved[name]
		current, err := p.QueryCurrentState(ctx)
		if err != nil {
			m.discardCheckpoints(ctx, resolved, checkpoints, names)
			return nil, fmt.Errorf("corestate: query %q during diff phase: %w", name, err)
		}
		diff, err := p.CalculateDiff(current, desired.Plugins[name])
		if err != nil {
			m.discardCheckpoints(ctx, resolved, checkpoints, names)
			return nil, fmt.Errorf("corestate: diff %q: %w", name, err)
		}
		diffs[name] = diff
	}

	// 4. Apply phase, deterministic order.
	results := make(map[string]ApplyResult, len(names))
	for _, name := range names {
		diff := diffs[name]
		if diff.Empty() {
			results[name] = ApplyResult{PluginName: name}
			continue
		}
		res, err := resolved[name].ApplyState(ctx, diff)
		if err != nil {
			res = ApplyResult{PluginName: name, FailedActions: []string{err.Error()}}
			results[name] = res
			if opts.StopOnFirstError {
				m.rollbackAll(ctx, resolved, checkpoints, names)
				return results, fmt.Errorf("corestate: apply %q failed, rolled back: %w", name, err)
			}
			continue
		}
		results[name] = res
	}

	// 5. Verify phase.
	if !opts.SkipVerify {
		for _, name := range names {
			res := results[name]
			verified, err := resolved[name].VerifyState(ctx, desired.Plugins[name])
			if err == nil {
				res.Verified = verified
			}
			results[name] = res
		}
	}

	m.discardCheckpoints(ctx, resolved, checkpoints, names)
	return results, nil
}

// ApplyFromDocument parses raw bytes (JSON or YAML) into a
// DesiredStateDocument and forwards to Apply.
func (m *Manager) ApplyFromDocument(ctx context.Context, raw []byte, opts ApplyOptions) (map[string]ApplyResult, error) {
	doc, err := ParseDesiredStateDocument(raw)
	if err != nil {
		return nil, err
	}
	return m.Apply(ctx, doc, opts)
}

func (m *Manager) discardCheckpoints(ctx context.Context, resolved map[string]Plugin, checkpoints map[string]CheckpointToken, names []string) {
	for _, name := range names {
		tok, ok := checkpoints[name]
		if !ok {
			continue
		}
		_ = resolved[name].DiscardCheckpoint(ctx, tok)
	}
}

func (m *Manager) rollbackAll(ctx context.Context, resolved map[string]Plugin, checkpoints map[string]CheckpointToken, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		name := names[i]
		tok, ok := checkpoints[name]
		if !ok {
			continue
		}
		_ = resolved[name].Rollback(ctx, tok)
	}
}
