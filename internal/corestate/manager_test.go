package corestate

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
)

// fakePlugin holds an in-memory {"x": N} style state and supports checkpoint
// + rollback by snapshotting that value.
type fakePlugin struct {
	name    string
	state   map[string]int
	applied int

	checkpoints map[string]map[string]int
	nextToken   int

	failCreateCheckpoint bool
	failApply            bool
}

func newFakePlugin(name string, x int) *fakePlugin {
	return &fakePlugin{name: name, state: map[string]int{"x": x}, checkpoints: make(map[string]map[string]int)}
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(p.state)
}

func (p *fakePlugin) CalculateDiff(current, desired json.RawMessage) (StateDiff, error) {
	var c, d map[string]int
	if err := json.Unmarshal(current, &c); err != nil {
		return StateDiff{}, err
	}
	if err := json.Unmarshal(desired, &d); err != nil {
		return StateDiff{}, err
	}
	if c["x"] == d["x"] {
		return StateDiff{PluginName: p.name}, nil
	}
	action, _ := json.Marshal(map[string]int{"set_x": d["x"]})
	return StateDiff{PluginName: p.name, Actions: []StateAction{action}}, nil
}

func (p *fakePlugin) CreateCheckpoint(ctx context.Context) (CheckpointToken, error) {
	if p.failCreateCheckpoint {
		return CheckpointToken{}, errPluginFailure
	}
	p.nextToken++
	tok := CheckpointToken{PluginName: p.name, Token: strconv.Itoa(p.nextToken)}
	snapshot := map[string]int{"x": p.state["x"]}
	p.checkpoints[tok.Token] = snapshot
	return tok, nil
}

func (p *fakePlugin) ApplyState(ctx context.Context, diff StateDiff) (ApplyResult, error) {
	if p.failApply {
		return ApplyResult{}, errPluginFailure
	}
	for _, raw := range diff.Actions {
		var action map[string]int
		if err := json.Unmarshal(raw, &action); err != nil {
			return ApplyResult{}, err
		}
		p.state["x"] = action["set_x"]
		p.applied++
	}
	return ApplyResult{PluginName: p.name, AppliedActions: len(diff.Actions)}, nil
}

func (p *fakePlugin) Rollback(ctx context.Context, token CheckpointToken) error {
	snap, ok := p.checkpoints[token.Token]
	if !ok {
		return errPluginFailure
	}
	p.state["x"] = snap["x"]
	delete(p.checkpoints, token.Token)
	return nil
}

func (p *fakePlugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	var d map[string]int
	if err := json.Unmarshal(desired, &d); err != nil {
		return false, err
	}
	return p.state["x"] == d["x"], nil
}

func (p *fakePlugin) DiscardCheckpoint(ctx context.Context, token CheckpointToken) error {
	delete(p.checkpoints, token.Token)
	return nil
}

type pluginFailure struct{}

func (pluginFailure) Error() string { return "fake plugin failure" }

var errPluginFailure = pluginFailure{}

func desiredDoc(plugin string, x int) *DesiredStateDocument {
	v, _ := json.Marshal(map[string]int{"x": x})
	return &DesiredStateDocument{Version: 1, Plugins: map[string]json.RawMessage{plugin: v}}
}

func TestReconciliationNoOp(t *testing.T) {
	m := NewManager()
	p := newFakePlugin("p", 1)
	m.Register(p)

	results, err := m.Apply(context.Background(), desiredDoc("p", 1), ApplyOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	res := results["p"]
	if res.AppliedActions != 0 {
		t.Fatalf("expected no-op, applied %d actions", res.AppliedActions)
	}
	if p.applied != 0 {
		t.Fatalf("apply_state must not be invoked for an empty diff")
	}
}

func TestReconciliationWithChangeIsIdempotent(t *testing.T) {
	m := NewManager()
	p := newFakePlugin("p", 1)
	m.Register(p)

	results, err := m.Apply(context.Background(), desiredDoc("p", 2), ApplyOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if results["p"].AppliedActions != 1 {
		t.Fatalf("expected exactly one applied action, got %d", results["p"].AppliedActions)
	}
	if p.state["x"] != 2 {
		t.Fatalf("expected state x=2, got %d", p.state["x"])
	}
	if !results["p"].Verified {
		t.Fatalf("expected verify to pass once state matches desired")
	}

	// A second identical apply must report zero applied actions.
	results2, err := m.Apply(context.Background(), desiredDoc("p", 2), ApplyOptions{})
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if results2["p"].AppliedActions != 0 {
		t.Fatalf("second identical apply must be a no-op, got %d applied actions", results2["p"].AppliedActions)
	}
}

func TestUnknownPluginAborts(t *testing.T) {
	m := NewManager()
	m.Register(newFakePlugin("p", 1))

	_, err := m.Apply(context.Background(), desiredDoc("ghost", 1), ApplyOptions{})
	var upe *UnknownPluginError
	if err == nil {
		t.Fatalf("expected UnknownPluginError")
	}
	if !asUnknownPlugin(err, &upe) {
		t.Fatalf("expected *UnknownPluginError, got %T: %v", err, err)
	}
}

func asUnknownPlugin(err error, target **UnknownPluginError) bool {
	if upe, ok := err.(*UnknownPluginError); ok {
		*target = upe
		return true
	}
	return false
}

func TestCheckpointFailureAbortsWithoutApplying(t *testing.T) {
	m := NewManager()
	good := newFakePlugin("a", 1)
	bad := newFakePlugin("b", 1)
	bad.failCreateCheckpoint = true
	m.Register(good)
	m.Register(bad)

	doc := &DesiredStateDocument{Version: 1, Plugins: map[string]json.RawMessage{}}
	av, _ := json.Marshal(map[string]int{"x": 2})
	bv, _ := json.Marshal(map[string]int{"x": 2})
	doc.Plugins["a"] = av
	doc.Plugins["b"] = bv

	_, err := m.Apply(context.Background(), doc, ApplyOptions{})
	if err == nil {
		t.Fatalf("expected checkpoint failure to abort apply")
	}
	if good.applied != 0 {
		t.Fatalf("no plugin should have been applied once checkpoint phase fails")
	}
}

func TestPartialFailureDoesNotRollbackByDefault(t *testing.T) {
	m := NewManager()
	good := newFakePlugin("a", 1)
	bad := newFakePlugin("b", 1)
	bad.failApply = true
	m.Register(good)
	m.Register(bad)

	doc := &DesiredStateDocument{Version: 1, Plugins: map[string]json.RawMessage{}}
	av, _ := json.Marshal(map[string]int{"x": 2})
	bv, _ := json.Marshal(map[string]int{"x": 2})
	doc.Plugins["a"] = av
	doc.Plugins["b"] = bv

	results, err := m.Apply(context.Background(), doc, ApplyOptions{})
	if err != nil {
		t.Fatalf("partial failure without StopOnFirstError must not error the whole call: %v", err)
	}
	if results["a"].AppliedActions != 1 {
		t.Fatalf("plugin a should have applied despite b's failure")
	}
	if len(results["b"].FailedActions) == 0 {
		t.Fatalf("plugin b's failure should be surfaced in its result")
	}
	if good.state["x"] != 2 {
		t.Fatalf("plugin a's change must not be rolled back by default")
	}
}

func TestGetStateForSinglePlugin(t *testing.T) {
	m := NewManager()
	m.Register(newFakePlugin("a", 5))
	m.Register(newFakePlugin("b", 9))

	doc, err := m.GetState(context.Background(), "a")
	if err != nil {
		t.Fatalf("get_state: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(doc.Plugins["a"], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["x"] != 5 {
		t.Fatalf("expected x=5, got %d", got["x"])
	}
	if _, ok := doc.Plugins["b"]; ok {
		t.Fatalf("get_state(\"a\") must not include plugin b")
	}
}
