package ovs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

type fakeOVS struct {
	bridges map[string]bool
	ports   map[string][]string
	flows   map[string][]string
}

func newFakeOVS() *fakeOVS {
	return &fakeOVS{bridges: map[string]bool{}, ports: map[string][]string{}, flows: map[string][]string{}}
}

func (f *fakeOVS) runner() Runner {
	return func(ctx context.Context, name string, args ...string) (string, error) {
		switch name {
		case "ovs-vsctl":
			return f.vsctl(args)
		case "ovs-ofctl":
			return f.ofctl(args)
		default:
			return "", fmt.Errorf("unexpected command %s", name)
		}
	}
}

func (f *fakeOVS) vsctl(args []string) (string, error) {
	switch args[0] {
	case "br-exists":
		if f.bridges[args[1]] {
			return "", nil
		}
		return "", fmt.Errorf("no such bridge %s", args[1])
	case "add-br":
		f.bridges[args[1]] = true
		return "", nil
	case "del-br":
		delete(f.bridges, args[1])
		delete(f.ports, args[1])
		delete(f.flows, args[1])
		return "", nil
	case "list-ports":
		return strings.Join(f.ports[args[1]], "\n"), nil
	case "add-port":
		f.ports[args[1]] = append(f.ports[args[1]], args[2])
		return "", nil
	case "del-port":
		var kept []string
		for _, p := range f.ports[args[1]] {
			if p != args[2] {
				kept = append(kept, p)
			}
		}
		f.ports[args[1]] = kept
		return "", nil
	}
	return "", fmt.Errorf("unexpected vsctl args %v", args)
}

func (f *fakeOVS) ofctl(args []string) (string, error) {
	switch args[0] {
	case "dump-flows":
		return strings.Join(f.flows[args[1]], "\n"), nil
	case "del-flows":
		f.flows[args[1]] = nil
		return "", nil
	case "add-flow":
		f.flows[args[1]] = append(f.flows[args[1]], args[2])
		return "", nil
	}
	return "", fmt.Errorf("unexpected ofctl args %v", args)
}

func newTestPlugin(f *fakeOVS) *Plugin {
	p := New()
	p.run = f.runner()
	return p
}

func TestBridgeCreateAddPortAndFlow(t *testing.T) {
	f := newFakeOVS()
	p := newTestPlugin(f)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Bridges: []BridgeState{{
		Bridge: "br0",
		Ports:  []string{"eth0"},
		Flows:  []string{"priority=100,ip,actions=drop"},
	}}})

	diff, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Empty() {
		t.Fatalf("expected a diff creating br0")
	}

	if _, err := p.CreateCheckpoint(ctx); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	res, err := p.ApplyState(ctx, diff)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.AppliedActions != 1 {
		t.Fatalf("expected 1 applied action, got %d", res.AppliedActions)
	}
	if !f.bridges["br0"] {
		t.Fatalf("expected br0 to exist")
	}

	diff2, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff2: %v", err)
	}
	if !diff2.Empty() {
		t.Fatalf("expected idempotent no-op diff, got %+v", diff2)
	}

	ok, err := p.VerifyState(ctx, desired)
	if err != nil || !ok {
		t.Fatalf("expected verify ok, got ok=%v err=%v", ok, err)
	}
}

func TestBridgeAbsentDeletes(t *testing.T) {
	f := newFakeOVS()
	f.bridges["stale"] = true
	p := newTestPlugin(f)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Bridges: []BridgeState{{Bridge: "stale", Absent: true}}})
	diff, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Empty() {
		t.Fatalf("expected a deletion action")
	}
	if _, err := p.ApplyState(ctx, diff); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.bridges["stale"] {
		t.Fatalf("expected bridge to be deleted")
	}
}
