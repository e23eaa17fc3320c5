package packagekit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

type fakePK struct {
	installed map[string]bool
}

func newFakePK() *fakePK {
	return &fakePK{installed: map[string]bool{}}
}

func (f *fakePK) runner() Runner {
	return func(ctx context.Context, args ...string) (string, error) {
		switch args[0] {
		case "resolve":
			name := args[len(args)-1]
			if f.installed[name] {
				return name + " installed", nil
			}
			return "", fmt.Errorf("no packages found")
		case "install":
			f.installed[args[len(args)-1]] = true
			return "", nil
		case "remove":
			f.installed[args[len(args)-1]] = false
			return "", nil
		}
		return "", fmt.Errorf("unexpected args %v", args)
	}
}

func newTestPlugin(f *fakePK) *Plugin {
	p := New()
	p.run = f.runner()
	return p
}

func TestInstallThenIdempotent(t *testing.T) {
	f := newFakePK()
	p := newTestPlugin(f)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Packages: []PackageState{{Name: "htop", Present: true}}})

	diff, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Empty() {
		t.Fatalf("expected an install action")
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
	if !f.installed["htop"] {
		t.Fatalf("expected htop installed")
	}

	diff2, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff2: %v", err)
	}
	if !diff2.Empty() {
		t.Fatalf("expected idempotent no-op diff, got %+v", diff2)
	}
}

func TestRemovalWhenNotPresent(t *testing.T) {
	f := newFakePK()
	f.installed["cruft"] = true
	p := newTestPlugin(f)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Packages: []PackageState{{Name: "cruft", Present: false}}})
	diff, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Empty() {
		t.Fatalf("expected a removal action")
	}
	if _, err := p.ApplyState(ctx, diff); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.installed["cruft"] {
		t.Fatalf("expected cruft removed")
	}
}
