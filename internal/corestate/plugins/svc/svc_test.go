package svc

import (
	"context"
	"encoding/json"
	"testing"

	systemdbus "github.com/coreos/go-systemd/v22/dbus"
)

type fakeConn struct {
	active  map[string]bool
	enabled map[string]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{active: map[string]bool{}, enabled: map[string]bool{}}
}

func (f *fakeConn) ListUnitsByNamesContext(ctx context.Context, units []string) ([]systemdbus.UnitStatus, error) {
	var out []systemdbus.UnitStatus
	for _, u := range units {
		active := "inactive"
		if f.active[u] {
			active = "active"
		}
		load := "not-found"
		if f.enabled[u] {
			load = "loaded"
		}
		out = append(out, systemdbus.UnitStatus{Name: u, ActiveState: active, LoadState: load})
	}
	return out, nil
}

func (f *fakeConn) StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error) {
	f.active[name] = true
	return 0, nil
}

func (f *fakeConn) StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error) {
	f.active[name] = false
	return 0, nil
}

func (f *fakeConn) EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []systemdbus.EnableUnitFileChange, error) {
	for _, file := range files {
		f.enabled[file] = true
	}
	return true, nil, nil
}

func (f *fakeConn) DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]systemdbus.DisableUnitFileChange, error) {
	for _, file := range files {
		f.enabled[file] = false
	}
	return nil, nil
}

func newTestPlugin(conn Conn) *Plugin {
	p := New()
	p.dial = func(ctx context.Context) (Conn, func(), error) {
		return conn, func() {}, nil
	}
	return p
}

func TestServiceDiffAndApply(t *testing.T) {
	conn := newFakeConn()
	p := newTestPlugin(conn)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Units: []UnitState{{Unit: "nginx.service", Active: true, Enabled: true}}})

	diff, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Empty() {
		t.Fatalf("expected a diff bringing the unit active+enabled")
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
	if !conn.active["nginx.service"] || !conn.enabled["nginx.service"] {
		t.Fatalf("expected unit active and enabled after apply")
	}

	diff2, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff2: %v", err)
	}
	if !diff2.Empty() {
		t.Fatalf("expected idempotent no-op diff after reaching desired state")
	}

	ok, err := p.VerifyState(ctx, desired)
	if err != nil || !ok {
		t.Fatalf("expected verify ok, got ok=%v err=%v", ok, err)
	}
}

func TestServiceRollbackRestoresPriorActivation(t *testing.T) {
	conn := newFakeConn()
	conn.active["app.service"] = false
	conn.enabled["app.service"] = false
	p := newTestPlugin(conn)
	ctx := context.Background()

	tok, err := p.CreateCheckpoint(ctx)
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}

	desired, _ := json.Marshal(Desired{Units: []UnitState{{Unit: "app.service", Active: true, Enabled: true}}})
	diff, _ := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if _, err := p.ApplyState(ctx, diff); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !conn.active["app.service"] {
		t.Fatalf("expected unit active before rollback")
	}

	if err := p.Rollback(ctx, tok); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if conn.active["app.service"] {
		t.Fatalf("expected unit inactive after rollback")
	}
}
