// Package svc implements the systemd_service state plugin: declarative
// enable/disable and start/stop of systemd units via the system D-Bus.
package svc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	systemdbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/corestated/corestated/internal/corestate"
)

// UnitState is the desired state of one systemd unit.
type UnitState struct {
	Unit    string `json:"unit"`
	Active  bool   `json:"active"`
	Enabled bool   `json:"enabled"`
}

// Desired is the plugin's document shape.
type Desired struct {
	Units []UnitState `json:"units"`
}

type action struct {
	Unit           string `json:"unit"`
	SetActive      *bool  `json:"set_active,omitempty"`
	SetEnabled     *bool  `json:"set_enabled,omitempty"`
}

// Conn abstracts the systemd D-Bus connection surface this plugin needs, so
// tests can substitute a fake without a real system bus.
type Conn interface {
	ListUnitsByNamesContext(ctx context.Context, units []string) ([]systemdbus.UnitStatus, error)
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	EnableUnitFilesContext(ctx context.Context, files []string, runtime bool, force bool) (bool, []systemdbus.EnableUnitFileChange, error)
	DisableUnitFilesContext(ctx context.Context, files []string, runtime bool) ([]systemdbus.DisableUnitFileChange, error)
}

// Plugin reconciles systemd unit activation and enablement. Satisfies
// corestate.Plugin.
type Plugin struct {
	dial func(ctx context.Context) (Conn, func(), error)

	checkpoints map[string]map[string]UnitState
	nextToken   int
	last        string
}

// New creates a systemd_service plugin dialing the system bus per call (a
// long-lived connection would outlive D-Bus session resets on the host).
func New() *Plugin {
	return &Plugin{
		dial: func(ctx context.Context) (Conn, func(), error) {
			c, err := systemdbus.NewSystemConnectionContext(ctx)
			if err != nil {
				return nil, nil, err
			}
			return c, c.Close, nil
		},
		checkpoints: make(map[string]map[string]UnitState),
	}
}

func (p *Plugin) Name() string { return "systemd_service" }

func (p *Plugin) withConn(ctx context.Context, fn func(Conn) error) error {
	conn, closeFn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("systemd_service: dial system bus: %w", err)
	}
	defer closeFn()
	return fn(conn)
}

func (p *Plugin) queryUnit(ctx context.Context, conn Conn, unit string) (UnitState, error) {
	statuses, err := conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return UnitState{}, err
	}
	state := UnitState{Unit: unit}
	for _, s := range statuses {
		if s.Name != unit {
			continue
		}
		state.Active = s.ActiveState == "active"
		state.Enabled = s.LoadState == "loaded"
	}
	return state, nil
}

func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	// Mirrors fs.Plugin: a unit set is driven entirely by the desired
	// document, so observation happens per-unit during CalculateDiff.
	return json.Marshal(Desired{Units: []UnitState{}})
}

func (p *Plugin) CalculateDiff(current, desired json.RawMessage) (corestate.StateDiff, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return corestate.StateDiff{}, fmt.Errorf("systemd_service: decode desired: %w", err)
	}

	sorted := append([]UnitState(nil), want.Units...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Unit < sorted[j].Unit })

	var actions []corestate.StateAction
	err := p.withConn(context.Background(), func(conn Conn) error {
		for _, u := range sorted {
			observed, err := p.queryUnit(context.Background(), conn, u.Unit)
			if err != nil {
				return err
			}
			var a action
			changed := false
			if observed.Active != u.Active {
				v := u.Active
				a.SetActive = &v
				changed = true
			}
			if observed.Enabled != u.Enabled {
				v := u.Enabled
				a.SetEnabled = &v
				changed = true
			}
			if changed {
				a.Unit = u.Unit
				raw, _ := json.Marshal(a)
				actions = append(actions, raw)
			}
		}
		return nil
	})
	if err != nil {
		return corestate.StateDiff{}, err
	}

	return corestate.StateDiff{PluginName: p.Name(), Actions: actions}, nil
}

func (p *Plugin) CreateCheckpoint(ctx context.Context) (corestate.CheckpointToken, error) {
	p.nextToken++
	tok := fmt.Sprintf("svc-%d", p.nextToken)
	p.checkpoints[tok] = make(map[string]UnitState)
	p.last = tok
	return corestate.CheckpointToken{PluginName: p.Name(), Token: tok}, nil
}

func (p *Plugin) ApplyState(ctx context.Context, diff corestate.StateDiff) (corestate.ApplyResult, error) {
	result := corestate.ApplyResult{PluginName: p.Name()}
	err := p.withConn(ctx, func(conn Conn) error {
		for _, raw := range diff.Actions {
			var a action
			if err := json.Unmarshal(raw, &a); err != nil {
				result.FailedActions = append(result.FailedActions, err.Error())
				continue
			}
			if p.last != "" {
				if prior, err := p.queryUnit(ctx, conn, a.Unit); err == nil {
					p.checkpoints[p.last][a.Unit] = prior
				}
			}
			if a.SetActive != nil {
				ch := make(chan string, 1)
				var runErr error
				if *a.SetActive {
					_, runErr = conn.StartUnitContext(ctx, a.Unit, "replace", ch)
				} else {
					_, runErr = conn.StopUnitContext(ctx, a.Unit, "replace", ch)
				}
				if runErr != nil {
					result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Unit, runErr))
					continue
				}
			}
			if a.SetEnabled != nil {
				var runErr error
				if *a.SetEnabled {
					_, _, runErr = conn.EnableUnitFilesContext(ctx, []string{a.Unit}, false, false)
				} else {
					_, runErr = conn.DisableUnitFilesContext(ctx, []string{a.Unit}, false)
				}
				if runErr != nil {
					result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Unit, runErr))
					continue
				}
			}
			result.AppliedActions++
		}
		return nil
	})
	return result, err
}

func (p *Plugin) Rollback(ctx context.Context, token corestate.CheckpointToken) error {
	snap, ok := p.checkpoints[token.Token]
	if !ok {
		return fmt.Errorf("systemd_service: unknown checkpoint token %q", token.Token)
	}
	return p.withConn(ctx, func(conn Conn) error {
		for unit, prior := range snap {
			ch := make(chan string, 1)
			if prior.Active {
				_, _ = conn.StartUnitContext(ctx, unit, "replace", ch)
			} else {
				_, _ = conn.StopUnitContext(ctx, unit, "replace", ch)
			}
			if prior.Enabled {
				_, _, _ = conn.EnableUnitFilesContext(ctx, []string{unit}, false, false)
			} else {
				_, _ = conn.DisableUnitFilesContext(ctx, []string{unit}, false)
			}
		}
		delete(p.checkpoints, token.Token)
		return nil
	})
}

func (p *Plugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return false, err
	}
	ok := true
	err := p.withConn(ctx, func(conn Conn) error {
		for _, u := range want.Units {
			observed, err := p.queryUnit(ctx, conn, u.Unit)
			if err != nil {
				return err
			}
			if observed.Active != u.Active || observed.Enabled != u.Enabled {
				ok = false
			}
		}
		return nil
	})
	return ok, err
}

func (p *Plugin) DiscardCheckpoint(ctx context.Context, token corestate.CheckpointToken) error {
	delete(p.checkpoints, token.Token)
	return nil
}
