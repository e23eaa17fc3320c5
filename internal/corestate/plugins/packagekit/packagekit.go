// Package packagekit implements the packagekit state plugin: declarative
// package installation and removal. PackageKit's native D-Bus interface has
// no Go client in this module's dependency set, so this plugin drives it
// through pkcon, PackageKit's own command-line front-end, mirroring the
// shell-out pattern already used for ovs_bridge/openflow_rule.
package packagekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	execsafety "github.com/corestated/corestated/internal/exec"

	"github.com/corestated/corestated/internal/corestate"
)

// PackageState is the desired install state of one package.
type PackageState struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

// Desired is the plugin's document shape.
type Desired struct {
	Packages []PackageState `json:"packages"`
}

type action struct {
	Name    string `json:"name"`
	Install bool   `json:"install,omitempty"`
	Remove  bool   `json:"remove,omitempty"`
}

// Runner executes pkcon and returns combined stdout.
type Runner func(ctx context.Context, args ...string) (string, error)

func execRunner(ctx context.Context, args ...string) (string, error) {
	for _, a := range args {
		if !execsafety.IsSafeArgument(a) {
			return "", fmt.Errorf("packagekit: unsafe argument %q", a)
		}
	}
	cmd := exec.CommandContext(ctx, "pkcon", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Plugin reconciles package presence via pkcon. Satisfies corestate.Plugin.
type Plugin struct {
	run Runner

	checkpoints map[string]map[string]bool // token -> package name -> was-present
	nextToken   int
	last        string
}

// New creates a packagekit plugin invoking the host's pkcon binary.
func New() *Plugin {
	return &Plugin{run: execRunner, checkpoints: make(map[string]map[string]bool)}
}

func (p *Plugin) Name() string { return "packagekit" }

func (p *Plugin) isInstalled(ctx context.Context, name string) (bool, error) {
	out, err := p.run(ctx, "resolve", "--filter=installed", name)
	if err != nil {
		// pkcon exits non-zero when nothing resolves; treat as not-installed
		// rather than propagating a spurious failure.
		return false, nil
	}
	return strings.Contains(out, name), nil
}

func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(Desired{Packages: []PackageState{}})
}

func (p *Plugin) CalculateDiff(current, desired json.RawMessage) (corestate.StateDiff, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return corestate.StateDiff{}, fmt.Errorf("packagekit: decode desired: %w", err)
	}

	sorted := append([]PackageState(nil), want.Packages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	ctx := context.Background()
	var actions []corestate.StateAction
	for _, pk := range sorted {
		installed, err := p.isInstalled(ctx, pk.Name)
		if err != nil {
			return corestate.StateDiff{}, fmt.Errorf("packagekit: query %s: %w", pk.Name, err)
		}
		if pk.Present && !installed {
			raw, _ := json.Marshal(action{Name: pk.Name, Install: true})
			actions = append(actions, raw)
		}
		if !pk.Present && installed {
			raw, _ := json.Marshal(action{Name: pk.Name, Remove: true})
			actions = append(actions, raw)
		}
	}
	return corestate.StateDiff{PluginName: p.Name(), Actions: actions}, nil
}

func (p *Plugin) CreateCheckpoint(ctx context.Context) (corestate.CheckpointToken, error) {
	p.nextToken++
	tok := fmt.Sprintf("pk-%d", p.nextToken)
	p.checkpoints[tok] = make(map[string]bool)
	p.last = tok
	return corestate.CheckpointToken{PluginName: p.Name(), Token: tok}, nil
}

func (p *Plugin) ApplyState(ctx context.Context, diff corestate.StateDiff) (corestate.ApplyResult, error) {
	result := corestate.ApplyResult{PluginName: p.Name()}
	for _, raw := range diff.Actions {
		var a action
		if err := json.Unmarshal(raw, &a); err != nil {
			result.FailedActions = append(result.FailedActions, err.Error())
			continue
		}
		if p.last != "" {
			if installed, err := p.isInstalled(ctx, a.Name); err == nil {
				p.checkpoints[p.last][a.Name] = installed
			}
		}
		var err error
		if a.Install {
			_, err = p.run(ctx, "install", "-y", a.Name)
		} else if a.Remove {
			_, err = p.run(ctx, "remove", "-y", a.Name)
		}
		if err != nil {
			result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}
		result.AppliedActions++
	}
	return result, nil
}

func (p *Plugin) Rollback(ctx context.Context, token corestate.CheckpointToken) error {
	snap, ok := p.checkpoints[token.Token]
	if !ok {
		return fmt.Errorf("packagekit: unknown checkpoint token %q", token.Token)
	}
	var firstErr error
	for name, wasPresent := range snap {
		var err error
		if wasPresent {
			_, err = p.run(ctx, "install", "-y", name)
		} else {
			_, err = p.run(ctx, "remove", "-y", name)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(p.checkpoints, token.Token)
	return firstErr
}

func (p *Plugin) VerifyState(ctx context.Context, desired json.RawMessage) (bool, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return false, err
	}
	for _, pk := range want.Packages {
		installed, err := p.isInstalled(ctx, pk.Name)
		if err != nil {
			return false, err
		}
		if installed != pk.Present {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plugin) DiscardCheckpoint(ctx context.Context, token corestate.CheckpointToken) error {
	delete(p.checkpoints, token.Token)
	return nil
}
