// Package fs implements the filesystem state plugin: declarative management
// of file path, mode, owner, and content on the local host.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/corestated/corestated/internal/corestate"
)

// Entry is the desired state of a single managed path.
type Entry struct {
	Path    string `json:"path"`
	Mode    uint32 `json:"mode,omitempty"`
	Content string `json:"content,omitempty"`
	Absent  bool   `json:"absent,omitempty"`
}

// Desired is the plugin's declarative document shape: a list of managed
// paths keyed by path for deterministic diffing.
type Desired struct {
	Entries []Entry `json:"entries"`
}

type action struct {
	Path    string `json:"path"`
	Mode    uint32 `json:"mode,omitempty"`
	Content string `json:"content,omitempty"`
	Remove  bool   `json:"remove,omitempty"`
}

// Plugin reconciles file presence, mode, and content. Satisfies
// corestate.Plugin. It carries no cross-call state beyond checkpoints, all
// of which are held in-process keyed by token.
type Plugin struct {
	checkpoints    map[string]map[string][]byte // token -> path -> prior content (nil = path absent)
	nextToken      int
	lastCheckpoint string
}

// New creates a filesystem state plugin.
func New() *Plugin {
	return &Plugin{checkpoints: make(map[string]map[string][]byte)}
}

func (p *Plugin) Name() string { return "filesystem" }

func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	// The plugin observes state lazily, per-path, during CalculateDiff: a
	// filesystem has no bounded enumeration of "all managed paths" without
	// the desired document telling it which paths matter. QueryCurrentState
	// therefore returns an empty entries list; CalculateDiff re-queries each
	// path named in desired directly.
	return json.Marshal(Desired{Entries: []Entry{}})
}

func (p *Plugin) CalculateDiff(current, desired json.RawMessage) (corestate.StateDiff, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return corestate.StateDiff{}, fmt.Errorf("filesystem: decode desired: %w", err)
	}

	sorted := append([]Entry(nil), want.Entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var actions []corestate.StateAction
	for _, e := range sorted {
		info, statErr := os.Stat(e.Path)
		exists := statErr == nil

		if e.Absent {
			if exists {
				raw, _ := json.Marshal(action{Path: e.Path, Remove: true})
				actions = append(actions, raw)
			}
			continue
		}

		needsWrite := !exists
		if exists {
			data, err := os.ReadFile(e.Path)
			if err != nil || string(data) != e.Content {
				needsWrite = true
			}
			if e.Mode != 0 && info.Mode().Perm() != os.FileMode(e.Mode) {
				needsWrite = true
			}
		}
		if needsWrite {
			raw, _ := json.Marshal(action{Path: e.Path, Mode: e.Mode, Content: e.Content})
			actions = append(actions, raw)
		}
	}

	return corestate.StateDiff{PluginName: p.Name(), Actions: actions}, nil
}

func (p *Plugin) CreateCheckpoint(ctx context.Context) (corestate.CheckpointToken, error) {
	p.nextToken++
	tok := fmt.Sprintf("fs-%d", p.nextToken)
	p.checkpoints[tok] = make(map[string][]byte)
	p.lastCheckpoint = tok
	return corestate.CheckpointToken{PluginName: p.Name(), Token: tok}, nil
}

func (p *Plugin) snapshotBeforeWrite(tok string, path string) {
	snap, ok := p.checkpoints[tok]
	if !ok {
		return
	}
	if _, already := snap[path]; already {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		snap[path] = nil
		return
	}
	snap[path] = data
}

func (p *Plugin) ApplyState(ctx context.Context, diff corestate.StateDiff) (corestate.ApplyResult, error) {
	result := corestate.ApplyResult{PluginName: p.Name()}
	lastTok := p.lastCheckpoint

	for _, raw := range diff.Actions {
		var a action
		if err := json.Unmarshal(raw, &a); err != nil {
			result.FailedActions = append(result.FailedActions, err.Error())
			continue
		}
		if lastTok != "" {
			p.snapshotBeforeWrite(lastTok, a.Path)
		}
		if a.Remove {
			if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
				result.FailedActions = append(result.FailedActions, fmt.Sprintf("remove %s: %v", a.Path, err))
				continue
			}
			result.AppliedActions++
			continue
		}
		mode := os.FileMode(0644)
		if a.Mode != 0 {
			mode = os.FileMode(a.Mode)
		}
		if err := os.WriteFile(a.Path, []byte(a.Content), mode); err != nil {
			result.FailedActions = append(result.FailedActions, fmt.Sprintf("write %s: %v", a.Path, err))
			continue
		}
		if a.Mode != 0 {
			_ = os.Chmod(a.Path, mode)
		}
		result.AppliedActions++
	}
	return result, nil
}

func (p *Plugin) Rollback(ctx context.Context, token corestate.CheckpointToken) error {
	snap, ok := p.checkpoints[token.Token]
	if !ok {
		return fmt.Errorf("filesystem: unknown checkpoint token %q", token.Token)
	}
	var firstErr error
	for path, content := range snap {
		if content == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := os.WriteFile(path, content, 0644); err != nil && firstErr == nil {
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
	for _, e := range want.Entries {
		info, err := os.Stat(e.Path)
		exists := err == nil
		if e.Absent {
			if exists {
				return false, nil
			}
			continue
		}
		if !exists {
			return false, nil
		}
		data, err := os.ReadFile(e.Path)
		if err != nil || string(data) != e.Content {
			return false, nil
		}
		if e.Mode != 0 && info.Mode().Perm() != os.FileMode(e.Mode) {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plugin) DiscardCheckpoint(ctx context.Context, token corestate.CheckpointToken) error {
	delete(p.checkpoints, token.Token)
	return nil
}
