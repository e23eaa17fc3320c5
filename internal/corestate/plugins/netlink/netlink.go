// Package netlink implements the netlink_link state plugin: declarative
// administrative up/down and MTU for host network links.
package netlink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	vnl "github.com/vishvananda/netlink"

	"github.com/corestated/corestated/internal/corestate"
)

// LinkState is the desired state of one network link.
type LinkState struct {
	Name string `json:"name"`
	Up   bool   `json:"up"`
	MTU  int    `json:"mtu,omitempty"`
}

// Desired is the plugin's document shape.
type Desired struct {
	Links []LinkState `json:"links"`
}

type action struct {
	Name   string `json:"name"`
	SetUp  *bool  `json:"set_up,omitempty"`
	SetMTU int    `json:"set_mtu,omitempty"`
}

// LinkHandle abstracts the netlink operations this plugin needs, so tests
// can substitute a fake instead of touching the host's real network stack.
type LinkHandle interface {
	LinkByName(name string) (vnl.Link, error)
	LinkSetUp(link vnl.Link) error
	LinkSetDown(link vnl.Link) error
	LinkSetMTU(link vnl.Link, mtu int) error
}

type realHandle struct{}

func (realHandle) LinkByName(name string) (vnl.Link, error) { return vnl.LinkByName(name) }
func (realHandle) LinkSetUp(link vnl.Link) error            { return vnl.LinkSetUp(link) }
func (realHandle) LinkSetDown(link vnl.Link) error          { return vnl.LinkSetDown(link) }
func (realHandle) LinkSetMTU(link vnl.Link, mtu int) error   { return vnl.LinkSetMTU(link, mtu) }

// Plugin reconciles link administrative state. Satisfies corestate.Plugin.
type Plugin struct {
	handle LinkHandle

	checkpoints map[string]map[string]LinkState
	nextToken   int
	last        string
}

// New creates a netlink_link plugin operating on the host's default netlink
// handle.
func New() *Plugin {
	return &Plugin{handle: realHandle{}, checkpoints: make(map[string]map[string]LinkState)}
}

func (p *Plugin) Name() string { return "netlink_link" }

func (p *Plugin) observe(name string) (LinkState, error) {
	link, err := p.handle.LinkByName(name)
	if err != nil {
		return LinkState{}, err
	}
	attrs := link.Attrs()
	return LinkState{
		Name: name,
		Up:   attrs.OperState == vnl.OperUp,
		MTU:  attrs.MTU,
	}, nil
}

func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(Desired{Links: []LinkState{}})
}

func (p *Plugin) CalculateDiff(current, desired json.RawMessage) (corestate.StateDiff, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return corestate.StateDiff{}, fmt.Errorf("netlink_link: decode desired: %w", err)
	}

	sorted := append([]LinkState(nil), want.Links...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var actions []corestate.StateAction
	for _, l := range sorted {
		observed, err := p.observe(l.Name)
		if err != nil {
			return corestate.StateDiff{}, fmt.Errorf("netlink_link: observe %s: %w", l.Name, err)
		}
		var a action
		changed := false
		if observed.Up != l.Up {
			v := l.Up
			a.SetUp = &v
			changed = true
		}
		if l.MTU != 0 && observed.MTU != l.MTU {
			a.SetMTU = l.MTU
			changed = true
		}
		if changed {
			a.Name = l.Name
			raw, _ := json.Marshal(a)
			actions = append(actions, raw)
		}
	}
	return corestate.StateDiff{PluginName: p.Name(), Actions: actions}, nil
}

func (p *Plugin) CreateCheckpoint(ctx context.Context) (corestate.CheckpointToken, error) {
	p.nextToken++
	tok := fmt.Sprintf("netlink-%d", p.nextToken)
	p.checkpoints[tok] = make(map[string]LinkState)
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
		link, err := p.handle.LinkByName(a.Name)
		if err != nil {
			result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}
		if p.last != "" {
			if prior, err := p.observe(a.Name); err == nil {
				p.checkpoints[p.last][a.Name] = prior
			}
		}
		failed := false
		if a.SetUp != nil {
			var err error
			if *a.SetUp {
				err = p.handle.LinkSetUp(link)
			} else {
				err = p.handle.LinkSetDown(link)
			}
			if err != nil {
				result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Name, err))
				failed = true
			}
		}
		if a.SetMTU != 0 {
			if err := p.handle.LinkSetMTU(link, a.SetMTU); err != nil {
				result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Name, err))
				failed = true
			}
		}
		if !failed {
			result.AppliedActions++
		}
	}
	return result, nil
}

func (p *Plugin) Rollback(ctx context.Context, token corestate.CheckpointToken) error {
	snap, ok := p.checkpoints[token.Token]
	if !ok {
		return fmt.Errorf("netlink_link: unknown checkpoint token %q", token.Token)
	}
	var firstErr error
	for name, prior := range snap {
		link, err := p.handle.LinkByName(name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if prior.Up {
			_ = p.handle.LinkSetUp(link)
		} else {
			_ = p.handle.LinkSetDown(link)
		}
		if prior.MTU != 0 {
			_ = p.handle.LinkSetMTU(link, prior.MTU)
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
	for _, l := range want.Links {
		observed, err := p.observe(l.Name)
		if err != nil {
			return false, err
		}
		if observed.Up != l.Up {
			return false, nil
		}
		if l.MTU != 0 && observed.MTU != l.MTU {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plugin) DiscardCheckpoint(ctx context.Context, token corestate.CheckpointToken) error {
	delete(p.checkpoints, token.Token)
	return nil
}
