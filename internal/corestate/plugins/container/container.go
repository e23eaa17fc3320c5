// Package container implements the container_lifecycle state plugin:
// declarative presence and running state for containers managed through the
// Docker engine API.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/corestated/corestated/internal/corestate"
)

// ContainerState is the desired state of one managed container.
type ContainerState struct {
	Name    string `json:"name"`
	Image   string `json:"image"`
	Running bool   `json:"running"`
	Absent  bool   `json:"absent,omitempty"`
}

// Desired is the plugin's document shape.
type Desired struct {
	Containers []ContainerState `json:"containers"`
}

type action struct {
	Name       string `json:"name"`
	Image      string `json:"image,omitempty"`
	Create     bool   `json:"create,omitempty"`
	Start      bool   `json:"start,omitempty"`
	Stop       bool   `json:"stop,omitempty"`
	Remove     bool   `json:"remove,omitempty"`
}

// Client abstracts the Docker engine operations this plugin needs.
type Client interface {
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Plugin reconciles container presence and running state. Satisfies
// corestate.Plugin.
type Plugin struct {
	client Client

	checkpoints map[string]map[string]ContainerState
	nextToken   int
	last        string
}

// New creates a container_lifecycle plugin dialing the Docker engine over
// its default host-configured transport (DOCKER_HOST / the local socket).
func New() (*Plugin, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("container_lifecycle: dial docker engine: %w", err)
	}
	return NewWithClient(cli), nil
}

// NewWithClient creates a plugin over an already-constructed Client,
// primarily for tests.
func NewWithClient(c Client) *Plugin {
	return &Plugin{client: c, checkpoints: make(map[string]map[string]ContainerState)}
}

func (p *Plugin) Name() string { return "container_lifecycle" }

func (p *Plugin) observe(ctx context.Context, name string) (ContainerState, bool, error) {
	info, err := p.client.ContainerInspect(ctx, name)
	if errdefs.IsNotFound(err) {
		return ContainerState{Name: name}, false, nil
	}
	if err != nil {
		return ContainerState{}, false, err
	}
	state := ContainerState{Name: name}
	if info.Config != nil {
		state.Image = info.Config.Image
	}
	if info.State != nil {
		state.Running = info.State.Running
	}
	return state, true, nil
}

func (p *Plugin) QueryCurrentState(ctx context.Context) (json.RawMessage, error) {
	return json.Marshal(Desired{Containers: []ContainerState{}})
}

func (p *Plugin) CalculateDiff(current, desired json.RawMessage) (corestate.StateDiff, error) {
	var want Desired
	if err := json.Unmarshal(desired, &want); err != nil {
		return corestate.StateDiff{}, fmt.Errorf("container_lifecycle: decode desired: %w", err)
	}

	sorted := append([]ContainerState(nil), want.Containers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	ctx := context.Background()
	var actions []corestate.StateAction
	for _, c := range sorted {
		observed, exists, err := p.observe(ctx, c.Name)
		if err != nil {
			return corestate.StateDiff{}, fmt.Errorf("container_lifecycle: observe %s: %w", c.Name, err)
		}

		if c.Absent {
			if exists {
				raw, _ := json.Marshal(action{Name: c.Name, Stop: observed.Running, Remove: true})
				actions = append(actions, raw)
			}
			continue
		}

		var a action
		changed := false
		if !exists {
			a.Create = true
			a.Image = c.Image
			changed = true
		}
		if c.Running && (!exists || !observed.Running) {
			a.Start = true
			changed = true
		}
		if !c.Running && exists && observed.Running {
			a.Stop = true
			changed = true
		}
		if changed {
			a.Name = c.Name
			if a.Image == "" {
				a.Image = c.Image
			}
			raw, _ := json.Marshal(a)
			actions = append(actions, raw)
		}
	}
	return corestate.StateDiff{PluginName: p.Name(), Actions: actions}, nil
}

func (p *Plugin) CreateCheckpoint(ctx context.Context) (corestate.CheckpointToken, error) {
	p.nextToken++
	tok := fmt.Sprintf("container-%d", p.nextToken)
	p.checkpoints[tok] = make(map[string]ContainerState)
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
			if prior, exists, err := p.observe(ctx, a.Name); err == nil && exists {
				p.checkpoints[p.last][a.Name] = prior
			}
		}
		if err := p.applyOne(ctx, a); err != nil {
			result.FailedActions = append(result.FailedActions, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}
		result.AppliedActions++
	}
	return result, nil
}

func (p *Plugin) applyOne(ctx context.Context, a action) error {
	if a.Remove {
		if a.Stop {
			if err := p.client.ContainerStop(ctx, a.Name, container.StopOptions{}); err != nil {
				return err
			}
		}
		return p.client.ContainerRemove(ctx, a.Name, container.RemoveOptions{Force: true})
	}
	if a.Create {
		_, err := p.client.ContainerCreate(ctx, &container.Config{Image: a.Image}, &container.HostConfig{}, a.Name)
		if err != nil {
			return err
		}
	}
	if a.Start {
		return p.client.ContainerStart(ctx, a.Name, container.StartOptions{})
	}
	if a.Stop {
		return p.client.ContainerStop(ctx, a.Name, container.StopOptions{})
	}
	return nil
}

func (p *Plugin) Rollback(ctx context.Context, token corestate.CheckpointToken) error {
	snap, ok := p.checkpoints[token.Token]
	if !ok {
		return fmt.Errorf("container_lifecycle: unknown checkpoint token %q", token.Token)
	}
	var firstErr error
	for name, prior := range snap {
		var err error
		if prior.Running {
			err = p.client.ContainerStart(ctx, name, container.StartOptions{})
		} else {
			err = p.client.ContainerStop(ctx, name, container.StopOptions{})
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
	for _, c := range want.Containers {
		observed, exists, err := p.observe(ctx, c.Name)
		if err != nil {
			return false, err
		}
		if c.Absent {
			if exists {
				return false, nil
			}
			continue
		}
		if !exists || observed.Running != c.Running {
			return false, nil
		}
	}
	return true, nil
}

func (p *Plugin) DiscardCheckpoint(ctx context.Context, token corestate.CheckpointToken) error {
	delete(p.checkpoints, token.Token)
	return nil
}
