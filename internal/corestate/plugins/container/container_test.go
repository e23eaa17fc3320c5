package container

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
)

type fakeClient struct {
	containers map[string]*container.InspectResponse
}

func newFakeClient() *fakeClient {
	return &fakeClient{containers: map[string]*container.InspectResponse{}}
}

func (c *fakeClient) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	info, ok := c.containers[id]
	if !ok {
		return container.InspectResponse{}, errdefs.NotFound(errNotFound{id})
	}
	return *info, nil
}

type errNotFound struct{ id string }

func (e errNotFound) Error() string { return "no such container: " + e.id }

func (c *fakeClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error) {
	c.containers[name] = &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			Name:  name,
			State: &container.State{Running: false},
		},
		Config: config,
	}
	return container.CreateResponse{ID: name}, nil
}

func (c *fakeClient) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	c.containers[id].State.Running = true
	return nil
}

func (c *fakeClient) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	c.containers[id].State.Running = false
	return nil
}

func (c *fakeClient) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	delete(c.containers, id)
	return nil
}

func TestContainerCreateStartIsIdempotent(t *testing.T) {
	c := newFakeClient()
	p := NewWithClient(c)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Containers: []ContainerState{{Name: "web", Image: "nginx:latest", Running: true}}})

	diff, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if diff.Empty() {
		t.Fatalf("expected a diff creating and starting the container")
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
	if !c.containers["web"].State.Running {
		t.Fatalf("expected container running after apply")
	}

	diff2, err := p.CalculateDiff(json.RawMessage(`{}`), desired)
	if err != nil {
		t.Fatalf("diff2: %v", err)
	}
	if !diff2.Empty() {
		t.Fatalf("expected idempotent no-op diff, got %+v", diff2)
	}
}

func TestContainerAbsentRemoves(t *testing.T) {
	c := newFakeClient()
	c.containers["stale"] = &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{Name: "stale", State: &container.State{Running: true}},
		Config:            &container.Config{Image: "old:latest"},
	}
	p := NewWithClient(c)
	ctx := context.Background()

	desired, _ := json.Marshal(Desired{Containers: []ContainerState{{Name: "stale", Absent: true}}})
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
	if _, ok := c.containers["stale"]; ok {
		t.Fatalf("expected container to be removed")
	}
}
