package boundary

import (
	"context"
	"encoding/json"
	"os"

	"github.com/corestated/corestated/internal/corestate"
)

// GetState implements the object-path State interface's get_state (single
// plugin) and get_all_state (name == "") operations (spec.md §4.8).
func (c *Core) GetState(ctx context.Context, pluginName string) (*corestate.CurrentStateDocument, error) {
	return c.StateManager.GetState(ctx, pluginName)
}

// SetState applies a desired-state document scoped to one plugin
// (spec.md §4.8 "set_state(plugin_name, json)").
func (c *Core) SetState(ctx context.Context, pluginName string, desired json.RawMessage) (map[string]corestate.ApplyResult, error) {
	doc := &corestate.DesiredStateDocument{Version: 1, Plugins: map[string]json.RawMessage{pluginName: desired}}
	return c.StateManager.Apply(ctx, doc, corestate.ApplyOptions{})
}

// SetAllState applies a full desired-state document (spec.md §4.8
// "set_all_state(json)").
func (c *Core) SetAllState(ctx context.Context, raw []byte) (map[string]corestate.ApplyResult, error) {
	return c.StateManager.ApplyFromDocument(ctx, raw, corestate.ApplyOptions{})
}

// ApplyFromFile reads a full desired-state document from path and applies
// it (spec.md §4.8 "apply_from_file(path)").
func (c *Core) ApplyFromFile(ctx context.Context, path string) (map[string]corestate.ApplyResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.SetAllState(ctx, raw)
}

// ApplyPluginFromFile reads one plugin's desired-state value from path and
// applies it scoped to that plugin (spec.md §4.8
// "apply_plugin_from_file(plugin_name, path)").
func (c *Core) ApplyPluginFromFile(ctx context.Context, pluginName, path string) (map[string]corestate.ApplyResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.SetState(ctx, pluginName, json.RawMessage(raw))
}
