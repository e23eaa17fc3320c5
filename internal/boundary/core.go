// Package boundary holds the shared core every C8 transport (object-path,
// HTTP, stdio JSON-RPC) is mounted over, so all three surfaces observe the
// same C2 catalogue and C3 executor (spec.md §4.8: "All surfaces share the
// same C2/C3 instances").
package boundary

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corestated/corestated/internal/corestate"
	"github.com/corestated/corestated/internal/orchestrator"
	"github.com/corestated/corestated/internal/toolreg"
	"github.com/corestated/corestated/internal/trackedexec"
)

// ToolDescription is the transport-facing projection of a tool catalogue
// entry (spec.md §6 HTTP: "[{name,description,input_schema,category}]").
type ToolDescription struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	Category    string          `json:"category"`
}

// Core wires one Registry (C2), one Executor (C3), one state Manager
// (C4/C5), and optionally one Orchestrator (C6) for chat-capable surfaces.
// Every boundary surface is a thin adapter over this shared value.
type Core struct {
	Registry     *toolreg.Registry
	Executor     *trackedexec.Executor
	StateManager *corestate.Manager
	Orchestrator *orchestrator.Orchestrator // nil disables chat endpoints
}

// ListTools returns the full tool catalogue, projected for transport.
func (c *Core) ListTools() []ToolDescription {
	defs := c.Registry.Catalogue(toolreg.CatalogueFilter{})
	out := make([]ToolDescription, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolDescription{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema, Category: d.Category})
	}
	return out
}

// GetTool looks up a single tool's description.
func (c *Core) GetTool(name string) (ToolDescription, bool) {
	def, ok := c.Registry.Definition(name)
	if !ok {
		return ToolDescription{}, false
	}
	return ToolDescription{Name: def.Name, Description: def.Description, InputSchema: def.InputSchema, Category: def.Category}, true
}

// ExecuteResult is the transport-neutral shape of a direct C3 call
// (spec.md §6 HTTP: "{call_id, result}" / "{call_id, error:{...}}").
type ExecuteResult struct {
	CallID string          `json:"call_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ExecuteError   `json:"error,omitempty"`
}

// ExecuteError is the structured error shape shared by every surface.
type ExecuteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ExecuteTool runs one tool directly through C3 (no orchestrator): this is
// the "direct C3 path; no orchestrator" endpoint from spec.md §4.8.
func (c *Core) ExecuteTool(ctx context.Context, name string, args json.RawMessage) ExecuteResult {
	res := c.Executor.Execute(ctx, name, args)
	out := ExecuteResult{CallID: res.CallID, Result: res.Output}
	if res.Err != nil {
		out.Error = &ExecuteError{Kind: string(res.Err.Kind), Message: res.Err.Message}
	}
	return out
}

// Chat drives the orchestrator's bounded chat loop for one session, used by
// the object-path /Chat interface and the optional HTTP chat endpoints.
func (c *Core) Chat(ctx context.Context, sess *orchestrator.Session, text string) (string, error) {
	if c.Orchestrator == nil {
		return "", fmt.Errorf("boundary: chat is not enabled on this core")
	}
	return c.Orchestrator.Chat(ctx, sess, text)
}
