package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corestated/corestated/internal/modelprovider"
	"github.com/corestated/corestated/pkg/models"
)

// ToolSpec is the provider-facing projection of a tool catalogue entry:
// exactly what the model needs to decide whether and how to call a tool
// (spec.md §4.6 "the full tool catalogue (names, descriptions, schemas)").
type ToolSpec struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	Capabilities []string
}

// CompletionResult is either free text, tool calls, or both (spec.md §4.6).
type CompletionResult struct {
	Text      string
	ToolCalls []ToolCall
}

// Provider is the orchestrator's LM Provider seam. It is intentionally
// narrower than modelprovider.LLMProvider: one synchronous call in, one result out,
// with streaming collapsed by the adapter below.
type Provider interface {
	Generate(ctx context.Context, system string, messages []Message, tools []ToolSpec) (CompletionResult, error)
	// ContextWindowTokens hints the provider's context size so the
	// orchestrator can truncate oldest non-system messages to fit.
	ContextWindowTokens() int
}

// schemaOnlyTool adapts a ToolSpec to modelprovider.Tool purely so it can ride in a
// CompletionRequest.Tools slice; the orchestrator, not the provider, invokes
// tools (via C3), so Execute here is never called by the provider and exists
// only to satisfy the interface.
type schemaOnlyTool struct{ spec ToolSpec }

func (t schemaOnlyTool) Name() string               { return t.spec.Name }
func (t schemaOnlyTool) Description() string        { return t.spec.Description }
func (t schemaOnlyTool) Schema() json.RawMessage    { return t.spec.InputSchema }
func (t schemaOnlyTool) Execute(context.Context, json.RawMessage) (*modelprovider.ToolResult, error) {
	return nil, fmt.Errorf("orchestrator: schemaOnlyTool.Execute must not be invoked by the provider")
}

// AgentProvider adapts an existing modelprovider.LLMProvider (the teacher's
// streaming provider contract, implemented for Anthropic and OpenAI under
// internal/modelprovider) to the narrower orchestrator Provider seam by
// draining its completion-chunk channel into one result.
type AgentProvider struct {
	Underlying modelprovider.LLMProvider
	Model      string
	MaxTokens  int

	// ContextWindow overrides the provider-hinted context size; 0 selects a
	// conservative default.
	ContextWindow int
}

func (a *AgentProvider) ContextWindowTokens() int {
	if a.ContextWindow > 0 {
		return a.ContextWindow
	}
	return 128_000
}

func (a *AgentProvider) Generate(ctx context.Context, system string, messages []Message, tools []ToolSpec) (CompletionResult, error) {
	req := &modelprovider.CompletionRequest{
		Model:     a.Model,
		System:    system,
		Messages:  toCompletionMessages(messages),
		MaxTokens: a.MaxTokens,
	}
	for _, ts := range tools {
		req.Tools = append(req.Tools, schemaOnlyTool{spec: ts})
	}

	chunks, err := a.Underlying.Complete(ctx, req)
	if err != nil {
		return CompletionResult{}, fmt.Errorf("orchestrator: provider %s: %w", a.Underlying.Name(), err)
	}

	var out CompletionResult
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return CompletionResult{}, fmt.Errorf("orchestrator: provider %s: %w", a.Underlying.Name(), chunk.Error)
		}
		if chunk.Text != "" {
			out.Text += chunk.Text
		}
		if chunk.ToolCall != nil {
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:   chunk.ToolCall.ID,
				Name: chunk.ToolCall.Name,
				Args: chunk.ToolCall.Input,
			})
		}
		if chunk.Done {
			break
		}
	}
	return out, nil
}

func toCompletionMessages(messages []Message) []modelprovider.CompletionMessage {
	out := make([]modelprovider.CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := modelprovider.CompletionMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Args})
		}
		if m.Role == RoleTool {
			cm.ToolResults = append(cm.ToolResults, models.ToolResult{
				ToolCallID: m.ToolCallID,
				Content:    m.Content,
			})
		}
		out = append(out, cm)
	}
	return out
}
