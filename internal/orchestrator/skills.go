package orchestrator

import (
	"context"
	"encoding/json"
)

// SkillEngine is the C7 seam: active skills narrow the tool catalogue,
// gate individual calls, and rewrite their arguments/results. A nil
// SkillEngine is equivalent to no skills being active — the full catalogue
// is offered and every call passes through unmodified (spec.md §4.7
// "fall back to the full catalogue when no tags are required").
type SkillEngine interface {
	// FilterCatalogue narrows the provider-facing tool list to what active
	// skills' required capability tags cover.
	FilterCatalogue(tools []ToolSpec) []ToolSpec

	// CheckConstraints evaluates active skills' constraints, in descending
	// priority, against one proposed call. A non-nil error rejects the call
	// without touching C3 (spec.md §4.7 step 1, NotPermitted).
	CheckConstraints(ctx context.Context, toolName string, args json.RawMessage, history []Message) error

	// RewriteInput applies active skills' input rewrites in descending
	// priority before C3 is invoked (spec.md §4.7 step 2).
	RewriteInput(toolName string, args json.RawMessage) (json.RawMessage, error)

	// RewriteOutput applies active skills' output rewrites in descending
	// priority before a tool result is appended as a tool message (spec.md
	// §4.7 step 4).
	RewriteOutput(toolName string, result json.RawMessage) (json.RawMessage, error)

	// PromptFragments returns skill-contributed system prompt fragments in
	// stable priority order.
	PromptFragments() []string
}
