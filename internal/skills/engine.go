package skills

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/corestated/corestated/internal/capability"
	"github.com/corestated/corestated/internal/orchestrator"
)

// Engine adapts a set of active skills to orchestrator.SkillEngine,
// implementing the C7 Orchestration Primitives contract (spec.md §4.7)
// over the teacher's markdown-skill discovery model (SkillEntry/
// SkillMetadata, discovered and gated by Manager).
type Engine struct {
	active []*SkillEntry // sorted by descending Priority, then name
	ledger *executionLedger
	now    func() time.Time
}

// NewEngine builds an Engine over the given active skills, sorting them by
// descending priority once up front so every operation below iterates in
// the stable order spec.md §4.7 requires.
func NewEngine(active []*SkillEntry) *Engine {
	sorted := append([]*SkillEntry(nil), active...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := priorityOf(sorted[i]), priorityOf(sorted[j])
		if pi != pj {
			return pi > pj
		}
		return sorted[i].Name < sorted[j].Name
	})
	return &Engine{active: sorted, ledger: newExecutionLedger(), now: time.Now}
}

func priorityOf(s *SkillEntry) int {
	if s == nil || s.Metadata == nil {
		return 0
	}
	return s.Metadata.Priority
}

func requiredCapabilities(skills []*SkillEntry) []string {
	var caps []string
	for _, s := range skills {
		if s.Metadata == nil {
			continue
		}
		caps = append(caps, s.Metadata.Capabilities...)
	}
	return caps
}

// FilterCatalogue implements spec.md §4.7 "Capability matching": tools
// whose tags cover at least one active skill's required capability, or the
// full catalogue when no active skill requires any.
func (e *Engine) FilterCatalogue(tools []orchestrator.ToolSpec) []orchestrator.ToolSpec {
	required := requiredCapabilities(e.active)
	return capability.Filter(tools, required, func(t orchestrator.ToolSpec) []string { return t.Capabilities })
}

// CheckConstraints implements spec.md §4.7 step 1: evaluate every active
// skill's constraints for this tool, in descending priority, rejecting on
// first violation.
func (e *Engine) CheckConstraints(ctx context.Context, toolName string, args json.RawMessage, history []orchestrator.Message) error {
	now := e.now()
	for _, s := range e.active {
		if s.Metadata == nil || len(s.Metadata.Constraints) == 0 {
			continue
		}
		if err := evaluateConstraints(s.Name, s.Metadata.Constraints, toolName, args, e.ledger, now); err != nil {
			return err
		}
	}
	return nil
}

// RewriteInput implements spec.md §4.7 step 2.
func (e *Engine) RewriteInput(toolName string, args json.RawMessage) (json.RawMessage, error) {
	out := args
	for _, s := range e.active {
		if s.Metadata == nil || len(s.Metadata.InputRewrites) == 0 {
			continue
		}
		rewritten, err := applyRewrites(toolName, out, s.Metadata.InputRewrites)
		if err != nil {
			return args, err
		}
		out = rewritten
	}
	return out, nil
}

// RewriteOutput implements spec.md §4.7 step 4.
func (e *Engine) RewriteOutput(toolName string, result json.RawMessage) (json.RawMessage, error) {
	out := result
	for _, s := range e.active {
		if s.Metadata == nil || len(s.Metadata.OutputRewrites) == 0 {
			continue
		}
		rewritten, err := applyRewrites(toolName, out, s.Metadata.OutputRewrites)
		if err != nil {
			return result, err
		}
		out = rewritten
	}
	return out, nil
}

// PromptFragments implements spec.md §4.7's "prompt fragments concatenated
// ... in stable priority order".
func (e *Engine) PromptFragments() []string {
	frags := make([]string, 0, len(e.active))
	for _, s := range e.active {
		frag := ""
		if s.Metadata != nil {
			frag = s.Metadata.PromptFragment
		}
		if frag == "" {
			frag = s.Content
		}
		if frag != "" {
			frags = append(frags, frag)
		}
	}
	return frags
}
