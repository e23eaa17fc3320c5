package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/corestated/corestated/internal/toolreg"
	"github.com/corestated/corestated/internal/trackedexec"
)

// DefaultMaxToolTurns is N in spec.md §4.6's multi-turn loop.
const DefaultMaxToolTurns = 10

// DefaultMaxToolResultBytes bounds a single tool result before it is
// truncated with a marker (spec.md §4.6 "protect context").
const DefaultMaxToolResultBytes = 32 * 1024

// Config tunes one Orchestrator's bounds. Zero values select the defaults.
type Config struct {
	MaxToolTurns       int
	MaxToolResultBytes int
}

func (c Config) maxToolTurns() int {
	if c.MaxToolTurns > 0 {
		return c.MaxToolTurns
	}
	return DefaultMaxToolTurns
}

func (c Config) maxToolResultBytes() int {
	if c.MaxToolResultBytes > 0 {
		return c.MaxToolResultBytes
	}
	return DefaultMaxToolResultBytes
}

// Orchestrator drives the bounded multi-turn chat loop (C6), routing every
// tool call through the tracked executor (C3) and never parsing free text
// for commands.
type Orchestrator struct {
	provider Provider
	executor *trackedexec.Executor
	registry *toolreg.Registry
	skills   SkillEngine
	cfg      Config
}

// New builds an Orchestrator. skills may be nil (no active skills).
func New(provider Provider, executor *trackedexec.Executor, registry *toolreg.Registry, skills SkillEngine, cfg Config) *Orchestrator {
	return &Orchestrator{provider: provider, executor: executor, registry: registry, skills: skills, cfg: cfg}
}

// Chat implements the public chat(session_id, user_text) -> assistant_text
// operation (spec.md §4.6). It is safe for concurrent use across distinct
// sessions; concurrent calls against the same Session are serialized and the
// loser returns ErrBusy.
func (o *Orchestrator) Chat(ctx context.Context, sess *Session, userText string) (string, error) {
	if !sess.tryLock() {
		return "", ErrBusy
	}
	defer sess.unlock()

	sess.Messages = append(sess.Messages, Message{Role: RoleUser, Content: userText})

	turnsLeft := o.cfg.maxToolTurns()
	step := 0
	for {
		select {
		case <-ctx.Done():
			return CancelledMarker, nil
		default:
		}

		system := o.systemPrompt(sess)
		tools := o.catalogue()
		history := truncateForContext(sess.Messages, o.provider.ContextWindowTokens())

		result, err := o.provider.Generate(ctx, system, history, tools)
		if err != nil {
			// Fatal provider errors are the one case chat failure propagates
			// (spec.md §4.6 "Guarantees").
			return "", err
		}

		if len(result.ToolCalls) == 0 {
			sess.Messages = append(sess.Messages, Message{Role: RoleAssistant, Content: result.Text})
			return result.Text, nil
		}

		sess.Messages = append(sess.Messages, Message{
			Role:      RoleAssistant,
			Content:   result.Text,
			ToolCalls: result.ToolCalls,
		})

		for _, tc := range result.ToolCalls {
			select {
			case <-ctx.Done():
				return CancelledMarker, nil
			default:
			}
			sess.Messages = append(sess.Messages, o.executeOne(ctx, sess.ID, step, tc, sess.Messages))
			step++
		}

		turnsLeft--
		if turnsLeft <= 0 {
			sess.Messages = append(sess.Messages, Message{Role: RoleAssistant, Content: BudgetExhaustedMarker})
			return BudgetExhaustedMarker, nil
		}
	}
}

// executeOne applies active skill constraints and rewrites around one C3
// invocation (spec.md §4.7), always returning a role=tool message — tool
// and policy failures never become chat failures (spec.md §7).
func (o *Orchestrator) executeOne(ctx context.Context, sequenceID string, stepIndex int, tc ToolCall, history []Message) Message {
	args := tc.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	if o.skills != nil {
		if err := o.skills.CheckConstraints(ctx, tc.Name, args, history); err != nil {
			return toolErrorMessage(tc.ID, trackedexec.NewError(trackedexec.KindNotPermitted, tc.Name, err.Error(), err))
		}
		rewritten, err := o.skills.RewriteInput(tc.Name, args)
		if err == nil {
			args = rewritten
		}
	}

	res := o.executor.ExecuteSequenced(ctx, sequenceID, stepIndex, tc.Name, args)
	if res.Err != nil {
		return toolErrorMessage(tc.ID, res.Err)
	}

	out := res.Output
	if o.skills != nil {
		if rewritten, err := o.skills.RewriteOutput(tc.Name, out); err == nil {
			out = rewritten
		}
	}

	content := string(out)
	if limit := o.cfg.maxToolResultBytes(); len(content) > limit {
		content = content[:limit] + "...[truncated]"
	}
	return Message{Role: RoleTool, ToolCallID: tc.ID, Content: content}
}

func toolErrorMessage(toolCallID string, err *trackedexec.Error) Message {
	payload, _ := json.Marshal(map[string]string{
		"error_kind": string(err.Kind),
		"message":    err.Message,
	})
	return Message{Role: RoleTool, ToolCallID: toolCallID, Content: string(payload)}
}

func (o *Orchestrator) systemPrompt(sess *Session) string {
	system := sess.System
	if o.skills == nil {
		return system
	}
	for _, frag := range o.skills.PromptFragments() {
		if frag == "" {
			continue
		}
		if system != "" {
			system += "\n\n"
		}
		system += frag
	}
	return system
}

func (o *Orchestrator) catalogue() []ToolSpec {
	defs := o.registry.Catalogue(toolreg.CatalogueFilter{})
	specs := make([]ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema, Capabilities: d.Capabilities})
	}
	if o.skills != nil {
		return o.skills.FilterCatalogue(specs)
	}
	return specs
}

// approxTokens is a coarse token estimate (bytes/4) used only to decide what
// to drop, not for billing: the orchestrator has no provider-specific
// tokenizer and spec.md §4.6 only requires a "hint of finite context size".
func approxTokens(s string) int {
	return len(s)/4 + 1
}

// truncateForContext drops the oldest messages (the system prompt is passed
// separately and is never in this slice) until the remaining history fits
// within a conservative fraction of the provider's context window, leaving
// headroom for the model's own response.
func truncateForContext(messages []Message, contextWindowTokens int) []Message {
	if contextWindowTokens <= 0 {
		return messages
	}
	budget := contextWindowTokens * 3 / 4

	total := 0
	for _, m := range messages {
		total += approxTokens(m.Content)
	}
	if total <= budget {
		return messages
	}

	start := 0
	for start < len(messages) && total > budget {
		total -= approxTokens(messages[start].Content)
		start++
	}
	return messages[start:]
}
