package skills

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ConstraintKind enumerates the constraint evaluators from spec.md §4.7.
type ConstraintKind string

const (
	// RequireArgument rejects a call whose arguments do not set Path.
	RequireArgument ConstraintKind = "require_argument"
	// ForbidArgument rejects a call whose arguments do set Path.
	ForbidArgument ConstraintKind = "forbid_argument"
	// RequireConfirmation rejects a call unless arguments set Path (Flag)
	// to a truthy boolean — distinct from RequireArgument in intent
	// (explicit operator confirmation) even though the mechanics overlap.
	RequireConfirmation ConstraintKind = "require_confirmation"
	// MaxExecutions rejects a call once this tool has already run N times
	// for this skill within the trailing Window.
	MaxExecutions ConstraintKind = "max_executions"
)

// ConstraintSpec is one constraint attached to a skill, scoped to the tools
// it applies to (empty Tools means "all tools this skill's capabilities
// cover").
type ConstraintSpec struct {
	Kind ConstraintKind `json:"kind" yaml:"kind"`
	// Tools restricts which tool names this constraint evaluates against.
	// Empty applies to every call this skill is asked to gate.
	Tools []string `json:"tools,omitempty" yaml:"tools"`
	// Path is a gjson path into the call arguments, used by
	// RequireArgument, ForbidArgument, and RequireConfirmation.
	Path string `json:"path,omitempty" yaml:"path"`
	// N and Window bound MaxExecutions.
	N      int           `json:"n,omitempty" yaml:"n"`
	Window time.Duration `json:"window,omitempty" yaml:"window"`
}

func (c ConstraintSpec) appliesTo(toolName string) bool {
	if len(c.Tools) == 0 {
		return true
	}
	for _, t := range c.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// executionLedger tracks MaxExecutions windows per (skill, tool).
type executionLedger struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

func newExecutionLedger() *executionLedger {
	return &executionLedger{calls: make(map[string][]time.Time)}
}

// recordAndCheck appends now to the ledger for key and reports whether the
// count within window (including this call) exceeds limit.
func (l *executionLedger) recordAndCheck(key string, now time.Time, window time.Duration, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	kept := l.calls[key][:0]
	for _, t := range l.calls[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.calls[key] = kept
	return len(kept) > limit
}

// ConstraintViolation is the structured reason a call was rejected
// (spec.md §4.7: "NotPermitted(skill, reason)").
type ConstraintViolation struct {
	Skill  string
	Reason string
}

func (v *ConstraintViolation) Error() string {
	return fmt.Sprintf("skill %q: %s", v.Skill, v.Reason)
}

// evaluateConstraints runs one skill's constraints, in declaration order,
// against a proposed call. now is passed in (rather than time.Now()) so
// MaxExecutions windows are testable deterministically.
func evaluateConstraints(skillName string, constraints []ConstraintSpec, toolName string, args json.RawMessage, ledger *executionLedger, now time.Time) error {
	argStr := string(args)
	for _, c := range constraints {
		if !c.appliesTo(toolName) {
			continue
		}
		switch c.Kind {
		case RequireArgument:
			if !gjson.Get(argStr, c.Path).Exists() {
				return &ConstraintViolation{Skill: skillName, Reason: fmt.Sprintf("missing required argument %q", c.Path)}
			}
		case ForbidArgument:
			if gjson.Get(argStr, c.Path).Exists() {
				return &ConstraintViolation{Skill: skillName, Reason: fmt.Sprintf("argument %q is not permitted", c.Path)}
			}
		case RequireConfirmation:
			if !gjson.Get(argStr, c.Path).Bool() {
				return &ConstraintViolation{Skill: skillName, Reason: fmt.Sprintf("call requires confirmation via %q", c.Path)}
			}
		case MaxExecutions:
			key := skillName + "/" + toolName
			window := c.Window
			if window <= 0 {
				window = time.Hour
			}
			if ledger.recordAndCheck(key, now, window, c.N) {
				return &ConstraintViolation{Skill: skillName, Reason: fmt.Sprintf("exceeded %d executions of %q within %s", c.N, toolName, window)}
			}
		}
	}
	return nil
}
