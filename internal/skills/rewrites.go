package skills

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RewriteSpec is one JSON-patch-like merge applied around a tool call
// (spec.md §4.7 steps 2 and 4): set Path to Value unless Path is already
// present, so a lower-priority skill's rewrite never clobbers a
// higher-priority skill's rewrite or a key the caller already supplied.
type RewriteSpec struct {
	Tools []string        `json:"tools,omitempty" yaml:"tools"`
	Path  string          `json:"path" yaml:"path"`
	Value json.RawMessage `json:"value" yaml:"value"`
}

func (r RewriteSpec) appliesTo(toolName string) bool {
	if len(r.Tools) == 0 {
		return true
	}
	for _, t := range r.Tools {
		if t == toolName {
			return true
		}
	}
	return false
}

// applyRewrites applies rewrites, in order, to payload, skipping any Path
// already present so earlier (higher-priority, when callers iterate skills
// in descending priority) writes win.
func applyRewrites(toolName string, payload json.RawMessage, rewrites []RewriteSpec) (json.RawMessage, error) {
	if len(rewrites) == 0 {
		return payload, nil
	}
	doc := string(payload)
	if doc == "" {
		doc = "{}"
	}
	for _, r := range rewrites {
		if !r.appliesTo(toolName) {
			continue
		}
		if gjson.Get(doc, r.Path).Exists() {
			continue
		}
		var v any
		if len(r.Value) > 0 {
			if err := json.Unmarshal(r.Value, &v); err != nil {
				return nil, fmt.Errorf("skills: rewrite %q has invalid value: %w", r.Path, err)
			}
		}
		updated, err := sjson.Set(doc, r.Path, v)
		if err != nil {
			return nil, fmt.Errorf("skills: apply rewrite %q: %w", r.Path, err)
		}
		doc = updated
	}
	return json.RawMessage(doc), nil
}
