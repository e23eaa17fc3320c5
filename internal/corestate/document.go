package corestate

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DesiredStateDocument is the caller-supplied description of what host
// configuration should look like. Never persisted by the core; supplied
// fresh per apply request.
type DesiredStateDocument struct {
	Version int                        `json:"version" yaml:"version"`
	Plugins map[string]json.RawMessage `json:"plugins" yaml:"plugins"`
}

// ParseDesiredStateDocument accepts either JSON or YAML bytes (the CLI's
// state documents are authored as YAML; the HTTP boundary posts JSON).
func ParseDesiredStateDocument(raw []byte) (*DesiredStateDocument, error) {
	var doc DesiredStateDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("corestate: parse desired state document: %w", err)
	}
	if doc.Plugins == nil {
		doc.Plugins = map[string]json.RawMessage{}
	}
	return &doc, nil
}

// CurrentStateDocument mirrors DesiredStateDocument's shape; produced by
// fanning QueryCurrentState out over a plugin set. Cached only for the
// duration of a single reconciliation.
type CurrentStateDocument struct {
	Plugins map[string]json.RawMessage `json:"plugins"`
}
