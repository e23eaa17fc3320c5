// Package toolreg implements the capability-addressed tool registry: tool
// definitions, runnable instances, and the residency (LRU) policy that keeps
// instantiation cheap without ever making a cataloged tool uncallable.
package toolreg

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Residency controls whether a tool's live Instance may be evicted under
// memory pressure. Pinned tools are never evicted regardless of LRU order.
type Residency string

const (
	// KeepResident pins a tool's instance; it is never evicted.
	KeepResident Residency = "keep_resident"
	// Evictable allows the registry to drop the instance and re-materialize
	// it on demand.
	Evictable Residency = "evictable"
)

// SecurityTier classifies the trust required to invoke a tool.
type SecurityTier string

const (
	TierPublic     SecurityTier = "public"
	TierStandard   SecurityTier = "standard"
	TierElevated   SecurityTier = "elevated"
	TierRestricted SecurityTier = "restricted"
)

var nameRE = regexp.MustCompile(`^[a-z0-9_]+$`)

// Definition is the immutable record describing a named operation.
type Definition struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	Category     string
	Capabilities []string
	Residency    Residency
	Tier         SecurityTier

	compiled *jsonschema.Schema
}

// Validate checks that the definition itself is well-formed: name pattern,
// schema compiles, residency/tier are known values.
func (d *Definition) Validate() error {
	if !nameRE.MatchString(d.Name) {
		return fmt.Errorf("toolreg: invalid tool name %q: must match [a-z0-9_]+", d.Name)
	}
	switch d.Residency {
	case KeepResident, Evictable:
	case "":
		d.Residency = Evictable
	default:
		return fmt.Errorf("toolreg: tool %q has unknown residency %q", d.Name, d.Residency)
	}
	switch d.Tier {
	case TierPublic, TierStandard, TierElevated, TierRestricted:
	case "":
		d.Tier = TierStandard
	default:
		return fmt.Errorf("toolreg: tool %q has unknown security tier %q", d.Name, d.Tier)
	}
	if len(d.InputSchema) == 0 {
		d.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	sch, err := compileSchema(d.Name, d.InputSchema)
	if err != nil {
		return fmt.Errorf("toolreg: tool %q has invalid input schema: %w", d.Name, err)
	}
	d.compiled = sch
	return nil
}

// Equal reports whether two definitions describe the same tool contract,
// used by Register to detect a conflicting re-registration under the same
// name.
func (d *Definition) Equal(other *Definition) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Name == other.Name &&
		d.Description == other.Description &&
		string(d.InputSchema) == string(other.InputSchema) &&
		d.Category == other.Category &&
		d.Residency == other.Residency &&
		d.Tier == other.Tier &&
		sliceEqual(d.Capabilities, other.Capabilities)
}

func sliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ValidateArgs validates a candidate argument payload against the
// definition's compiled JSON-Schema. This is the C4.1 `validate()` contract.
func (d *Definition) ValidateArgs(args json.RawMessage) error {
	if d.compiled == nil {
		sch, err := compileSchema(d.Name, d.InputSchema)
		if err != nil {
			return err
		}
		d.compiled = sch
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := d.compiled.Validate(v); err != nil {
		return err
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	url := "tool://" + name + "/input.json"
	if err := c.AddResource(url, toReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Tool is the runnable contract every tool implementation satisfies (C4.1).
type Tool interface {
	Describe() *Definition
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}
