package skills

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/corestated/corestated/internal/orchestrator"
)

func skillWithMeta(name string, meta *SkillMetadata) *SkillEntry {
	return &SkillEntry{Name: name, Description: "test skill " + name, Metadata: meta}
}

func TestFilterCatalogueFallsBackToFullWhenNoCapabilitiesRequired(t *testing.T) {
	e := NewEngine([]*SkillEntry{skillWithMeta("plain", nil)})
	tools := []orchestrator.ToolSpec{{Name: "a"}, {Name: "b"}}
	got := e.FilterCatalogue(tools)
	if len(got) != 2 {
		t.Fatalf("expected full catalogue pass-through, got %d", len(got))
	}
}

func TestFilterCatalogueNarrowsByCapability(t *testing.T) {
	e := NewEngine([]*SkillEntry{skillWithMeta("net-admin", &SkillMetadata{Capabilities: []string{"netlink_link"}})})
	tools := []orchestrator.ToolSpec{
		{Name: "set_link_up", Capabilities: []string{"netlink_link"}},
		{Name: "unrelated", Capabilities: []string{"filesystem"}},
	}
	got := e.FilterCatalogue(tools)
	if len(got) != 1 || got[0].Name != "set_link_up" {
		t.Fatalf("expected only the capability-matching tool, got %+v", got)
	}
}

func TestCheckConstraintsRequireArgumentRejectsMissingPath(t *testing.T) {
	e := NewEngine([]*SkillEntry{skillWithMeta("guarded", &SkillMetadata{
		Constraints: []ConstraintSpec{{Kind: RequireArgument, Path: "confirm"}},
	})})
	err := e.CheckConstraints(context.Background(), "delete_thing", json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatalf("expected a constraint violation")
	}
}

func TestCheckConstraintsForbidArgumentRejectsPresentPath(t *testing.T) {
	e := NewEngine([]*SkillEntry{skillWithMeta("guarded", &SkillMetadata{
		Constraints: []ConstraintSpec{{Kind: ForbidArgument, Path: "force"}},
	})})
	err := e.CheckConstraints(context.Background(), "delete_thing", json.RawMessage(`{"force":true}`), nil)
	if err == nil {
		t.Fatalf("expected a constraint violation for forbidden argument")
	}
	if err := e.CheckConstraints(context.Background(), "delete_thing", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("expected no violation without the forbidden argument: %v", err)
	}
}

func TestCheckConstraintsMaxExecutionsWithinWindow(t *testing.T) {
	e := NewEngine([]*SkillEntry{skillWithMeta("rate-limited", &SkillMetadata{
		Constraints: []ConstraintSpec{{Kind: MaxExecutions, N: 2, Window: time.Minute}},
	})})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }

	if err := e.CheckConstraints(context.Background(), "reboot", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("call 1 should be allowed: %v", err)
	}
	if err := e.CheckConstraints(context.Background(), "reboot", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("call 2 should be allowed: %v", err)
	}
	if err := e.CheckConstraints(context.Background(), "reboot", json.RawMessage(`{}`), nil); err == nil {
		t.Fatalf("call 3 within the window should be rejected")
	}

	e.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := e.CheckConstraints(context.Background(), "reboot", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("call after the window elapsed should be allowed: %v", err)
	}
}

func TestRewriteInputDoesNotOverwriteHigherPriorityOrOriginalKeys(t *testing.T) {
	high := skillWithMeta("high", &SkillMetadata{
		Priority:      10,
		InputRewrites: []RewriteSpec{{Path: "region", Value: json.RawMessage(`"us-east"`)}},
	})
	low := skillWithMeta("low", &SkillMetadata{
		Priority:      1,
		InputRewrites: []RewriteSpec{{Path: "region", Value: json.RawMessage(`"eu-west"`)}, {Path: "timeout", Value: json.RawMessage(`30`)}},
	})
	e := NewEngine([]*SkillEntry{low, high})

	out, err := e.RewriteInput("deploy", json.RawMessage(`{"name":"svc"}`))
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	var decoded struct {
		Name    string `json:"name"`
		Region  string `json:"region"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Region != "us-east" {
		t.Fatalf("expected the higher-priority skill's rewrite to win, got %q", decoded.Region)
	}
	if decoded.Timeout != 30 {
		t.Fatalf("expected the low-priority skill's non-conflicting rewrite to apply, got %d", decoded.Timeout)
	}
	if decoded.Name != "svc" {
		t.Fatalf("expected the original argument to survive untouched, got %q", decoded.Name)
	}
}

func TestPromptFragmentsInPriorityOrder(t *testing.T) {
	a := skillWithMeta("a", &SkillMetadata{Priority: 1, PromptFragment: "low prio"})
	b := skillWithMeta("b", &SkillMetadata{Priority: 5, PromptFragment: "high prio"})
	e := NewEngine([]*SkillEntry{a, b})
	frags := e.PromptFragments()
	if len(frags) != 2 || frags[0] != "high prio" || frags[1] != "low prio" {
		t.Fatalf("expected descending priority order, got %v", frags)
	}
}
