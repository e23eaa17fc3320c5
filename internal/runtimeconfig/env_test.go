package runtimeconfig

import (
	"log/slog"
	"testing"
)

func clearOpEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OP_LOG_LEVEL", "OP_BIND_ADDR", "OP_HTTP_BIND", "OP_STATE_DOC", "OP_MAX_TOOL_TURNS", "OP_TOOL_REGISTRY_LIMIT"} {
		t.Setenv(k, "")
	}
}

func TestLoadEnvConfigDefaultsWhenUnset(t *testing.T) {
	clearOpEnv(t)
	cfg := LoadEnvConfig()
	want := DefaultEnvConfig()
	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
}

func TestLoadEnvConfigOverridesFromEnv(t *testing.T) {
	clearOpEnv(t)
	t.Setenv("OP_LOG_LEVEL", "debug")
	t.Setenv("OP_BIND_ADDR", "/tmp/custom.sock")
	t.Setenv("OP_HTTP_BIND", ":9090")
	t.Setenv("OP_STATE_DOC", "/etc/corestated/state.yaml")
	t.Setenv("OP_MAX_TOOL_TURNS", "5")
	t.Setenv("OP_TOOL_REGISTRY_LIMIT", "200")

	cfg := LoadEnvConfig()
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.LogLevel)
	}
	if cfg.BindAddr != "/tmp/custom.sock" {
		t.Errorf("unexpected bind addr: %s", cfg.BindAddr)
	}
	if cfg.HTTPBind != ":9090" {
		t.Errorf("unexpected http bind: %s", cfg.HTTPBind)
	}
	if cfg.StateDocPath != "/etc/corestated/state.yaml" {
		t.Errorf("unexpected state doc path: %s", cfg.StateDocPath)
	}
	if cfg.MaxToolTurns != 5 {
		t.Errorf("unexpected max tool turns: %d", cfg.MaxToolTurns)
	}
	if cfg.ToolRegistryLimit != 200 {
		t.Errorf("unexpected tool registry limit: %d", cfg.ToolRegistryLimit)
	}
}

func TestLoadEnvConfigIgnoresUnparseableValues(t *testing.T) {
	clearOpEnv(t)
	t.Setenv("OP_MAX_TOOL_TURNS", "not-a-number")
	t.Setenv("OP_LOG_LEVEL", "not-a-level")

	cfg := LoadEnvConfig()
	want := DefaultEnvConfig()
	if cfg.MaxToolTurns != want.MaxToolTurns {
		t.Errorf("expected default max tool turns on parse failure, got %d", cfg.MaxToolTurns)
	}
	if cfg.LogLevel != want.LogLevel {
		t.Errorf("expected default log level on parse failure, got %v", cfg.LogLevel)
	}
}

func TestLoadEnvConfigUnknownVariablesAreIgnored(t *testing.T) {
	clearOpEnv(t)
	t.Setenv("OP_SOMETHING_UNKNOWN", "value")
	cfg := LoadEnvConfig()
	if cfg != DefaultEnvConfig() {
		t.Fatalf("unknown env var should not affect config: %+v", cfg)
	}
}
