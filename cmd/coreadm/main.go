// Package main provides the coreadm CLI: the operator-facing front end for
// the declarative state and tool-orchestration core.
//
// coreadm talks to the same boundary.Core that the object-path, HTTP, and
// stdio JSON-RPC surfaces mount (spec.md §4.8), but in-process: it builds
// its own Registry/Executor/Manager for each invocation rather than dialing
// a running daemon, so "apply" and "tools call" work the same whether or
// not corestated is running as a service.
//
// # Basic usage
//
//	coreadm apply state.yaml
//	coreadm get-state
//	coreadm get-state net
//	coreadm tools list
//	coreadm tools call fs.write '{"path":"/etc/motd","content":"hi"}'
//
// # Environment variables
//
//   - OP_LOG_LEVEL: log level (debug, info, warn, error)
//   - OP_BIND_ADDR: object-path Unix socket path
//   - OP_HTTP_BIND: HTTP boundary surface listen address
//   - OP_STATE_DOC: default desired-state document path
//   - OP_MAX_TOOL_TURNS: orchestrator tool-turn budget
//   - OP_TOOL_REGISTRY_LIMIT: max simultaneously resident tool instances
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/corestated/corestated/internal/boundary"
	"github.com/corestated/corestated/internal/runtimeconfig"
	"github.com/corestated/corestated/internal/corestate"
	"github.com/corestated/corestated/internal/corestate/plugins/container"
	"github.com/corestated/corestated/internal/corestate/plugins/fs"
	"github.com/corestated/corestated/internal/corestate/plugins/netlink"
	"github.com/corestated/corestated/internal/corestate/plugins/ovs"
	"github.com/corestated/corestated/internal/corestate/plugins/packagekit"
	"github.com/corestated/corestated/internal/corestate/plugins/svc"
	"github.com/corestated/corestated/internal/stores/stepcache"
	"github.com/corestated/corestated/internal/stores/storeutil"
	"github.com/corestated/corestated/internal/toolreg"
	"github.com/corestated/corestated/internal/trackedexec"
)

// Exit codes, per spec.md §6.
const (
	exitOK                = 0
	exitSemanticFailure   = 1
	exitInvalidInvocation = 2
	exitNotReachable      = 3
)

// exitError carries a specific process exit code out of a RunE, so main
// stays the single place that ever calls os.Exit.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func invalidInvocation(err error) error { return &exitError{code: exitInvalidInvocation, err: err} }
func notReachable(err error) error      { return &exitError{code: exitNotReachable, err: err} }
func semanticFailure(err error) error   { return &exitError{code: exitSemanticFailure, err: err} }

func main() {
	envCfg := runtimeconfig.LoadEnvConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: envCfg.LogLevel,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd(envCfg)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code := exitInvalidInvocation
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		os.Exit(code)
	}
}

// newCore builds a fresh boundary.Core wired the same way the daemon wires
// one: one Registry, one Executor, one Manager with every known state
// plugin registered. coreadm never shares process state across
// invocations, so there is no singleton to guard.
func newCore(envCfg runtimeconfig.EnvConfig) (*boundary.Core, error) {
	registry := toolreg.NewRegistry(envCfg.ToolRegistryLimit)
	executor := trackedexec.New(registry).WithStepCache(stepcache.New(storeutil.NewMemoryBackend(), 0))

	manager := corestate.NewManager()
	manager.Register(fs.New())
	manager.Register(netlink.New())
	manager.Register(ovs.New())
	manager.Register(packagekit.New())
	manager.Register(svc.New())
	containerPlugin, err := container.New()
	if err != nil {
		return nil, fmt.Errorf("coreadm: init container plugin: %w", err)
	}
	manager.Register(containerPlugin)

	return &boundary.Core{
		Registry:     registry,
		Executor:     executor,
		StateManager: manager,
	}, nil
}
