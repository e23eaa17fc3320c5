// Package objectpath implements the object-path boundary surface
// (spec.md §4.8): two named interfaces, "<bus>/Chat" and "<bus>/State",
// each exposing a small set of methods over a shared boundary.Core.
//
// This is an in-process method dispatcher rather than a literal system-bus
// export: the pack's only bus client (coreos/go-systemd/v22's dbus package,
// wired in internal/corestate/plugins/svc) talks to systemd's bus as a
// client and exports nothing itself, and godbus/dbus/v5 — the library that
// would be needed to export objects onto a real bus — is not part of the
// dependency set. The interface/method naming below mirrors spec.md's bus
// convention so a real bus export can be layered on later without changing
// call shapes.
package objectpath

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/corestated/corestated/internal/boundary"
	"github.com/corestated/corestated/internal/orchestrator"
)

// MethodNotFoundError reports a call to an interface/method pair this
// surface does not expose.
type MethodNotFoundError struct {
	Interface string
	Method    string
}

func (e *MethodNotFoundError) Error() string {
	return fmt.Sprintf("objectpath: no method %q on interface %q", e.Method, e.Interface)
}

// Call is one dispatched object-path invocation: an interface name
// ("Chat", "State"), a method name, and its JSON-encoded argument tuple.
type Call struct {
	Interface string
	Method    string
	Args      json.RawMessage
}

// Object dispatches Calls across its registered interfaces to boundary.Core.
// One Object is shared by every session a transport (D-Bus, a Unix socket,
// an in-process caller) mounts it over.
type Object struct {
	core *boundary.Core

	mu       sync.Mutex
	sessions map[string]*orchestrator.Session
}

// New builds an Object exposing the Chat and State interfaces over core.
func New(core *boundary.Core) *Object {
	return &Object{core: core, sessions: make(map[string]*orchestrator.Session)}
}

// Dispatch routes a Call to the matching interface/method, returning its
// JSON-encoded result. Unknown interface/method pairs return
// *MethodNotFoundError.
func (o *Object) Dispatch(ctx context.Context, call Call) (json.RawMessage, error) {
	switch call.Interface {
	case "Chat":
		return o.dispatchChat(ctx, call.Method, call.Args)
	case "State":
		return o.dispatchState(ctx, call.Method, call.Args)
	default:
		return nil, &MethodNotFoundError{Interface: call.Interface, Method: call.Method}
	}
}

func (o *Object) dispatchChat(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "chat":
		var in struct {
			Message   string `json:"message"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("objectpath: chat: %w", err)
		}
		text, err := o.core.Chat(ctx, o.sessionFor(in.SessionID), in.Message)
		if err != nil {
			return nil, err
		}
		return json.Marshal(text)
	case "list_tools":
		return json.Marshal(o.core.ListTools())
	default:
		return nil, &MethodNotFoundError{Interface: "Chat", Method: method}
	}
}

func (o *Object) dispatchState(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "get_state":
		var in struct {
			PluginName string `json:"plugin_name"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("objectpath: get_state: %w", err)
		}
		doc, err := o.core.GetState(ctx, in.PluginName)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case "get_all_state":
		doc, err := o.core.GetState(ctx, "")
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	case "set_state":
		var in struct {
			PluginName string          `json:"plugin_name"`
			Desired    json.RawMessage `json:"desired"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("objectpath: set_state: %w", err)
		}
		results, err := o.core.SetState(ctx, in.PluginName, in.Desired)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	case "set_all_state":
		var in struct {
			Desired json.RawMessage `json:"desired"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("objectpath: set_all_state: %w", err)
		}
		results, err := o.core.SetAllState(ctx, in.Desired)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	case "apply_from_file":
		var in struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("objectpath: apply_from_file: %w", err)
		}
		results, err := o.core.ApplyFromFile(ctx, in.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	case "apply_plugin_from_file":
		var in struct {
			PluginName string `json:"plugin_name"`
			Path       string `json:"path"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("objectpath: apply_plugin_from_file: %w", err)
		}
		results, err := o.core.ApplyPluginFromFile(ctx, in.PluginName, in.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	default:
		return nil, &MethodNotFoundError{Interface: "State", Method: method}
	}
}

// sessionFor returns the chat Session for id, creating it on first use.
// Sessions are process-lifetime: the object-path surface never expires
// them, matching spec.md §5's "a session persists for the life of the
// process" framing.
func (o *Object) sessionFor(id string) *orchestrator.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	if !ok {
		sess = orchestrator.NewSession(id, "")
		o.sessions[id] = sess
	}
	return sess
}
