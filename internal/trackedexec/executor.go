// Package trackedexec wraps a tool registry with per-invocation call
// identifiers, timing, outcome recording, and uniform error mapping (C3).
package trackedexec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/corestated/corestated/internal/observability"
	"github.com/corestated/corestated/internal/stores/stepcache"
	"github.com/corestated/corestated/internal/toolreg"
	"github.com/google/uuid"
)

// Outcome is the terminal state of a tracked call.
type Outcome string

const (
	OutcomeOk  Outcome = "Ok"
	OutcomeErr Outcome = "Err"
)

// CallRecord is the immutable-after-return record of one tool invocation
// (spec.md §3 "Tool Call Record").
type CallRecord struct {
	CallID      string
	ToolName    string
	StartedAt   time.Time
	EndedAt     time.Time
	Outcome     Outcome
	ErrorKind   ErrorKind
	BytesIn     int
	BytesOut    int
}

// Result is returned to callers of Execute.
type Result struct {
	CallID string
	Output json.RawMessage
	Err    *Error
}

// DefaultDeadline is the per-call timeout applied when a tool does not
// declare its own override (spec.md §4.3: "default 60 s").
const DefaultDeadline = 60 * time.Second

// Registry is the subset of toolreg.Registry the executor depends on.
type Registry interface {
	Definition(name string) (*toolreg.Definition, bool)
	Get(name string) (*toolreg.Handle, bool)
}

// Executor wraps a Registry, generating a call_id, validating arguments,
// enforcing a per-call deadline, and recording a CallRecord for every
// invocation (C3).
type Executor struct {
	registry Registry

	// Deadlines overrides the per-tool deadline; falls back to
	// DefaultDeadline when a tool has no entry.
	deadlinesMu sync.RWMutex
	deadlines   map[string]time.Duration

	subsMu sync.Mutex
	subs   []chan<- CallRecord

	// steps caches a sequence's per-step outputs (C9) so a tool turn that
	// re-issues the exact same call replays the recorded output instead of
	// re-executing it. Nil disables replay entirely.
	steps *stepcache.Cache
}

// New creates a tracked executor over registry.
func New(registry Registry) *Executor {
	return &Executor{
		registry:  registry,
		deadlines: make(map[string]time.Duration),
	}
}

// WithStepCache enables sequenced replay via ExecuteSequenced.
func (e *Executor) WithStepCache(cache *stepcache.Cache) *Executor {
	e.steps = cache
	return e
}

// SetDeadline overrides the per-call timeout for a specific tool name.
func (e *Executor) SetDeadline(toolName string, d time.Duration) {
	e.deadlinesMu.Lock()
	defer e.deadlinesMu.Unlock()
	e.deadlines[toolName] = d
}

func (e *Executor) deadlineFor(toolName string) time.Duration {
	e.deadlinesMu.RLock()
	defer e.deadlinesMu.RUnlock()
	if d, ok := e.deadlines[toolName]; ok && d > 0 {
		return d
	}
	return DefaultDeadline
}

// Subscribe registers a non-blocking, lossy observer of call records: a slow
// subscriber drops records rather than applying backpressure to execution
// (spec.md §4.3).
func (e *Executor) Subscribe(ch chan<- CallRecord) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.subs = append(e.subs, ch)
}

func (e *Executor) publish(rec CallRecord) {
	e.subsMu.Lock()
	subs := make([]chan<- CallRecord, len(e.subs))
	copy(subs, e.subs)
	e.subsMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
			// subscriber is slow; drop rather than block execution.
		}
	}
}

// Execute runs tool `name` with `args`, following the C3 contract:
// 1. generate call_id, 2. validate args, 3. record started_at,
// 4. resolve instance (re-materializing via the registry if needed),
// 5. invoke under a per-call deadline, 6. map errors to the ErrorKind
// taxonomy, 7. record ended_at/outcome/sizes, 8. return.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) Result {
	callID := uuid.NewString()
	ctx = observability.AddToolCallID(ctx, callID)
	rec := CallRecord{CallID: callID, ToolName: name, StartedAt: time.Now(), BytesIn: len(args)}

	def, ok := e.registry.Definition(name)
	if !ok {
		return e.finish(rec, nil, NewError(KindUnknownTool, name, "tool not found: "+name, nil))
	}

	if err := def.ValidateArgs(args); err != nil {
		return e.finish(rec, nil, NewError(KindInvalidArgs, name, err.Error(), err))
	}

	handle, ok := e.registry.Get(name)
	if !ok {
		// Catalogue and live registry disagree; this should not happen for a
		// name that just resolved a Definition, but is reported as Internal
		// rather than silently swallowed (spec.md §7).
		return e.finish(rec, nil, NewError(KindInternal, name, "tool instance unavailable after definition lookup", nil))
	}
	defer handle.Release()

	deadline := e.deadlineFor(name)
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type execOutcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan execOutcome, 1)
	go func() {
		out, err := handle.Tool.Execute(callCtx, args)
		select {
		case done <- execOutcome{out: out, err: err}:
		default:
		}
	}()

	select {
	case <-callCtx.Done():
		if callCtx.Err() == context.DeadlineExceeded {
			return e.finish(rec, nil, NewError(KindTimeout, name, "tool execution timed out", callCtx.Err()))
		}
		return e.finish(rec, nil, NewError(KindCancelled, name, "tool execution cancelled", callCtx.Err()))
	case res := <-done:
		if res.err != nil {
			if te, ok := AsError(res.err); ok {
				return e.finish(rec, nil, te)
			}
			return e.finish(rec, nil, NewError("", name, res.err.Error(), res.err))
		}
		return e.finish(rec, res.out, nil)
	}
}

// ExecuteSequenced is Execute with replay: a call sharing (sequenceID,
// stepIndex, and identical args) with an earlier successful call in the
// same sequence returns the recorded output without re-invoking the tool
// (spec.md §4.9 "deterministic replay of a multi-step tool sequence").
// Errors are never cached; a failed step always re-executes.
func (e *Executor) ExecuteSequenced(ctx context.Context, sequenceID string, stepIndex int, name string, args json.RawMessage) Result {
	if e.steps == nil {
		return e.Execute(ctx, name, args)
	}

	sum := sha256.Sum256(args)
	inputHash := hex.EncodeToString(sum[:])

	var execErr *Error
	out, err := e.steps.GetOrCompute(ctx, sequenceID, stepIndex, inputHash, func(ctx context.Context) ([]byte, error) {
		res := e.Execute(ctx, name, args)
		if res.Err != nil {
			execErr = res.Err
			return nil, res.Err
		}
		return res.Output, nil
	})
	if err != nil {
		if execErr != nil {
			return Result{Err: execErr}
		}
		return Result{Err: NewError(KindInternal, name, "step cache: "+err.Error(), err)}
	}
	return Result{Output: out}
}

func (e *Executor) finish(rec CallRecord, out json.RawMessage, toolErr *Error) Result {
	rec.EndedAt = time.Now()
	if toolErr != nil {
		rec.Outcome = OutcomeErr
		rec.ErrorKind = toolErr.Kind
	} else {
		rec.Outcome = OutcomeOk
		rec.BytesOut = len(out)
	}
	e.publish(rec)
	return Result{CallID: rec.CallID, Output: out, Err: toolErr}
}
