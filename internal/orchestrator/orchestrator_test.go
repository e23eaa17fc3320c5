package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/corestated/corestated/internal/toolreg"
	"github.com/corestated/corestated/internal/trackedexec"
)

// scriptedProvider returns one CompletionResult per call, in order, and
// records the message history it was given.
type scriptedProvider struct {
	mu      sync.Mutex
	results []CompletionResult
	calls   int
	seen    [][]Message
}

func (p *scriptedProvider) Generate(ctx context.Context, system string, messages []Message, tools []ToolSpec) (CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, append([]Message(nil), messages...))
	if p.calls >= len(p.results) {
		p.calls++
		return CompletionResult{Text: "out of script"}, nil
	}
	r := p.results[p.calls]
	p.calls++
	return r, nil
}

func (p *scriptedProvider) ContextWindowTokens() int { return 128_000 }

type echoTool struct{ def *toolreg.Definition }

func (t *echoTool) Describe() *toolreg.Definition { return t.def }
func (t *echoTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func newTestExecutor(t *testing.T) (*trackedexec.Executor, *toolreg.Registry) {
	t.Helper()
	reg := toolreg.NewRegistry(10)
	def := &toolreg.Definition{Name: "ping", Description: "ping", InputSchema: json.RawMessage(`{"type":"object"}`)}
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := reg.Register(def, func() toolreg.Tool { return &echoTool{def: def} }); err != nil {
		t.Fatalf("register: %v", err)
	}
	return trackedexec.New(reg), reg
}

func TestChatReturnsFinalTextWithoutToolCalls(t *testing.T) {
	executor, reg := newTestExecutor(t)
	provider := &scriptedProvider{results: []CompletionResult{{Text: "hello there"}}}
	o := New(provider, executor, reg, nil, Config{})

	sess := NewSession("s1", "be helpful")
	got, err := o.Chat(context.Background(), sess, "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "hello there" {
		t.Fatalf("got %q", got)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(sess.Messages))
	}
}

func TestChatExecutesForcedToolThenReturnsFinalText(t *testing.T) {
	executor, reg := newTestExecutor(t)
	provider := &scriptedProvider{results: []CompletionResult{
		{ToolCalls: []ToolCall{{ID: "call-1", Name: "ping", Args: json.RawMessage(`{}`)}}},
		{Text: "done"},
	}}
	o := New(provider, executor, reg, nil, Config{})

	sess := NewSession("s2", "")
	got, err := o.Chat(context.Background(), sess, "ping it")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != "done" {
		t.Fatalf("got %q", got)
	}

	var toolMsg *Message
	for i := range sess.Messages {
		if sess.Messages[i].Role == RoleTool {
			toolMsg = &sess.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatalf("expected a role=tool message in history")
	}
	if toolMsg.ToolCallID != "call-1" {
		t.Fatalf("tool message does not reference the preceding tool_call_id: %+v", toolMsg)
	}
}

func TestChatUnknownToolProducesToolMessageNotFailure(t *testing.T) {
	executor, reg := newTestExecutor(t)
	provider := &scriptedProvider{results: []CompletionResult{
		{ToolCalls: []ToolCall{{ID: "call-1", Name: "does_not_exist", Args: json.RawMessage(`{}`)}}},
		{Text: "recovered"},
	}}
	o := New(provider, executor, reg, nil, Config{})

	sess := NewSession("s3", "")
	got, err := o.Chat(context.Background(), sess, "call a bogus tool")
	if err != nil {
		t.Fatalf("chat returned an error for a tool failure, should not: %v", err)
	}
	if got != "recovered" {
		t.Fatalf("got %q", got)
	}

	var toolMsg Message
	for _, m := range sess.Messages {
		if m.Role == RoleTool {
			toolMsg = m
		}
	}
	var decoded struct {
		ErrorKind string `json:"error_kind"`
	}
	if err := json.Unmarshal([]byte(toolMsg.Content), &decoded); err != nil {
		t.Fatalf("tool message is not the structured error shape: %v", err)
	}
	if decoded.ErrorKind != string(trackedexec.KindUnknownTool) {
		t.Fatalf("expected UnknownTool, got %q", decoded.ErrorKind)
	}
}

func TestChatBudgetExhaustionStopsWithoutExceedingMaxTurns(t *testing.T) {
	executor, reg := newTestExecutor(t)
	// Every round asks for another tool call — the loop must stop once the
	// turn budget is spent, never exceeding MaxToolTurns rounds.
	results := make([]CompletionResult, 20)
	for i := range results {
		results[i] = CompletionResult{ToolCalls: []ToolCall{{ID: "call", Name: "ping", Args: json.RawMessage(`{}`)}}}
	}
	provider := &scriptedProvider{results: results}
	o := New(provider, executor, reg, nil, Config{MaxToolTurns: 3})

	sess := NewSession("s4", "")
	got, err := o.Chat(context.Background(), sess, "loop forever")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != BudgetExhaustedMarker {
		t.Fatalf("expected budget-exhausted marker, got %q", got)
	}
	if provider.calls != 3 {
		t.Fatalf("expected exactly MaxToolTurns=3 provider calls, got %d", provider.calls)
	}
}

func TestChatRejectsConcurrentCallOnSameSession(t *testing.T) {
	executor, reg := newTestExecutor(t)
	release := make(chan struct{})
	provider := &blockingProvider{release: release}
	o := New(provider, executor, reg, nil, Config{})
	sess := NewSession("s5", "")

	done := make(chan error, 1)
	go func() {
		_, err := o.Chat(context.Background(), sess, "first")
		done <- err
	}()

	// Give the first call a chance to claim the session lock.
	time.Sleep(20 * time.Millisecond)
	_, err := o.Chat(context.Background(), sess, "second")
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call failed: %v", err)
	}
}

type blockingProvider struct{ release chan struct{} }

func (p *blockingProvider) Generate(ctx context.Context, system string, messages []Message, tools []ToolSpec) (CompletionResult, error) {
	<-p.release
	return CompletionResult{Text: "ok"}, nil
}
func (p *blockingProvider) ContextWindowTokens() int { return 128_000 }

func TestChatCancellationReturnsMarkerWithoutStartingNewCall(t *testing.T) {
	executor, reg := newTestExecutor(t)
	provider := &scriptedProvider{}
	o := New(provider, executor, reg, nil, Config{})
	sess := NewSession("s6", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := o.Chat(ctx, sess, "hi")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got != CancelledMarker {
		t.Fatalf("expected cancellation marker, got %q", got)
	}
	if provider.calls != 0 {
		t.Fatalf("expected no provider call after cancellation, got %d", provider.calls)
	}
}
