package trackedexec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the stable error taxonomy from spec.md §7.
type ErrorKind string

const (
	KindInvalidArgs        ErrorKind = "InvalidArgs"
	KindUnknownTool        ErrorKind = "UnknownTool"
	KindPreconditionFailed ErrorKind = "PreconditionFailed"
	KindNotPermitted       ErrorKind = "NotPermitted"
	KindExternalFailure    ErrorKind = "ExternalFailure"
	KindTimeout            ErrorKind = "Timeout"
	KindConflict           ErrorKind = "Conflict"
	KindCancelled          ErrorKind = "Cancelled"
	KindInternal           ErrorKind = "Internal"
)

// Retryable reports whether a kind is safe to retry per spec.md §7:
// Timeout and ExternalFailure are retryable; the rest are not.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindExternalFailure:
		return true
	default:
		return false
	}
}

// Error is the structured error surfaced by the tracked executor and by
// state-plugin operations. It carries a stable Kind (for retry/propagation
// policy), a short message, and optional structured details — never
// secrets, per spec.md §7.
type Error struct {
	Kind       ErrorKind
	ToolName   string
	Message    string
	Details    map[string]any
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.ToolName != "" {
		fmt.Fprintf(&b, " %s", e.ToolName)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error of the given kind, classifying an underlying
// cause's message when Kind is left empty — grounded on the teacher's
// classifyToolError heuristic (internal/agent/errors.go).
func NewError(kind ErrorKind, toolName, message string, cause error) *Error {
	if kind == "" {
		kind = classify(cause)
	}
	return &Error{Kind: kind, ToolName: toolName, Message: message, Cause: cause}
}

func classify(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "canceled") || strings.Contains(msg, "cancelled"):
		return KindCancelled
	case strings.Contains(msg, "not found"):
		return KindUnknownTool
	case strings.Contains(msg, "permission") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "unauthorized"):
		return KindNotPermitted
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") || strings.Contains(msg, "required"):
		return KindInvalidArgs
	case strings.Contains(msg, "conflict") || strings.Contains(msg, "busy"):
		return KindConflict
	default:
		return KindExternalFailure
	}
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}
