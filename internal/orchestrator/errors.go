package orchestrator

import "errors"

// ErrBusy is returned by Chat when the session is already being driven by
// another concurrent chat call (spec.md §5: "the second is rejected with
// Busy").
var ErrBusy = errors.New("orchestrator: session is busy with another chat call")

// CancelledMarker is the text returned by Chat when the call's context is
// cancelled before the loop starts a new round (spec.md §4.6 "Cancellation").
const CancelledMarker = "[cancelled]"

// BudgetExhaustedMarker is appended when the turn budget reaches zero
// without the model returning a final text-only response (spec.md §4.6).
const BudgetExhaustedMarker = "budget exhausted, partial result"
