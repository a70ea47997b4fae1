package agent

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to check.
var (
	// ErrStreamIncomplete is returned when a model stream ends, fails or is
	// cancelled before its terminal chunk.
	ErrStreamIncomplete = errors.New("model stream ended before terminal chunk")
	// ErrNotInitialized is returned by Converse before a successful Initialize
	// or after the adapters were torn down.
	ErrNotInitialized = errors.New("engine is not initialized")
	// ErrMaxTurnsExceeded is returned when the model keeps requesting tools
	// past the configured turn limit.
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")
	// ErrClosed is returned by Initialize once the adapters were torn down;
	// closed adapters are never reopened.
	ErrClosed = errors.New("engine is closed")
)

// ToolNotFoundResult is fed back to the model when no adapter offers the
// requested tool.
const ToolNotFoundResult = "Tool not found"

// ToolDispatchError reports malformed arguments or a failed provider call.
type ToolDispatchError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ToolDispatchError) Error() string {
	return fmt.Sprintf("dispatch tool %s (call %s): %v", e.Tool, e.CallID, e.Err)
}

func (e *ToolDispatchError) Unwrap() error { return e.Err }

// TeardownWarning records one adapter that failed to close. Warnings are
// logged, never returned as errors.
type TeardownWarning struct {
	Adapter string
	Err     error
}

func (w TeardownWarning) String() string {
	return fmt.Sprintf("adapter %s: close failed: %v", w.Adapter, w.Err)
}
