package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrThreadBusy is returned when a thread already has a call in flight
	// and the runtime is configured to reject concurrent calls.
	ErrThreadBusy = errors.New("thread is busy")
	// ErrNoPendingInterrupt is returned by Resume when nothing awaits a decision.
	ErrNoPendingInterrupt = errors.New("no pending interrupt")
	// ErrDecisionCount is returned when the number of decisions differs from
	// the number of pending action requests.
	ErrDecisionCount = errors.New("decision count does not match pending actions")
	// ErrDecisionNotAllowed is returned for a decision type the action's
	// review config does not permit, or an edit without arguments.
	ErrDecisionNotAllowed = errors.New("decision not allowed")
	// ErrInterruptPending is returned by Invoke on a thread awaiting a decision.
	ErrInterruptPending = errors.New("thread has a pending interrupt")
	// ErrStreamClosed is returned when the stream consumer went away.
	ErrStreamClosed = errors.New("stream closed")
)

// ValidationError reports tool arguments that do not match the tool schema.
// It is scoped to one tool call and surfaces as an error tool result.
type ValidationError struct {
	Tool   string
	CallID string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %s: %v", e.Tool, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ToolExecutionFault reports a handler that returned an error, panicked or
// timed out. It surfaces as an error tool result.
type ToolExecutionFault struct {
	Tool   string
	CallID string
	Err    error
	Panic  bool
}

func (e *ToolExecutionFault) Error() string {
	if e.Panic {
		return fmt.Sprintf("tool %s panicked: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionFault) Unwrap() error { return e.Err }

// ModelBackendError reports a model call that failed after retries. The
// thread's conversation is left as it was before the call.
type ModelBackendError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *ModelBackendError) Error() string {
	return fmt.Sprintf("model %s failed after %d attempt(s): %v", e.Model, e.Attempts, e.Err)
}

func (e *ModelBackendError) Unwrap() error { return e.Err }

// InterruptProtocolError reports a resume that does not fit the pending
// interrupt. The checkpoint is left intact so a corrected call can succeed.
type InterruptProtocolError struct {
	ThreadID    string
	InterruptID string
	Reason      error
	Detail      string
}

func (e *InterruptProtocolError) Error() string {
	msg := fmt.Sprintf("interrupt protocol error on thread %s: %v", e.ThreadID, e.Reason)
	if e.InterruptID != "" {
		msg = fmt.Sprintf("interrupt protocol error on thread %s (interrupt %s): %v", e.ThreadID, e.InterruptID, e.Reason)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *InterruptProtocolError) Unwrap() error { return e.Reason }

// UsageIngestError reports a usage record whose counters do not add up.
type UsageIngestError struct {
	Model  string
	Input  int
	Output int
	Total  int
}

func (e *UsageIngestError) Error() string {
	return fmt.Sprintf("inconsistent usage for model %s: %d + %d != %d", e.Model, e.Input, e.Output, e.Total)
}

// HookError reports a hook that failed. It aborts the turn.
type HookError struct {
	Hook  string
	Phase Phase
	Err   error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s (%s) failed: %v", e.Hook, e.Phase, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }
