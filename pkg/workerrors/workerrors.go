// Package workerrors defines the closed error taxonomy the worker loop and
// self-heal controller classify failures against. Concrete stage/runtime
// errors are wrapped into one of these at each boundary rather than
// propagated as opaque errors.
package workerrors

import "fmt"

// QueueClientError reports an HTTP/transport failure against the queue API.
type QueueClientError struct {
	Path string
	Err  error
}

func (e *QueueClientError) Error() string {
	return fmt.Sprintf("queue client error on %s: %v", e.Path, e.Err)
}

func (e *QueueClientError) Unwrap() error { return e.Err }

// TaskContractError reports an invalid or unsupported job payload. Always
// terminal with retryable=false.
type TaskContractError struct {
	Message string
}

func (e *TaskContractError) Error() string { return e.Message }

// PolicyError reports a capability/runtime/skill mismatch. Always terminal
// with retryable=false.
type PolicyError struct {
	Message string
}

func (e *PolicyError) Error() string { return e.Message }

// CommandFailedError reports a subprocess non-zero exit, classified by the
// self-heal controller.
type CommandFailedError struct {
	Command    []string
	ReturnCode int
	LastLine   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("command %v failed with exit code %d: %s", e.Command, e.ReturnCode, e.LastLine)
}

// CommandCancelledError reports a subprocess killed by the shared cancel
// signal. Triggers the ackCancel path, never fail.
type CommandCancelledError struct{}

func (e *CommandCancelledError) Error() string { return "command cancelled" }

// StepTimeoutExceededError reports a wall-clock breach.
type StepTimeoutExceededError struct{}

func (e *StepTimeoutExceededError) Error() string { return "step wall timeout exceeded" }

// StepIdleTimeoutExceededError reports an idle-output breach.
type StepIdleTimeoutExceededError struct{}

func (e *StepIdleTimeoutExceededError) Error() string { return "step idle timeout exceeded" }

// WorkspaceReplayError reports a failed hard-reset replay. Always terminal
// with retryable=false.
type WorkspaceReplayError struct {
	Message string
}

func (e *WorkspaceReplayError) Error() string { return e.Message }

// AttemptBudgetExceededError reports a step attempt budget exhaustion.
type AttemptBudgetExceededError struct {
	StepID      string
	MaxAttempts int
}

func (e *AttemptBudgetExceededError) Error() string {
	return fmt.Sprintf("step %s exceeded max attempts (%d)", e.StepID, e.MaxAttempts)
}

// HardResetBudgetExceededError reports a job-level hard-reset budget
// exhaustion.
type HardResetBudgetExceededError struct {
	MaxResets int
}

func (e *HardResetBudgetExceededError) Error() string {
	return fmt.Sprintf("hard reset budget exceeded (max %d)", e.MaxResets)
}

// SecretReferenceError reports a malformed/unresolvable secret reference.
// Mirrors vaultref.ReferenceError so callers in this package's consumers
// need only import one error family at the worker-loop boundary.
type SecretReferenceError struct {
	Message string
}

func (e *SecretReferenceError) Error() string { return e.Message }

// Retryable reports whether err should be surfaced to the server as
// retryable=true. Only StepTimeoutExceededError/StepIdleTimeoutExceededError
// default to retryable; everything else in the taxonomy is not, consistent
// with the worker loop always calling fail(retryable=false) except where
// the self-heal controller explicitly selects QUEUE_RETRY.
func Retryable(err error) bool {
	switch err.(type) {
	case *StepTimeoutExceededError, *StepIdleTimeoutExceededError:
		return true
	default:
		return false
	}
}
