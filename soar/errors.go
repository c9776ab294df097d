package soar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrActionNotFound is returned when a step references an action id
	// that no registered action provides.
	ErrActionNotFound = errors.New("action not found")

	// ErrPlaybookDisabled is returned when an enqueue targets a disabled playbook.
	ErrPlaybookDisabled = errors.New("playbook is disabled")

	// ErrExecutionNotFound is returned when an execution id does not exist.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrExecutionNotCancellable is returned when a cancel request targets
	// an execution already in a terminal state.
	ErrExecutionNotCancellable = errors.New("execution is not cancellable")

	// ErrQueueClosed is returned by queue operations after shutdown.
	ErrQueueClosed = errors.New("job queue is closed")

	// ErrDestructiveActionsDisabled is returned when a destructive action
	// runs while the deployment has them switched off.
	ErrDestructiveActionsDisabled = errors.New("destructive actions are disabled")
)

// ErrorKind classifies a step failure for retry decisions and reporting.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindTransient      ErrorKind = "transient"
	ErrorKindPermanent      ErrorKind = "permanent"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindSchema         ErrorKind = "schema"
	ErrorKindActionNotFound ErrorKind = "action_not_found"
	ErrorKindCancelled      ErrorKind = "cancelled"
	ErrorKindCompensation   ErrorKind = "compensation"
)

// ValidationError reports a structural problem in a playbook definition.
// StepID is empty for playbook-level problems.
type ValidationError struct {
	StepID string
	Field  string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("playbook validation failed: step %q: %s: %s", e.StepID, e.Field, e.Msg)
	}
	return fmt.Sprintf("playbook validation failed: %s: %s", e.Field, e.Msg)
}

// ValidationErrors aggregates every problem found in a single validation
// pass so callers can report them all at once.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.Error())
	}
	return fmt.Sprintf("playbook validation failed with %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// SchemaError reports action input that failed JSON Schema validation
// after template resolution.
type SchemaError struct {
	ActionID string
	Causes   []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("input for action %q failed schema validation: %s", e.ActionID, strings.Join(e.Causes, "; "))
}

// TimeoutError reports a step attempt that exceeded its timeout.
// Timeouts are retryable.
type TimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q timed out after %s", e.StepID, e.Timeout)
}

// TransientError marks an action failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err so the step runner retries it.
func NewTransientError(format string, args ...interface{}) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// PermanentError marks an action failure as not retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err so the step runner fails fast without retrying.
func NewPermanentError(format string, args ...interface{}) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// HTTPStatusError carries an upstream HTTP status so classification can
// distinguish 5xx/429 (transient) from other 4xx (permanent).
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.StatusCode)
}

// CompensationError reports a failed compensation during rollback. The
// original step failure that triggered the rollback is preserved.
type CompensationError struct {
	StepID   string
	ActionID string
	Original error
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation %q for step %q failed: %v (rollback triggered by: %v)", e.ActionID, e.StepID, e.Err, e.Original)
}

func (e *CompensationError) Unwrap() error { return e.Err }
