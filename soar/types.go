package soar

import (
	"time"

	"orthrus/core"
)

// StepType identifies the execution behavior of a playbook step.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeFork      StepType = "fork"
)

// IsValid checks if the step type is one of the supported kinds.
func (t StepType) IsValid() bool {
	switch t {
	case StepTypeAction, StepTypeCondition, StepTypeFork:
		return true
	}
	return false
}

// OnErrorPolicy controls what the executor does when a step fails
// after its retries are exhausted.
type OnErrorPolicy string

const (
	OnErrorAbort    OnErrorPolicy = "abort"
	OnErrorContinue OnErrorPolicy = "continue"
	OnErrorRollback OnErrorPolicy = "rollback"
)

// IsValid checks if the policy is one of the supported values.
func (p OnErrorPolicy) IsValid() bool {
	switch p {
	case OnErrorAbort, OnErrorContinue, OnErrorRollback:
		return true
	}
	return false
}

// ExecutionStatus represents the lifecycle state of a playbook execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the per-step outcome within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// RetryPolicy configures automatic retries for transient step failures.
type RetryPolicy struct {
	MaxRetries        int           `json:"max_retries"`
	InitialDelay      time.Duration `json:"initial_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// DefaultRetryPolicy returns the engine-wide retry defaults applied to
// steps that do not declare their own policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      1 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Compensation declares the undo action invoked for a completed step
// when an execution rolls back.
type Compensation struct {
	ActionID string                 `json:"action_id"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Step is a single node in a playbook's step graph.
type Step struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name,omitempty"`
	Type         StepType               `json:"type"`
	ActionID     string                 `json:"action_id,omitempty"`
	Params       map[string]interface{} `json:"params,omitempty"`
	Condition    string                 `json:"condition,omitempty"`
	Next         []string               `json:"next,omitempty"`
	Else         []string               `json:"else,omitempty"`
	OnError      OnErrorPolicy          `json:"on_error,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
	Retry        *RetryPolicy           `json:"retry,omitempty"`
	Compensation *Compensation          `json:"compensation,omitempty"`
}

// Trigger describes the events a playbook binds to. Filter matches
// exact values (string or list of strings) against payload paths; Where
// holds an optional condition expression evaluated against the payload.
// Schedule carries a cron expression for scheduled triggers.
type Trigger struct {
	Type     core.TriggerType       `json:"type"`
	Filter   map[string]interface{} `json:"filter,omitempty"`
	Where    string                 `json:"where,omitempty"`
	Schedule string                 `json:"schedule,omitempty"`
}

// Playbook is a versioned, org-scoped automation definition.
type Playbook struct {
	ID             string        `json:"id"`
	Version        int           `json:"version"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	OrganizationID string        `json:"organization_id"`
	Enabled        bool          `json:"enabled"`
	Priority       int           `json:"priority"`
	Trigger        Trigger       `json:"trigger"`
	Steps          []Step        `json:"steps"`
	OnError        OnErrorPolicy `json:"on_error"`
	Tags           []string      `json:"tags,omitempty"`
	CreatedBy      string        `json:"created_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ContextKeyTrigger is the execution context key holding the trigger payload.
const ContextKeyTrigger = "trigger"

// ContextKeySteps is the execution context key under which step outputs
// accumulate, keyed by step id.
const ContextKeySteps = "steps"

// Execution is a single run of a pinned playbook version.
type Execution struct {
	ID              string                 `json:"id"`
	PlaybookID      string                 `json:"playbook_id"`
	PlaybookVersion int                    `json:"playbook_version"`
	OrganizationID  string                 `json:"organization_id"`
	Status          ExecutionStatus        `json:"status"`
	TriggeredBy     string                 `json:"triggered_by"`
	TriggerType     core.TriggerType       `json:"trigger_type"`
	Priority        int                    `json:"priority"`
	Context         map[string]interface{} `json:"context,omitempty"`
	Error           string                 `json:"error,omitempty"`
	StepsTotal      int                    `json:"steps_total"`
	StepsCompleted  int                    `json:"steps_completed"`
	StepsSkipped    int                    `json:"steps_skipped"`
	EnqueuedAt      time.Time              `json:"enqueued_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	StepRuns        []StepRun              `json:"step_runs,omitempty"`
}

// StepRun records the outcome of one step within an execution,
// including each retry attempt's terminal classification.
type StepRun struct {
	ExecutionID string                 `json:"execution_id"`
	StepID      string                 `json:"step_id"`
	ActionID    string                 `json:"action_id,omitempty"`
	Status      StepStatus             `json:"status"`
	Attempts    int                    `json:"attempts"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   ErrorKind              `json:"error_kind,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	DurationMS  int64                  `json:"duration_ms"`
}

// ExecutionContext is the read-only view of an execution handed to
// actions at invocation time.
type ExecutionContext struct {
	ExecutionID    string
	PlaybookID     string
	OrganizationID string
	TriggeredBy    string
	Context        map[string]interface{}
}

// Job is a queued unit of work: one pending execution awaiting dispatch.
type Job struct {
	ID              string            `json:"id"`
	ExecutionID     string            `json:"execution_id"`
	PlaybookID      string            `json:"playbook_id"`
	PlaybookVersion int               `json:"playbook_version"`
	OrganizationID  string            `json:"organization_id"`
	Priority        int               `json:"priority"`
	Trigger         core.TriggerEvent `json:"trigger"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
}

// QueueStats is a point-in-time snapshot of queue and limiter state.
type QueueStats struct {
	Queued        int            `json:"queued"`
	Running       int            `json:"running"`
	RunningPerOrg map[string]int `json:"running_per_org"`
}
