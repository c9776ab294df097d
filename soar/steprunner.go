package soar

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orthrus/core"
	"orthrus/metrics"
)

// StepRunner executes a single action step: it resolves the step's
// params against the execution context, validates them against the
// action's input schema, invokes the action under a per-attempt
// timeout, and retries transient failures per the effective policy.
type StepRunner struct {
	registry       *Registry
	templates      *TemplateResolver
	defaults       RetryPolicy
	defaultTimeout time.Duration
	logger         *zap.SugaredLogger
}

// NewStepRunner builds a runner. Zero defaults fall back to the engine-wide
// retry policy and step timeout.
func NewStepRunner(registry *Registry, templates *TemplateResolver, defaults RetryPolicy, defaultTimeout time.Duration, logger *zap.SugaredLogger) *StepRunner {
	if defaults.MaxRetries == 0 && defaults.InitialDelay == 0 {
		defaults = DefaultRetryPolicy()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = core.DefaultStepTimeout
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &StepRunner{
		registry:       registry,
		templates:      templates,
		defaults:       defaults,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Run executes one action step and returns its record. The returned
// StepRun always has a terminal status; engine-level problems (unknown
// action, schema failure) surface as failed runs, not Go errors, so the
// executor applies on-error policy uniformly.
func (r *StepRunner) Run(ctx context.Context, step *Step, ec *ExecutionContext) *StepRun {
	started := time.Now().UTC()
	run := &StepRun{
		ExecutionID: ec.ExecutionID,
		StepID:      step.ID,
		ActionID:    step.ActionID,
		Status:      StepStatusRunning,
		StartedAt:   &started,
	}

	action, err := r.registry.Get(step.ActionID)
	if err != nil {
		return r.fail(run, err)
	}

	input := r.templates.ResolveParams(step.Params, ec.Context)
	if err := r.registry.ValidateInput(step.ActionID, input); err != nil {
		return r.fail(run, err)
	}

	policy := r.defaults
	if step.Retry != nil {
		policy = *step.Retry
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = action.DefaultTimeout()
	}
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	var lastErr error
	var lastKind ErrorKind
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		run.Attempts = attempt

		output, err := r.invoke(ctx, action, step, input, ec, timeout)
		if err == nil {
			metrics.ActionInvocations.WithLabelValues(step.ActionID, "success").Inc()
			completed := time.Now().UTC()
			run.Status = StepStatusCompleted
			run.Output = output
			run.CompletedAt = &completed
			run.DurationMS = completed.Sub(started).Milliseconds()
			return run
		}

		lastErr = err
		lastKind = ClassifyError(err)
		metrics.ActionInvocations.WithLabelValues(step.ActionID, string(lastKind)).Inc()

		if lastKind == ErrorKindCancelled || !IsRetryable(lastKind) || attempt > policy.MaxRetries {
			break
		}

		delay := backoffDelay(policy, attempt)
		r.logger.Warnw("Step attempt failed, retrying",
			"execution_id", ec.ExecutionID,
			"step_id", step.ID,
			"action", step.ActionID,
			"attempt", attempt,
			"error_kind", lastKind,
			"retry_in", delay,
			"error", err)
		metrics.StepRetries.WithLabelValues(step.ActionID, string(lastKind)).Inc()
		if err := sleepCtx(ctx, delay); err != nil {
			lastErr = err
			lastKind = ErrorKindCancelled
			break
		}
	}

	return r.failKind(run, lastErr, lastKind)
}

// RunCompensation invokes a step's compensation action once, with no
// retries. Rollback is best effort; a failing compensation is reported,
// not retried.
func (r *StepRunner) RunCompensation(ctx context.Context, step *Step, ec *ExecutionContext, original error) error {
	comp := step.Compensation
	action, err := r.registry.Get(comp.ActionID)
	if err != nil {
		return &CompensationError{StepID: step.ID, ActionID: comp.ActionID, Original: original, Err: err}
	}

	input := r.templates.ResolveParams(comp.Params, ec.Context)
	if err := r.registry.ValidateInput(comp.ActionID, input); err != nil {
		return &CompensationError{StepID: step.ID, ActionID: comp.ActionID, Original: original, Err: err}
	}

	timeout := action.DefaultTimeout()
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	if _, err := r.invoke(ctx, action, step, input, ec, timeout); err != nil {
		metrics.ActionInvocations.WithLabelValues(comp.ActionID, string(ClassifyError(err))).Inc()
		return &CompensationError{StepID: step.ID, ActionID: comp.ActionID, Original: original, Err: err}
	}
	metrics.ActionInvocations.WithLabelValues(comp.ActionID, "success").Inc()
	return nil
}

func (r *StepRunner) invoke(ctx context.Context, action Action, step *Step, input map[string]interface{}, ec *ExecutionContext, timeout time.Duration) (map[string]interface{}, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: NewPermanentError("action %q panicked: %v", action.ID(), rec)}
			}
		}()
		out, err := action.Execute(attemptCtx, input, ec)
		done <- result{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("step %q: %w", step.ID, ctx.Err())
		}
		return nil, &TimeoutError{StepID: step.ID, Timeout: timeout}
	}
}

func (r *StepRunner) fail(run *StepRun, err error) *StepRun {
	return r.failKind(run, err, ClassifyError(err))
}

func (r *StepRunner) failKind(run *StepRun, err error, kind ErrorKind) *StepRun {
	completed := time.Now().UTC()
	run.Status = StepStatusFailed
	run.Error = err.Error()
	run.ErrorKind = kind
	run.CompletedAt = &completed
	if run.StartedAt != nil {
		run.DurationMS = completed.Sub(*run.StartedAt).Milliseconds()
	}
	return run
}
