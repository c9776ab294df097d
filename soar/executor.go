package soar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"orthrus/metrics"
)

// ExecutionStore is the persistence the executor needs while a run is
// in flight. The storage layer implements it.
type ExecutionStore interface {
	MarkExecutionStarted(ctx context.Context, executionID string, startedAt time.Time) error
	SaveStepRun(ctx context.Context, run *StepRun) error
	FinishExecution(ctx context.Context, exec *Execution) error
}

// Executor walks a compiled playbook graph for one execution at a time.
// It owns per-execution cancellation; the dispatcher owns concurrency
// across executions.
type Executor struct {
	runner  *StepRunner
	graphs  *GraphCache
	store   ExecutionStore
	audit   AuditSink
	logger  *zap.SugaredLogger
	onError OnErrorPolicy

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewExecutor builds an executor. defaultOnError applies when neither
// the step nor the playbook declares a policy; empty means abort.
func NewExecutor(runner *StepRunner, graphs *GraphCache, store ExecutionStore, audit AuditSink, defaultOnError OnErrorPolicy, logger *zap.SugaredLogger) *Executor {
	if audit == nil {
		audit = NoopAuditSink{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if defaultOnError == "" {
		defaultOnError = OnErrorAbort
	}
	return &Executor{
		runner:  runner,
		graphs:  graphs,
		store:   store,
		audit:   audit,
		logger:  logger,
		onError: defaultOnError,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Cancel requests cancellation of a running execution. The execution
// stops at the next step boundary; the step in flight finishes first.
// Returns false when the execution is not currently running here.
func (e *Executor) Cancel(executionID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// runState tracks one execution's walk over the graph. Edges resolve as
// live or dead when their source step terminates; a step becomes ready
// once all its in-edges are resolved, and runs only if at least one is
// live. Dead-only steps are recorded as skipped and propagate dead edges.
type runState struct {
	g          *Graph
	status     []StepStatus
	resolvedIn []int
	liveIn     []bool
	ready      []int
	completed  []int // indices of completed steps, in completion order
	execCtx    map[string]interface{}
	stepOutput map[string]interface{}
	onError    OnErrorPolicy // playbook-level policy
	failed     int
	skipped    int
	done       int
}

// Execute runs one execution to a terminal state. The playbook must be
// the pinned version recorded on the execution. The returned error
// reports engine faults (storage failures, invalid graphs); a playbook
// that runs and fails is a nil error with exec.Status == failed.
func (e *Executor) Execute(ctx context.Context, pb *Playbook, exec *Execution) error {
	g, err := e.graphs.Get(pb)
	if err != nil {
		return e.finishInvalid(ctx, exec, err)
	}

	// Cancellation is a soft signal checked at step boundaries only.
	// Steps keep the caller's ctx, so an in-flight action still runs to
	// completion or its own timeout after Cancel.
	softCtx, softCancel := context.WithCancel(context.Background())
	defer softCancel()
	e.mu.Lock()
	e.cancels[exec.ID] = softCancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, exec.ID)
		e.mu.Unlock()
	}()

	started := time.Now().UTC()
	exec.Status = ExecutionStatusRunning
	exec.StartedAt = &started
	exec.StepsTotal = g.Total()
	if err := e.store.MarkExecutionStarted(ctx, exec.ID, started); err != nil {
		return fmt.Errorf("mark execution started: %w", err)
	}
	metrics.RunningExecutions.WithLabelValues(exec.OrganizationID).Inc()
	defer metrics.RunningExecutions.WithLabelValues(exec.OrganizationID).Dec()
	e.emit(ctx, exec, AuditExecutionStarted, "", "", nil)

	if exec.Context == nil {
		exec.Context = make(map[string]interface{})
	}
	stepOutput, _ := exec.Context[ContextKeySteps].(map[string]interface{})
	if stepOutput == nil {
		stepOutput = make(map[string]interface{})
		exec.Context[ContextKeySteps] = stepOutput
	}

	st := &runState{
		g:          g,
		status:     make([]StepStatus, g.Len()),
		resolvedIn: make([]int, g.Len()),
		liveIn:     make([]bool, g.Len()),
		execCtx:    exec.Context,
		stepOutput: stepOutput,
		onError:    pb.OnError,
	}
	for i := range st.status {
		st.status[i] = StepStatusPending
	}
	for _, i := range g.Entries() {
		st.liveIn[i] = true
		st.ready = append(st.ready, i)
	}

	ec := &ExecutionContext{
		ExecutionID:    exec.ID,
		PlaybookID:     exec.PlaybookID,
		OrganizationID: exec.OrganizationID,
		TriggeredBy:    exec.TriggeredBy,
		Context:        exec.Context,
	}

	var runErr error
	var cancelled bool

walk:
	for len(st.ready) > 0 {
		if ctx.Err() != nil || softCtx.Err() != nil {
			cancelled = true
			break walk
		}

		i := st.ready[0]
		st.ready = st.ready[1:]
		step := g.Step(i)

		if !st.liveIn[i] {
			e.recordSkipped(ctx, exec, st, i, "not on taken branch")
			e.resolveEdges(st, i, nil)
			continue
		}

		outcome := e.runStep(ctx, exec, ec, st, i)
		switch outcome.verdict {
		case verdictContinue:
			forkReady := e.resolveEdges(st, i, outcome.live)
			if step.Type == StepTypeFork && len(forkReady) > 0 {
				fail, fcancelled := e.runForkBranches(ctx, exec, ec, st, forkReady)
				if fcancelled {
					cancelled = true
					break walk
				}
				if fail != nil {
					runErr = fail.err
					if fail.policy == OnErrorRollback {
						if cerr := e.rollback(ctx, exec, st, ec, fail.err); cerr != nil {
							runErr = cerr
						}
					}
					break walk
				}
			}
		case verdictAbort:
			runErr = outcome.err
			break walk
		case verdictRollback:
			runErr = outcome.err
			if cerr := e.rollback(ctx, exec, st, ec, outcome.err); cerr != nil {
				runErr = cerr
			}
			break walk
		case verdictCancelled:
			cancelled = true
			break walk
		}
	}

	if (ctx.Err() != nil || softCtx.Err() != nil) && runErr == nil {
		cancelled = true
	}
	e.skipRemaining(ctx, exec, st)
	return e.finish(ctx, exec, st, started, runErr, cancelled)
}

type verdict int

const (
	verdictContinue verdict = iota
	verdictAbort
	verdictRollback
	verdictCancelled
)

type stepOutcome struct {
	verdict verdict
	err     error
	live    []int // successors activated by this step
	policy  OnErrorPolicy
}

// runStep executes the step at index i and decides which out-edges go
// live. It records the step run and audit events but does not resolve
// edges; the caller does, so fork branches can join first.
func (e *Executor) runStep(ctx context.Context, exec *Execution, ec *ExecutionContext, st *runState, i int) stepOutcome {
	step := st.g.Step(i)

	switch step.Type {
	case StepTypeCondition:
		return e.runConditionStep(ctx, exec, st, i)
	case StepTypeFork:
		st.status[i] = StepStatusCompleted
		st.completed = append(st.completed, i)
		st.done++
		e.recordRun(ctx, exec, &StepRun{
			ExecutionID: exec.ID,
			StepID:      step.ID,
			Status:      StepStatusCompleted,
		})
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
	}

	// Action steps may carry a guard: false skips the step but keeps
	// its successors live.
	if step.Condition != "" {
		pass, err := EvalCondition(step.Condition, st.execCtx)
		if err != nil {
			e.logger.Warnw("Step guard failed to evaluate, skipping step",
				"execution_id", exec.ID, "step_id", step.ID, "error", err)
		}
		if !pass {
			e.recordSkipped(ctx, exec, st, i, "guard evaluated false")
			return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
		}
	}

	st.status[i] = StepStatusRunning
	run := e.runner.Run(ctx, step, ec)
	e.recordRun(ctx, exec, run)

	if run.Status == StepStatusCompleted {
		st.status[i] = StepStatusCompleted
		st.completed = append(st.completed, i)
		st.done++
		if run.Output != nil {
			st.stepOutput[step.ID] = run.Output
		}
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
	}

	st.status[i] = StepStatusFailed
	st.failed++
	st.done++
	metrics.StepFailures.WithLabelValues(exec.PlaybookID, step.ID, step.ActionID).Inc()
	stepErr := fmt.Errorf("step %q failed after %d attempts: %s", step.ID, run.Attempts, run.Error)

	if run.ErrorKind == ErrorKindCancelled {
		return stepOutcome{verdict: verdictCancelled, err: stepErr}
	}
	if run.ErrorKind == ErrorKindActionNotFound {
		// Registry drift is fatal no matter what the step declares.
		return stepOutcome{verdict: verdictAbort, err: stepErr}
	}

	policy := e.effectivePolicy(st, step)
	switch policy {
	case OnErrorContinue:
		e.logger.Warnw("Step failed, continuing per policy",
			"execution_id", exec.ID, "step_id", step.ID, "error", run.Error)
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i], policy: policy}
	case OnErrorRollback:
		return stepOutcome{verdict: verdictRollback, err: stepErr, policy: policy}
	default:
		return stepOutcome{verdict: verdictAbort, err: stepErr, policy: policy}
	}
}

func (e *Executor) runConditionStep(ctx context.Context, exec *Execution, st *runState, i int) stepOutcome {
	step := st.g.Step(i)
	pass, err := EvalCondition(step.Condition, st.execCtx)
	if err != nil {
		// Fail closed: an unevaluable condition takes the false branch.
		e.logger.Warnw("Condition failed to evaluate, taking false branch",
			"execution_id", exec.ID, "step_id", step.ID,
			"condition", step.Condition, "error", err)
	}
	st.status[i] = StepStatusCompleted
	st.completed = append(st.completed, i)
	st.done++
	e.recordRun(ctx, exec, &StepRun{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Status:      StepStatusCompleted,
		Output:      map[string]interface{}{"result": pass},
	})
	st.stepOutput[step.ID] = map[string]interface{}{"result": pass}
	if pass {
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
	}
	return stepOutcome{verdict: verdictContinue, live: st.g.other[i]}
}

// resolveEdges marks step i's out-edges resolved, flagging those in
// live as activated, and returns the successors that became ready.
// Newly ready steps are also queued in index order.
func (e *Executor) resolveEdges(st *runState, i int, live []int) []int {
	isLive := make(map[int]bool, len(live))
	for _, s := range live {
		isLive[s] = true
	}
	var newlyReady []int
	resolve := func(succ int) {
		st.resolvedIn[succ]++
		if isLive[succ] {
			st.liveIn[succ] = true
		}
		if st.resolvedIn[succ] == len(st.g.preds[succ]) {
			newlyReady = append(newlyReady, succ)
		}
	}
	for _, succ := range st.g.next[i] {
		resolve(succ)
	}
	for _, succ := range st.g.other[i] {
		resolve(succ)
	}
	sort.Ints(newlyReady)
	st.ready = append(st.ready, newlyReady...)
	sort.Ints(st.ready)
	return newlyReady
}

type branchFailure struct {
	err    error
	policy OnErrorPolicy
}

// runForkBranches executes the fork's ready successors concurrently and
// joins before edge resolution. Abort and rollback policies apply only
// after every branch has reached a terminal status, so sibling branches
// are never torn down mid-step.
func (e *Executor) runForkBranches(ctx context.Context, exec *Execution, ec *ExecutionContext, st *runState, branches []int) (*branchFailure, bool) {
	// Remove the branch steps from the ready queue; they run here.
	pending := make(map[int]bool, len(branches))
	for _, b := range branches {
		pending[b] = true
	}
	remaining := st.ready[:0]
	for _, i := range st.ready {
		if !pending[i] {
			remaining = append(remaining, i)
		}
	}
	st.ready = remaining

	outcomes := make([]stepOutcome, len(branches))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for idx, i := range branches {
		wg.Add(1)
		go func(idx, i int) {
			defer wg.Done()
			mu.Lock()
			live := st.liveIn[i]
			mu.Unlock()
			if !live {
				mu.Lock()
				e.recordSkipped(ctx, exec, st, i, "not on taken branch")
				mu.Unlock()
				outcomes[idx] = stepOutcome{verdict: verdictContinue}
				return
			}
			// Branch steps mutate shared run state under the join lock;
			// the action invocation itself runs unlocked.
			outcomes[idx] = e.runForkStep(ctx, exec, ec, st, i, &mu)
		}(idx, i)
	}
	wg.Wait()

	var failure *branchFailure
	cancelled := false
	for idx, i := range branches {
		out := outcomes[idx]
		e.resolveEdges(st, i, out.live)
		switch out.verdict {
		case verdictCancelled:
			cancelled = true
		case verdictAbort, verdictRollback:
			if failure == nil {
				failure = &branchFailure{err: out.err, policy: out.policy}
			}
		}
	}
	return failure, cancelled
}

// runForkStep is runStep for a branch goroutine: state reads and writes
// take the join lock, the blocking action call does not.
func (e *Executor) runForkStep(ctx context.Context, exec *Execution, ec *ExecutionContext, st *runState, i int, mu *sync.Mutex) stepOutcome {
	step := st.g.Step(i)

	if step.Type == StepTypeCondition {
		mu.Lock()
		defer mu.Unlock()
		return e.runConditionStep(ctx, exec, st, i)
	}
	if step.Type == StepTypeFork {
		mu.Lock()
		defer mu.Unlock()
		// Nested fork directly under a fork: its branches run
		// sequentially via the main queue.
		st.status[i] = StepStatusCompleted
		st.completed = append(st.completed, i)
		st.done++
		e.recordRun(ctx, exec, &StepRun{ExecutionID: exec.ID, StepID: step.ID, Status: StepStatusCompleted})
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
	}

	if step.Condition != "" {
		mu.Lock()
		pass, err := EvalCondition(step.Condition, st.execCtx)
		if err != nil {
			e.logger.Warnw("Step guard failed to evaluate, skipping step",
				"execution_id", exec.ID, "step_id", step.ID, "error", err)
		}
		if !pass {
			e.recordSkipped(ctx, exec, st, i, "guard evaluated false")
			mu.Unlock()
			return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
		}
		st.status[i] = StepStatusRunning
		mu.Unlock()
	} else {
		mu.Lock()
		st.status[i] = StepStatusRunning
		mu.Unlock()
	}

	run := e.runner.Run(ctx, step, ec)

	mu.Lock()
	defer mu.Unlock()
	e.recordRun(ctx, exec, run)
	if run.Status == StepStatusCompleted {
		st.status[i] = StepStatusCompleted
		st.completed = append(st.completed, i)
		st.done++
		if run.Output != nil {
			st.stepOutput[step.ID] = run.Output
		}
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i]}
	}

	st.status[i] = StepStatusFailed
	st.failed++
	st.done++
	metrics.StepFailures.WithLabelValues(exec.PlaybookID, step.ID, step.ActionID).Inc()
	stepErr := fmt.Errorf("step %q failed after %d attempts: %s", step.ID, run.Attempts, run.Error)
	if run.ErrorKind == ErrorKindCancelled {
		return stepOutcome{verdict: verdictCancelled, err: stepErr}
	}
	if run.ErrorKind == ErrorKindActionNotFound {
		return stepOutcome{verdict: verdictAbort, err: stepErr}
	}
	policy := e.effectivePolicy(st, step)
	if policy == OnErrorContinue {
		return stepOutcome{verdict: verdictContinue, live: st.g.next[i], policy: policy}
	}
	v := verdictAbort
	if policy == OnErrorRollback {
		v = verdictRollback
	}
	return stepOutcome{verdict: v, err: stepErr, policy: policy}
}

// rollback invokes compensations for completed steps in reverse
// completion order. Steps without a declared compensation are skipped.
// A failing compensation does not stop the walk, so later compensations
// still run, but the first failure is returned and supersedes the step
// error that triggered the rollback.
func (e *Executor) rollback(ctx context.Context, exec *Execution, st *runState, ec *ExecutionContext, cause error) error {
	var firstErr error
	for i := len(st.completed) - 1; i >= 0; i-- {
		step := st.g.Step(st.completed[i])
		if step.Compensation == nil {
			continue
		}
		if err := e.runner.RunCompensation(ctx, step, ec, cause); err != nil {
			e.logger.Errorw("Compensation failed during rollback",
				"execution_id", exec.ID, "step_id", step.ID,
				"compensation_action", step.Compensation.ActionID, "error", err)
			e.emit(ctx, exec, AuditStepCompensated, step.ID, step.Compensation.ActionID,
				map[string]interface{}{"status": "failed", "error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		e.logger.Infow("Compensated step during rollback",
			"execution_id", exec.ID, "step_id", step.ID,
			"compensation_action", step.Compensation.ActionID)
		e.emit(ctx, exec, AuditStepCompensated, step.ID, step.Compensation.ActionID,
			map[string]interface{}{"status": "completed"})
	}
	return firstErr
}

func (e *Executor) effectivePolicy(st *runState, step *Step) OnErrorPolicy {
	if step.OnError != "" {
		return step.OnError
	}
	if st.onError != "" {
		return st.onError
	}
	return e.onError
}

func (e *Executor) recordSkipped(ctx context.Context, exec *Execution, st *runState, i int, reason string) {
	step := st.g.Step(i)
	st.status[i] = StepStatusSkipped
	st.skipped++
	e.recordRun(ctx, exec, &StepRun{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		ActionID:    step.ActionID,
		Status:      StepStatusSkipped,
		Error:       reason,
	})
}

func (e *Executor) recordRun(ctx context.Context, exec *Execution, run *StepRun) {
	exec.StepRuns = append(exec.StepRuns, *run)
	if err := e.store.SaveStepRun(ctx, run); err != nil {
		e.logger.Errorw("Failed to persist step run",
			"execution_id", exec.ID, "step_id", run.StepID, "error", err)
	}
	switch run.Status {
	case StepStatusCompleted:
		e.emit(ctx, exec, AuditStepCompleted, run.StepID, run.ActionID,
			map[string]interface{}{"attempts": run.Attempts, "duration_ms": run.DurationMS})
	case StepStatusFailed:
		e.emit(ctx, exec, AuditStepFailed, run.StepID, run.ActionID,
			map[string]interface{}{"attempts": run.Attempts, "error": run.Error, "error_kind": string(run.ErrorKind)})
	case StepStatusSkipped:
		e.emit(ctx, exec, AuditStepSkipped, run.StepID, run.ActionID,
			map[string]interface{}{"reason": run.Error})
	}
}

// skipRemaining records every still-pending step as skipped so that
// executed + skipped always accounts for the whole reachable graph.
func (e *Executor) skipRemaining(ctx context.Context, exec *Execution, st *runState) {
	for i := range st.status {
		if st.status[i] == StepStatusPending || st.status[i] == StepStatusRunning {
			e.recordSkipped(ctx, exec, st, i, "execution ended before step ran")
		}
	}
}

func (e *Executor) finish(ctx context.Context, exec *Execution, st *runState, started time.Time, runErr error, cancelled bool) error {
	completed := time.Now().UTC()
	exec.CompletedAt = &completed
	exec.StepsCompleted = st.done
	exec.StepsSkipped = st.skipped

	switch {
	case cancelled:
		exec.Status = ExecutionStatusCancelled
		if runErr != nil {
			exec.Error = runErr.Error()
		}
		e.emit(ctx, exec, AuditExecutionCancelled, "", "", nil)
	case runErr != nil:
		exec.Status = ExecutionStatusFailed
		exec.Error = runErr.Error()
		e.emit(ctx, exec, AuditExecutionFailed, "", "", map[string]interface{}{"error": exec.Error})
	default:
		exec.Status = ExecutionStatusCompleted
		e.emit(ctx, exec, AuditExecutionCompleted, "", "", map[string]interface{}{
			"steps_completed": st.done, "steps_skipped": st.skipped,
		})
	}

	metrics.ExecutionsTotal.WithLabelValues(exec.PlaybookID, string(exec.Status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(exec.PlaybookID).Observe(completed.Sub(started).Seconds())

	if err := e.store.FinishExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist finished execution: %w", err)
	}
	e.logger.Infow("Execution finished",
		"execution_id", exec.ID,
		"playbook_id", exec.PlaybookID,
		"status", exec.Status,
		"steps_completed", exec.StepsCompleted,
		"steps_skipped", exec.StepsSkipped,
		"duration", completed.Sub(started))
	return nil
}

// finishInvalid terminates an execution whose pinned playbook no longer
// compiles. This is normally caught at save time; hitting it here means
// the definition was tampered with in storage.
func (e *Executor) finishInvalid(ctx context.Context, exec *Execution, cause error) error {
	now := time.Now().UTC()
	exec.Status = ExecutionStatusFailed
	exec.Error = cause.Error()
	exec.CompletedAt = &now
	metrics.ExecutionsTotal.WithLabelValues(exec.PlaybookID, string(ExecutionStatusFailed)).Inc()
	e.emit(ctx, exec, AuditExecutionFailed, "", "", map[string]interface{}{"error": exec.Error})
	if err := e.store.FinishExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist failed execution: %w", err)
	}
	return nil
}

func (e *Executor) emit(ctx context.Context, exec *Execution, event AuditEventType, stepID, actionID string, meta map[string]interface{}) {
	e.audit.Emit(ctx, &AuditEvent{
		Event:          event,
		ExecutionID:    exec.ID,
		PlaybookID:     exec.PlaybookID,
		OrganizationID: exec.OrganizationID,
		StepID:         stepID,
		ActionID:       actionID,
		TriggeredBy:    exec.TriggeredBy,
		Timestamp:      time.Now().UTC(),
		Metadata:       RedactSecrets(meta),
	})
}
