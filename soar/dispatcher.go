package soar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orthrus/core"
	"orthrus/util/goroutine"
)

// Dispatcher pumps jobs from the queue into a worker pool and runs each
// through the executor. One dispatcher per process; the Redis limiter
// makes multiple processes safe.
type Dispatcher struct {
	queue     *Queue
	pool      *core.WorkerPool
	executor  *Executor
	playbooks PlaybookProvider
	logger    *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher over an already-started worker pool.
func NewDispatcher(queue *Queue, pool *core.WorkerPool, executor *Executor, playbooks PlaybookProvider, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{
		queue:     queue,
		pool:      pool,
		executor:  executor,
		playbooks: playbooks,
		logger:    logger,
	}
}

// Start recovers queued executions from storage and begins dispatching.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.queue.Recover(ctx); err != nil {
		return fmt.Errorf("recover queue: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.pump(pumpCtx)
	return nil
}

// Stop halts dispatching. Executions already handed to the pool finish
// (or are cancelled by the pool's own shutdown).
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) pump(ctx context.Context) {
	defer d.wg.Done()
	defer goroutine.Recover("soar-dispatcher", d.logger)

	for {
		job, err := d.queue.DequeueNext(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Errorw("Dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for {
			err := d.pool.SubmitWithTimeout(func() { d.run(ctx, job) }, 5*time.Second)
			if err == nil {
				break
			}
			if errors.Is(err, core.ErrWorkerPoolNotRunning) || ctx.Err() != nil {
				// Slot was acquired at dequeue; give it back so the row
				// is not stranded behind a phantom running count.
				d.queue.Release(context.Background(), job)
				return
			}
			d.logger.Warnw("Worker pool saturated, retrying submit",
				"execution_id", job.ExecutionID, "error", err)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, job *Job) {
	defer d.queue.Release(context.Background(), job)

	pb, err := d.playbooks.GetPlaybookVersion(ctx, job.PlaybookID, job.PlaybookVersion)
	if err != nil {
		d.logger.Errorw("Cannot load pinned playbook version for dispatch",
			"execution_id", job.ExecutionID,
			"playbook_id", job.PlaybookID,
			"playbook_version", job.PlaybookVersion,
			"error", err)
		exec := d.executionFromJob(job)
		if ferr := d.executor.finishInvalid(ctx, exec, err); ferr != nil {
			d.logger.Errorw("Failed to record dispatch failure", "execution_id", job.ExecutionID, "error", ferr)
		}
		return
	}

	exec := d.executionFromJob(job)
	if err := d.executor.Execute(ctx, pb, exec); err != nil {
		d.logger.Errorw("Execution ended with engine error",
			"execution_id", job.ExecutionID,
			"playbook_id", job.PlaybookID,
			"error", err)
	}
}

func (d *Dispatcher) executionFromJob(job *Job) *Execution {
	return &Execution{
		ID:              job.ExecutionID,
		PlaybookID:      job.PlaybookID,
		PlaybookVersion: job.PlaybookVersion,
		OrganizationID:  job.OrganizationID,
		Status:          ExecutionStatusQueued,
		TriggeredBy:     job.Trigger.TriggeredBy,
		TriggerType:     job.Trigger.Type,
		Priority:        job.Priority,
		Context: map[string]interface{}{
			ContextKeyTrigger: job.Trigger.Payload,
		},
		EnqueuedAt: job.EnqueuedAt,
	}
}
