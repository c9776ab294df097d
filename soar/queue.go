package soar

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orthrus/core"
	"orthrus/metrics"
)

// PlaybookProvider loads playbook definitions for enqueue and dispatch.
// The storage layer implements it.
type PlaybookProvider interface {
	GetPlaybook(ctx context.Context, id string) (*Playbook, error)
	GetPlaybookVersion(ctx context.Context, id string, version int) (*Playbook, error)
}

// QueueStore is the persistence behind the queue: every accepted job has
// a durable execution row before Enqueue returns, so a crash between
// enqueue and dispatch loses nothing.
type QueueStore interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	CancelExecution(ctx context.Context, executionID string, at time.Time) error
	ListQueuedExecutions(ctx context.Context) ([]*Execution, error)
}

// EnqueueRequest asks for one execution of a playbook.
type EnqueueRequest struct {
	PlaybookID string
	Trigger    core.TriggerEvent
	// PriorityOverride replaces the playbook's own priority when set.
	// Manual runs use it; trigger-driven enqueues leave it nil.
	PriorityOverride *int
}

// queueItem orders jobs by priority (higher first) then enqueue
// sequence (FIFO within a priority band).
type queueItem struct {
	job      *Job
	priority int
	seq      uint64
	index    int
}

type jobHeap []*queueItem

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is the in-memory priority queue over durable execution rows.
// Dequeue respects the per-org concurrency limiter: a high-priority job
// for a saturated org never blocks lower-priority jobs for other orgs.
type Queue struct {
	playbooks PlaybookProvider
	store     QueueStore
	limiter   ConcurrencyLimiter
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	heap   jobHeap
	byExec map[string]*queueItem
	seq    uint64
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewQueue builds a queue. The limiter must not be nil; use a
// MemoryLimiter with limit 0 for unlimited.
func NewQueue(playbooks PlaybookProvider, store QueueStore, limiter ConcurrencyLimiter, logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue{
		playbooks: playbooks,
		store:     store,
		limiter:   limiter,
		logger:    logger,
		byExec:    make(map[string]*queueItem),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Enqueue validates the target playbook, persists a queued execution
// pinned to the playbook's current version, and makes it dispatchable.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	pb, err := q.playbooks.GetPlaybook(ctx, req.PlaybookID)
	if err != nil {
		metrics.EnqueueRejections.WithLabelValues("playbook_not_found").Inc()
		return nil, fmt.Errorf("load playbook %q: %w", req.PlaybookID, err)
	}
	if !pb.Enabled {
		metrics.EnqueueRejections.WithLabelValues("playbook_disabled").Inc()
		return nil, fmt.Errorf("playbook %q: %w", req.PlaybookID, ErrPlaybookDisabled)
	}

	priority := pb.Priority
	if req.PriorityOverride != nil {
		priority = *req.PriorityOverride
	}

	now := time.Now().UTC()
	exec := &Execution{
		ID:              uuid.NewString(),
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		OrganizationID:  pb.OrganizationID,
		Status:          ExecutionStatusQueued,
		TriggeredBy:     req.Trigger.TriggeredBy,
		TriggerType:     req.Trigger.Type,
		Priority:        priority,
		Context: map[string]interface{}{
			ContextKeyTrigger: req.Trigger.Payload,
		},
		EnqueuedAt: now,
	}
	if err := q.store.CreateExecution(ctx, exec); err != nil {
		metrics.EnqueueRejections.WithLabelValues("storage_error").Inc()
		return nil, fmt.Errorf("persist queued execution: %w", err)
	}

	job := &Job{
		ID:              uuid.NewString(),
		ExecutionID:     exec.ID,
		PlaybookID:      pb.ID,
		PlaybookVersion: pb.Version,
		OrganizationID:  pb.OrganizationID,
		Priority:        priority,
		Trigger:         req.Trigger,
		EnqueuedAt:      now,
	}
	if err := q.add(job); err != nil {
		return nil, err
	}

	q.logger.Debugw("Enqueued playbook execution",
		"execution_id", exec.ID,
		"playbook_id", pb.ID,
		"playbook_version", pb.Version,
		"organization_id", pb.OrganizationID,
		"priority", priority)
	return job, nil
}

func (q *Queue) add(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.seq++
	item := &queueItem{job: job, priority: job.Priority, seq: q.seq}
	heap.Push(&q.heap, item)
	q.byExec[job.ExecutionID] = item
	metrics.QueueDepth.Set(float64(len(q.heap)))
	q.wakeOne()
	return nil
}

// DequeueNext blocks until it can hand out the highest-priority job
// whose organization has a free concurrency slot, acquiring that slot.
// The caller must call Release when the execution reaches a terminal
// state. Returns ErrQueueClosed after Close drains.
func (q *Queue) DequeueNext(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		if q.closed && len(q.heap) == 0 {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		candidates := make([]*Job, 0, len(q.heap))
		popped := make([]*queueItem, 0, len(q.heap))
		for len(q.heap) > 0 {
			item := heap.Pop(&q.heap).(*queueItem)
			popped = append(popped, item)
			candidates = append(candidates, item.job)
		}
		for _, item := range popped {
			heap.Push(&q.heap, item)
		}
		q.mu.Unlock()

		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()

		for _, job := range candidates {
			ok, err := q.limiter.TryAcquire(ctx, job.OrganizationID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if q.take(job.ExecutionID) {
				return job, nil
			}
			// Cancelled or claimed by another worker between the scan
			// and the take; give the slot back and keep scanning.
			if rerr := q.limiter.Release(ctx, job.OrganizationID); rerr != nil {
				q.logger.Warnw("Failed to release concurrency slot", "organization_id", job.OrganizationID, "error", rerr)
			}
		}

		if closed {
			// Remaining jobs are blocked on their org's limiter; their
			// rows stay queued and are recovered on the next start.
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
		case <-q.wake:
		}
	}
}

func (q *Queue) take(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byExec[executionID]
	if !ok || item.index < 0 {
		return false
	}
	heap.Remove(&q.heap, item.index)
	delete(q.byExec, executionID)
	metrics.QueueDepth.Set(float64(len(q.heap)))
	return true
}

// Release returns the org's concurrency slot after an execution reaches
// a terminal state and wakes waiting dispatch workers.
func (q *Queue) Release(ctx context.Context, job *Job) {
	if err := q.limiter.Release(ctx, job.OrganizationID); err != nil {
		q.logger.Warnw("Failed to release concurrency slot",
			"organization_id", job.OrganizationID, "error", err)
	}
	q.wakeOne()
}

// Cancel removes a still-queued execution and marks it cancelled in
// storage. Returns false when the execution is no longer queued (it may
// be running; the caller then falls through to the executor's Cancel).
func (q *Queue) Cancel(ctx context.Context, executionID string) (bool, error) {
	if !q.take(executionID) {
		return false, nil
	}
	if err := q.store.CancelExecution(ctx, executionID, time.Now().UTC()); err != nil {
		return true, fmt.Errorf("mark execution cancelled: %w", err)
	}
	metrics.ExecutionsTotal.WithLabelValues("", string(ExecutionStatusCancelled)).Inc()
	q.wakeOne()
	return true, nil
}

// Recover reloads queued executions from storage after a restart. The
// execution rows are the source of truth; the in-memory heap is rebuilt
// from them.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	execs, err := q.store.ListQueuedExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued executions: %w", err)
	}
	recovered := 0
	for _, exec := range execs {
		trigger := core.TriggerEvent{
			Type:           exec.TriggerType,
			OrganizationID: exec.OrganizationID,
			TriggeredBy:    exec.TriggeredBy,
		}
		if payload, ok := exec.Context[ContextKeyTrigger].(map[string]interface{}); ok {
			trigger.Payload = payload
		}
		job := &Job{
			ID:              uuid.NewString(),
			ExecutionID:     exec.ID,
			PlaybookID:      exec.PlaybookID,
			PlaybookVersion: exec.PlaybookVersion,
			OrganizationID:  exec.OrganizationID,
			Priority:        exec.Priority,
			Trigger:         trigger,
			EnqueuedAt:      exec.EnqueuedAt,
		}
		if err := q.add(job); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Infow("Recovered queued executions from storage", "count", recovered)
	}
	return recovered, nil
}

// Stats returns queue depth and per-org running counts.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	running, err := q.limiter.Running(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, n := range running {
		total += n
	}
	q.mu.Lock()
	queued := len(q.heap)
	q.mu.Unlock()
	return &QueueStats{
		Queued:        queued,
		Running:       total,
		RunningPerOrg: running,
	}, nil
}

// Close stops accepting new jobs. Jobs already queued remain
// dequeueable so the dispatcher can drain.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) wakeOne() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
