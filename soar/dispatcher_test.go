package soar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthrus/core"
)

func (s *memExecStore) finishedSnapshot() []*Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Execution(nil), s.finished...)
}

func waitForFinished(t *testing.T, store *memExecStore, want int) []*Execution {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		finished := store.finishedSnapshot()
		if len(finished) >= want {
			return finished
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d finished executions, got %d", want, len(finished))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dispatcherFixture(t *testing.T, pbs ...*Playbook) (*Dispatcher, *Queue, *memPlaybooks, *memQueueStore, *memExecStore) {
	t.Helper()

	playbooks := newMemPlaybooks(pbs...)
	queueStore := newMemQueueStore()
	queue := NewQueue(playbooks, queueStore, NewMemoryLimiter(0, nil), nil)

	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(&MockAction{id: "noop"}))
	execStore := &memExecStore{}
	executor := testExecutor(t, registry, execStore, NoopAuditSink{})

	pool := core.NewWorkerPool(context.Background(), 2, 8, "dispatch-test", nil)
	require.NoError(t, pool.Start())
	t.Cleanup(pool.Stop)

	return NewDispatcher(queue, pool, executor, playbooks, nil), queue, playbooks, queueStore, execStore
}

func TestDispatcherRunsEnqueuedJobs(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	dispatcher, queue, _, _, execStore := dispatcherFixture(t, pb)

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()
	defer queue.Close()

	job, err := queue.Enqueue(context.Background(), EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	finished := waitForFinished(t, execStore, 1)
	assert.Equal(t, job.ExecutionID, finished[0].ID)
	assert.Equal(t, ExecutionStatusCompleted, finished[0].Status)
	assert.Equal(t, 1, finished[0].StepsCompleted)
}

func TestDispatcherRecoversQueuedExecutions(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	dispatcher, queue, _, queueStore, execStore := dispatcherFixture(t, pb)

	queueStore.queued = []*Execution{{
		ID:              "exec-recovered",
		PlaybookID:      "pb-1",
		PlaybookVersion: 1,
		OrganizationID:  "org-1",
		Status:          ExecutionStatusQueued,
		TriggeredBy:     "webhook",
		TriggerType:     core.TriggerAlert,
		Priority:        5,
		Context: map[string]interface{}{
			ContextKeyTrigger: map[string]interface{}{"alert_id": "a-1"},
		},
		EnqueuedAt: time.Now().UTC().Add(-time.Minute),
	}}

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()
	defer queue.Close()

	finished := waitForFinished(t, execStore, 1)
	assert.Equal(t, "exec-recovered", finished[0].ID)
	assert.Equal(t, ExecutionStatusCompleted, finished[0].Status)
}

func TestDispatcherFailsExecutionWhenPlaybookGone(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	dispatcher, queue, playbooks, _, execStore := dispatcherFixture(t, pb)

	job, err := queue.Enqueue(context.Background(), EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	// The playbook disappears between enqueue and dispatch.
	playbooks.mu.Lock()
	delete(playbooks.playbooks, "pb-1")
	playbooks.mu.Unlock()

	require.NoError(t, dispatcher.Start(context.Background()))
	defer dispatcher.Stop()
	defer queue.Close()

	finished := waitForFinished(t, execStore, 1)
	assert.Equal(t, job.ExecutionID, finished[0].ID)
	assert.Equal(t, ExecutionStatusFailed, finished[0].Status)
	assert.Contains(t, finished[0].Error, "not found")
}
