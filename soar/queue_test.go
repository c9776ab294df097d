package soar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthrus/core"
)

// memPlaybooks is an in-memory PlaybookProvider.
type memPlaybooks struct {
	mu        sync.Mutex
	playbooks map[string]*Playbook
}

func newMemPlaybooks(pbs ...*Playbook) *memPlaybooks {
	m := &memPlaybooks{playbooks: make(map[string]*Playbook)}
	for _, pb := range pbs {
		m.playbooks[pb.ID] = pb
	}
	return m
}

func (m *memPlaybooks) GetPlaybook(_ context.Context, id string) (*Playbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pb, ok := m.playbooks[id]
	if !ok {
		return nil, errors.New("playbook not found")
	}
	return pb, nil
}

func (m *memPlaybooks) GetPlaybookVersion(_ context.Context, id string, _ int) (*Playbook, error) {
	return m.GetPlaybook(context.Background(), id)
}

// memQueueStore is an in-memory QueueStore.
type memQueueStore struct {
	mu        sync.Mutex
	created   map[string]*Execution
	cancelled []string
	queued    []*Execution
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{created: make(map[string]*Execution)}
}

func (s *memQueueStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created[exec.ID] = exec
	return nil
}

func (s *memQueueStore) CancelExecution(_ context.Context, executionID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, executionID)
	return nil
}

func (s *memQueueStore) ListQueuedExecutions(_ context.Context) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued, nil
}

func orgPlaybook(id, org string, priority int) *Playbook {
	return &Playbook{
		ID:             id,
		Version:        1,
		Name:           id,
		OrganizationID: org,
		Enabled:        true,
		Priority:       priority,
		Trigger:        Trigger{Type: core.TriggerManual},
		Steps:          []Step{{ID: "noop", Type: StepTypeAction, ActionID: "noop"}},
	}
}

func manualTrigger(org string) core.TriggerEvent {
	return core.TriggerEvent{
		Type:           core.TriggerManual,
		OrganizationID: org,
		TriggeredBy:    "test",
		Payload:        map[string]interface{}{"source": "test"},
	}
}

func TestQueuePriorityThenFIFO(t *testing.T) {
	low := orgPlaybook("pb-low", "org-1", 1)
	highA := orgPlaybook("pb-high-a", "org-1", 9)
	highB := orgPlaybook("pb-high-b", "org-1", 9)
	q := NewQueue(newMemPlaybooks(low, highA, highB), newMemQueueStore(), NewMemoryLimiter(0, nil), nil)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-low", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-high-a", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-high-b", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.DequeueNext(ctx)
		require.NoError(t, err)
		order = append(order, job.PlaybookID)
	}
	// Highest priority first; FIFO within the same priority band.
	assert.Equal(t, []string{"pb-high-a", "pb-high-b", "pb-low"}, order)
}

func TestQueuePriorityOverride(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 2)
	store := newMemQueueStore()
	q := NewQueue(newMemPlaybooks(pb), store, NewMemoryLimiter(0, nil), nil)

	override := 8
	job, err := q.Enqueue(context.Background(), EnqueueRequest{
		PlaybookID:       "pb-1",
		Trigger:          manualTrigger("org-1"),
		PriorityOverride: &override,
	})
	require.NoError(t, err)
	assert.Equal(t, 8, job.Priority)
	assert.Equal(t, 8, store.created[job.ExecutionID].Priority)
}

func TestQueueEnqueuePersistsBeforeReturn(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	store := newMemQueueStore()
	q := NewQueue(newMemPlaybooks(pb), store, NewMemoryLimiter(0, nil), nil)

	job, err := q.Enqueue(context.Background(), EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	exec, ok := store.created[job.ExecutionID]
	require.True(t, ok, "execution row must exist before Enqueue returns")
	assert.Equal(t, ExecutionStatusQueued, exec.Status)
	assert.Equal(t, 1, exec.PlaybookVersion, "execution is pinned to the current version")
	assert.Equal(t, map[string]interface{}{"source": "test"}, exec.Context[ContextKeyTrigger])
}

func TestQueueEnqueueRejectsDisabledPlaybook(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	pb.Enabled = false
	q := NewQueue(newMemPlaybooks(pb), newMemQueueStore(), NewMemoryLimiter(0, nil), nil)

	_, err := q.Enqueue(context.Background(), EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	assert.ErrorIs(t, err, ErrPlaybookDisabled)
}

func TestQueueSaturatedOrgDoesNotBlockOthers(t *testing.T) {
	pbA1 := orgPlaybook("pb-a1", "org-a", 9)
	pbA2 := orgPlaybook("pb-a2", "org-a", 9)
	pbB := orgPlaybook("pb-b", "org-b", 1)
	limiter := NewMemoryLimiter(1, nil)
	q := NewQueue(newMemPlaybooks(pbA1, pbA2, pbB), newMemQueueStore(), limiter, nil)

	ctx := context.Background()
	for _, id := range []string{"pb-a1", "pb-a2", "pb-b"} {
		_, err := q.Enqueue(ctx, EnqueueRequest{PlaybookID: id, Trigger: manualTrigger("")})
		require.NoError(t, err)
	}

	first, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pb-a1", first.PlaybookID)

	// org-a is now saturated, so its second high-priority job is skipped
	// in favor of org-b's low-priority one.
	second, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pb-b", second.PlaybookID)

	// Releasing org-a's slot frees its remaining job.
	q.Release(ctx, first)
	third, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pb-a2", third.PlaybookID)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	q := NewQueue(newMemPlaybooks(pb), newMemQueueStore(), NewMemoryLimiter(0, nil), nil)

	got := make(chan *Job, 1)
	go func() {
		job, err := q.DequeueNext(context.Background())
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(context.Background(), EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	select {
	case job := <-got:
		assert.Equal(t, "pb-1", job.PlaybookID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewQueue(newMemPlaybooks(), newMemQueueStore(), NewMemoryLimiter(0, nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.DequeueNext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueCancelQueued(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	store := newMemQueueStore()
	q := NewQueue(newMemPlaybooks(pb), store, NewMemoryLimiter(0, nil), nil)

	ctx := context.Background()
	job, err := q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	removed, err := q.Cancel(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, []string{job.ExecutionID}, store.cancelled)

	// Already removed: the execution is running or gone, not ours to cancel.
	removed, err = q.Cancel(ctx, job.ExecutionID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestQueueRecover(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	store := newMemQueueStore()
	store.queued = []*Execution{
		{
			ID:              "exec-old",
			PlaybookID:      "pb-1",
			PlaybookVersion: 1,
			OrganizationID:  "org-1",
			Status:          ExecutionStatusQueued,
			TriggeredBy:     "webhook",
			TriggerType:     core.TriggerAlert,
			Priority:        7,
			Context: map[string]interface{}{
				ContextKeyTrigger: map[string]interface{}{"alert_id": "a-1"},
			},
			EnqueuedAt: time.Now().UTC().Add(-time.Minute),
		},
	}
	q := NewQueue(newMemPlaybooks(pb), store, NewMemoryLimiter(0, nil), nil)

	n, err := q.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := q.DequeueNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exec-old", job.ExecutionID)
	assert.Equal(t, 7, job.Priority)
	assert.Equal(t, core.TriggerAlert, job.Trigger.Type)
	assert.Equal(t, map[string]interface{}{"alert_id": "a-1"}, job.Trigger.Payload)
}

func TestQueueClose(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	q := NewQueue(newMemPlaybooks(pb), newMemQueueStore(), NewMemoryLimiter(0, nil), nil)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	q.Close()

	// New work is refused, but queued jobs still drain.
	_, err = q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	assert.ErrorIs(t, err, ErrQueueClosed)

	job, err := q.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pb-1", job.PlaybookID)

	_, err = q.DequeueNext(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueStats(t *testing.T) {
	pb := orgPlaybook("pb-1", "org-1", 5)
	q := NewQueue(newMemPlaybooks(pb), newMemQueueStore(), NewMemoryLimiter(0, nil), nil)

	ctx := context.Background()
	_, err := q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, EnqueueRequest{PlaybookID: "pb-1", Trigger: manualTrigger("org-1")})
	require.NoError(t, err)

	_, err = q.DequeueNext(ctx)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, map[string]int{"org-1": 1}, stats.RunningPerOrg)
}
