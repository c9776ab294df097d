package soar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthrus/core"
)

func scheduledPlaybook(id, org, schedule string) *Playbook {
	pb := orgPlaybook(id, org, 5)
	pb.Trigger = Trigger{Type: core.TriggerScheduled, Schedule: schedule}
	return pb
}

func (s *memQueueStore) createdCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

func newTestScheduler(pbs ...*Playbook) (*Scheduler, *memQueueStore) {
	byOrg := make(map[string][]*Playbook)
	for _, pb := range pbs {
		byOrg[pb.OrganizationID] = append(byOrg[pb.OrganizationID], pb)
	}
	store := newMemQueueStore()
	queue := NewQueue(newMemPlaybooks(pbs...), store, NewMemoryLimiter(0, nil), nil)
	resolver := NewTriggerResolver(&memLister{byOrg: byOrg}, queue, nil)
	return NewScheduler(resolver, nil), store
}

func TestSchedulerReloadRegistersScheduledPlaybooks(t *testing.T) {
	scheduled := scheduledPlaybook("pb-sched", "org-1", "0 0 * * * *")
	manual := orgPlaybook("pb-manual", "org-1", 5)
	disabled := scheduledPlaybook("pb-off", "org-1", "0 0 * * * *")
	disabled.Enabled = false
	blank := scheduledPlaybook("pb-blank", "org-1", "")

	sched, _ := newTestScheduler(scheduled, manual, disabled, blank)
	require.NoError(t, sched.Reload([]*Playbook{scheduled, manual, disabled, blank}))

	assert.Len(t, sched.entries, 1)
	assert.Contains(t, sched.entries, "pb-sched")
}

func TestSchedulerReloadSkipsInvalidSchedule(t *testing.T) {
	good := scheduledPlaybook("pb-good", "org-1", "0 */5 * * * *")
	bad := scheduledPlaybook("pb-bad", "org-1", "whenever feels right")

	sched, _ := newTestScheduler(good, bad)
	err := sched.Reload([]*Playbook{good, bad})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pb-bad")
	assert.Len(t, sched.entries, 1)
	assert.Contains(t, sched.entries, "pb-good")
}

func TestSchedulerReloadReplacesEntries(t *testing.T) {
	pb := scheduledPlaybook("pb-sched", "org-1", "0 0 * * * *")
	sched, _ := newTestScheduler(pb)

	require.NoError(t, sched.Reload([]*Playbook{pb}))
	require.Len(t, sched.entries, 1)

	require.NoError(t, sched.Reload(nil))
	assert.Empty(t, sched.entries)
}

func TestSchedulerFireEnqueuesScheduledTrigger(t *testing.T) {
	pb := scheduledPlaybook("pb-sched", "org-1", "@every 1h")
	sched, store := newTestScheduler(pb)

	sched.fire(pb)

	require.Equal(t, 1, store.createdCount())
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, exec := range store.created {
		assert.Equal(t, "pb-sched", exec.PlaybookID)
		trigger, ok := exec.Context[ContextKeyTrigger].(map[string]interface{})
		require.True(t, ok)
		schedule, ok := trigger["schedule"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "pb-sched", schedule["playbook_id"])
	}
}

func TestSchedulerFiresOnSchedule(t *testing.T) {
	pb := scheduledPlaybook("pb-tick", "org-1", "* * * * * *")
	sched, store := newTestScheduler(pb)

	require.NoError(t, sched.Reload([]*Playbook{pb}))
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for store.createdCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not fire within 3s")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	sched, _ := newTestScheduler()
	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()
}
