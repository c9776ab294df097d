package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 4, 16, "test", nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	var done sync.WaitGroup
	var count int64
	for i := 0; i < 10; i++ {
		done.Add(1)
		err := pool.Submit(func() {
			atomic.AddInt64(&count, 1)
			done.Done()
		})
		require.NoError(t, err)
	}

	done.Wait()
	assert.Equal(t, int64(10), atomic.LoadInt64(&count))
}

func TestWorkerPoolSubmitBeforeStart(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "test", nil)

	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, ErrWorkerPoolNotRunning)

	err = pool.SubmitWithTimeout(func() {}, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrWorkerPoolNotRunning)
}

func TestWorkerPoolQueueFull(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "test", nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	gate := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-gate
	}))
	<-started

	// Worker is blocked, so the next task sits in the queue and the one
	// after that has nowhere to go.
	require.NoError(t, pool.Submit(func() {}))
	assert.ErrorIs(t, pool.Submit(func() {}), ErrWorkerPoolQueueFull)
	assert.ErrorIs(t, pool.SubmitWithTimeout(func() {}, 20*time.Millisecond), ErrWorkerPoolTimeout)

	close(gate)
}

func TestWorkerPoolSurvivesPanickingTask(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 4, "test", nil)
	require.NoError(t, pool.Start())
	defer pool.Stop()

	require.NoError(t, pool.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not recover from panicking task")
	}
}

func TestWorkerPoolStartAndStopIdempotent(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, 4, "test", nil)
	require.NoError(t, pool.Start())
	require.NoError(t, pool.Start())

	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(func() {}), ErrWorkerPoolNotRunning)
}

func TestWorkerPoolGetStats(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 3, 8, "stats", nil)

	stats := pool.GetStats()
	assert.Equal(t, 3, stats.Workers)
	assert.Equal(t, 8, stats.QueueSize)
	assert.Equal(t, 8, stats.Capacity)
	assert.False(t, stats.Running)

	require.NoError(t, pool.Start())
	defer pool.Stop()
	assert.True(t, pool.GetStats().Running)
}

func TestWorkerPoolSanitizesPoolType(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "no spaces!", nil)
	assert.Equal(t, "default", pool.poolType)

	pool = NewWorkerPool(context.Background(), 1, 1, "", nil)
	assert.Equal(t, "default", pool.poolType)

	pool = NewWorkerPool(context.Background(), 1, 1, "fork-branch_2", nil)
	assert.Equal(t, "fork-branch_2", pool.poolType)
}
