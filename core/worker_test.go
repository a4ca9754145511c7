package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 2, 8, "test", zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	var done sync.WaitGroup
	var count atomic.Int64
	for i := 0; i < 8; i++ {
		done.Add(1)
		require.NoError(t, pool.Submit(func() {
			defer done.Done()
			count.Add(1)
		}))
	}
	done.Wait()
	assert.Equal(t, int64(8), count.Load())
}

func TestWorkerPool_SubmitBeforeStart(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "test", zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, pool.Submit(func() {}), ErrWorkerPoolNotRunning)
}

func TestWorkerPool_QueueFull(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "test", zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	block := make(chan struct{})
	defer close(block)

	// Occupy the single worker, then fill the single queue slot.
	require.NoError(t, pool.Submit(func() { <-block }))
	require.Eventually(t, func() bool {
		if err := pool.Submit(func() { <-block }); err != nil {
			return false
		}
		return true
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, pool.Submit(func() {}), ErrWorkerPoolQueueFull)
}

func TestWorkerPool_PanicInTaskDoesNotKillWorker(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 4, "test", zaptest.NewLogger(t).Sugar())
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(func() { panic("task blew up") }))

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
}

func TestWorkerPool_StopIsIdempotent(t *testing.T) {
	pool := NewWorkerPool(context.Background(), 1, 1, "test", zaptest.NewLogger(t).Sugar())
	pool.Start()
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(func() {}), ErrWorkerPoolNotRunning)
}
