package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startManager(t *testing.T, w *WorkerManager) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestWorkerManager_ProcessesJobs(t *testing.T) {
	w := NewWorkerManager(10, 3, nil)

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	w.SetWorker(func(_ int, job interface{}) {
		defer wg.Done()
		mu.Lock()
		seen[job.(int)] = true
		mu.Unlock()
	})
	cancel, done := startManager(t, w)

	wg.Add(20)
	for i := 0; i < 20; i++ {
		require.NoError(t, w.Enqueue(context.Background(), i))
	}
	wg.Wait()
	assert.Len(t, seen, 20)

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestWorkerManager_RecoversPanics(t *testing.T) {
	w := NewWorkerManager(4, 1, nil)
	var handled atomic.Int64
	w.SetWorker(func(_ int, job interface{}) {
		if job == "boom" {
			panic("boom")
		}
		handled.Add(1)
	})
	startManager(t, w)

	require.NoError(t, w.Enqueue(context.Background(), "boom"))
	require.NoError(t, w.Enqueue(context.Background(), "ok"))
	assert.Eventually(t, func() bool { return handled.Load() == 1 }, time.Second, 5*time.Millisecond,
		"the worker keeps running after a panic")
}

func TestWorkerManager_Enqueue(t *testing.T) {
	t.Run("full buffer honours ctx", func(t *testing.T) {
		w := NewWorkerManager(1, 1, nil)
		require.NoError(t, w.Enqueue(context.Background(), 1))
		assert.Equal(t, int64(1), w.GetUnreadCount())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, w.Enqueue(ctx, 2), context.DeadlineExceeded)
	})

	t.Run("closed pool", func(t *testing.T) {
		w := NewWorkerManager(1, 1, nil)
		w.Exit()
		w.Exit()
		assert.ErrorIs(t, w.Enqueue(context.Background(), 1), ErrPoolClosed)
	})

	t.Run("shared channel", func(t *testing.T) {
		ch := make(chan interface{}, 2)
		w := NewWorkerManager(2, 1, ch)
		require.NoError(t, w.Enqueue(context.Background(), "x"))
		assert.Equal(t, "x", <-w.JobEvents())
	})
}

func TestWorkerManager_StartWithoutHandler(t *testing.T) {
	w := NewWorkerManager(1, 0, nil)
	assert.ErrorContains(t, w.Start(context.Background()), "handler is not set")
}

func TestWorkerManager_ExitStopsStart(t *testing.T) {
	w := NewWorkerManager(1, 2, nil)
	w.SetWorker(func(int, interface{}) {})
	_, done := startManager(t, w)

	w.Exit()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Exit")
	}
	w.Wait()
}
