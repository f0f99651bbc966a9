package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_InvalidArgs(t *testing.T) {
	t.Run("interval must be > 0", func(t *testing.T) {
		s, err := NewScheduler(0, func(context.Context) {})
		assert.Error(t, err)
		assert.Nil(t, s)
	})

	t.Run("tickFn must not be nil", func(t *testing.T) {
		s, err := NewScheduler(time.Second, nil)
		assert.Error(t, err)
		assert.Nil(t, s)
	})
}

func TestScheduler_StartStop(t *testing.T) {
	var calls atomic.Int64
	s, err := NewScheduler(10*time.Millisecond, func(context.Context) {
		calls.Add(1)
	})
	require.NoError(t, err)

	assert.False(t, s.IsRunning())
	assert.True(t, s.Start(context.Background()))
	assert.False(t, s.Start(context.Background()), "second start is a no-op")
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.True(t, s.Stop())
	assert.False(t, s.Stop())
	assert.False(t, s.IsRunning())

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no ticks after stop")
}

func TestScheduler_TicksImmediately(t *testing.T) {
	ticked := make(chan struct{}, 1)
	s, err := NewScheduler(time.Hour, func(context.Context) {
		select {
		case ticked <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("expected a tick right after start")
	}
}

func TestScheduler_RecoversPanic(t *testing.T) {
	var calls atomic.Int64
	s, err := NewScheduler(10*time.Millisecond, func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	require.NoError(t, err)

	s.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

func TestScheduler_StopCancelsTickContext(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	s, err := NewScheduler(time.Hour, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	})
	require.NoError(t, err)

	s.Start(context.Background())
	<-started
	s.Stop()
	assert.True(t, cancelled.Load())
}
