package planner

import (
	"fmt"
	"testing"
	"time"

	"github.com/nimasrn/message-blast/internal/blast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recipients(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("+1555000%04d", i)
	}
	return out
}

func TestPlan(t *testing.T) {
	t.Run("twelve targets in batches of five", func(t *testing.T) {
		plan, err := Plan(recipients(12), 5)
		require.NoError(t, err)
		require.Len(t, plan, 12)

		sizes := map[int]int{}
		for _, a := range plan {
			sizes[a.BatchNumber]++
		}
		assert.Equal(t, map[int]int{1: 5, 2: 5, 3: 2}, sizes)
		assert.Equal(t, 3, TotalBatches(12, 5))
	})

	t.Run("keeps first-seen order", func(t *testing.T) {
		in := recipients(7)
		plan, err := Plan(in, 3)
		require.NoError(t, err)
		for i, a := range plan {
			assert.Equal(t, in[i], a.Recipient)
		}
		assert.Equal(t, 1, plan[2].BatchNumber)
		assert.Equal(t, 2, plan[3].BatchNumber)
		assert.Equal(t, 3, plan[6].BatchNumber)
	})

	t.Run("deterministic", func(t *testing.T) {
		in := recipients(23)
		a, err := Plan(in, 4)
		require.NoError(t, err)
		b, err := Plan(in, 4)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("empty target set", func(t *testing.T) {
		_, err := Plan(nil, 5)
		assert.ErrorIs(t, err, blast.ErrEmptyTargetSet)
	})

	t.Run("invalid batch size", func(t *testing.T) {
		_, err := Plan(recipients(3), 0)
		assert.ErrorIs(t, err, blast.ErrInvalidSchedule)
	})
}

func TestTotalBatches(t *testing.T) {
	assert.Equal(t, 0, TotalBatches(0, 5))
	assert.Equal(t, 1, TotalBatches(1, 5))
	assert.Equal(t, 1, TotalBatches(5, 5))
	assert.Equal(t, 2, TotalBatches(6, 5))
	assert.Equal(t, 200, TotalBatches(1000, 5))
	assert.Equal(t, 0, TotalBatches(10, 0))
}

func TestFireTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	interval := 2 * time.Minute

	times := FireTimes(InitialAnchor(now), 3, interval)
	assert.Equal(t, []time.Time{now, now.Add(2 * time.Minute), now.Add(4 * time.Minute)}, times)

	for i := 1; i < len(times); i++ {
		assert.Equal(t, interval, times[i].Sub(times[i-1]), "fire times step by exactly one interval")
	}
}

func TestReanchor(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	interval := 5 * time.Minute
	resumeAt := start.Add(time.Hour)

	a := Reanchor(resumeAt, 3)

	assert.Equal(t, resumeAt, FireTime(a, 3, interval), "current batch is due at resume")
	assert.Equal(t, resumeAt.Add(5*time.Minute), FireTime(a, 4, interval))
	assert.Equal(t, resumeAt.Add(10*time.Minute), FireTime(a, 5, interval))

	assert.True(t, Due(a, 3, interval, resumeAt))
	assert.False(t, Due(a, 4, interval, resumeAt.Add(4*time.Minute)))
	assert.True(t, Due(a, 4, interval, resumeAt.Add(5*time.Minute)))

	assert.Equal(t, 1, Reanchor(resumeAt, 0).Batch)
}
