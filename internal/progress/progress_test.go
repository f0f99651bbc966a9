package progress

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	last := now.Add(-time.Minute)

	t.Run("active blast mid way", func(t *testing.T) {
		b := &model.Blast{
			ID:            uuid.New(),
			Status:        model.BlastStatusActive,
			BatchSize:     5,
			BatchInterval: 2,
			TargetCount:   12,
			SentCount:     4,
			FailedCount:   1,
		}

		p := Compute(b, 2, &last, now)
		assert.Equal(t, 12, p.TotalTargets)
		assert.Equal(t, 7, p.PendingCount)
		assert.Equal(t, 3, p.TotalBatches)
		assert.Equal(t, 2, p.CurrentBatch)
		assert.Equal(t, 42, p.ProgressPercentage)
		assert.Equal(t, &last, p.LastSentAt)
		require.NotNil(t, p.EstimatedCompletion)
		assert.Equal(t, now.Add(2*time.Minute), *p.EstimatedCompletion)
	})

	t.Run("finished blast", func(t *testing.T) {
		b := &model.Blast{
			Status:        model.BlastStatusCompleted,
			BatchSize:     5,
			BatchInterval: 2,
			TargetCount:   12,
			SentCount:     11,
			FailedCount:   1,
		}

		p := Compute(b, 0, nil, now)
		assert.Equal(t, 3, p.CurrentBatch)
		assert.Equal(t, 100, p.ProgressPercentage)
		assert.Equal(t, 0, p.PendingCount)
		assert.Nil(t, p.EstimatedCompletion, "only active blasts get an estimate")
	})

	t.Run("rounds to nearest", func(t *testing.T) {
		b := &model.Blast{Status: model.BlastStatusPaused, BatchSize: 1, TargetCount: 3, SentCount: 2}
		assert.Equal(t, 67, Compute(b, 3, nil, now).ProgressPercentage)
	})

	t.Run("no targets", func(t *testing.T) {
		b := &model.Blast{Status: model.BlastStatusDraft, BatchSize: 5}
		p := Compute(b, 0, nil, now)
		assert.Equal(t, 0, p.ProgressPercentage)
		assert.Equal(t, 0, p.TotalBatches)
	})
}

func TestAggregator_Get(t *testing.T) {
	db := repository.SetupTestDB(t)
	blasts := repository.NewBlastRepository(db.DB)
	targets := repository.NewTargetRepository(db.DB)
	ctx := context.Background()

	recipients := []string{"+15550000001", "+15550000002", "+15550000003", "+15550000004", "+15550000005"}
	plan, err := planner.Plan(recipients, 2)
	require.NoError(t, err)
	start := time.Now().UTC().Add(-time.Hour)
	b, err := blasts.Create(ctx, &model.Blast{
		WorkspaceID:   "ws-1",
		Title:         "t",
		MessageBody:   "hi",
		ChannelID:     "ch-1",
		Status:        model.BlastStatusActive,
		BatchSize:     2,
		BatchInterval: 5,
		StartTime:     start,
		AnchorTime:    start,
		AnchorBatch:   1,
	}, plan)
	require.NoError(t, err)

	pending, err := targets.PendingInBatch(ctx, b.ID, 1)
	require.NoError(t, err)
	sentAt := time.Now().UTC().Truncate(time.Second)
	for _, tg := range pending {
		_, err := targets.RecordOutcome(ctx, b.ID, model.TargetOutcome{TargetID: tg.ID, Status: model.TargetStatusSent, GatewayMessageID: "m", At: sentAt})
		require.NoError(t, err)
	}

	agg := NewAggregator(blasts, targets)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	agg.now = func() time.Time { return fixed }

	p, err := agg.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BlastStatusActive, p.Status)
	assert.Equal(t, 5, p.TotalTargets)
	assert.Equal(t, 2, p.SentCount)
	assert.Equal(t, 3, p.PendingCount)
	assert.Equal(t, 2, p.CurrentBatch)
	assert.Equal(t, 3, p.TotalBatches)
	assert.Equal(t, 40, p.ProgressPercentage)
	require.NotNil(t, p.LastSentAt)
	assert.True(t, sentAt.Equal(*p.LastSentAt))
	assert.Equal(t, fixed.Add(5*time.Minute), *p.EstimatedCompletion)

	_, err = agg.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
