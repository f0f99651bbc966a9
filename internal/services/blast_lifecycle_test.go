package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/blast"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/progress"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lifecycle struct {
	svc     *BlastService
	blasts  *repository.BlastRepository
	targets *repository.TargetRepository
	now     time.Time
}

func setupLifecycle(t *testing.T) *lifecycle {
	db := repository.SetupTestDB(t)
	l := &lifecycle{
		blasts:  repository.NewBlastRepository(db.DB),
		targets: repository.NewTargetRepository(db.DB),
		now:     time.Now().UTC().Truncate(time.Second),
	}
	l.svc = NewBlastService(l.blasts, l.targets, newDirectory(), progress.NewAggregator(l.blasts, l.targets))
	l.svc.now = func() time.Time { return l.now }
	return l
}

func (l *lifecycle) create(t *testing.T, n, batchSize int, autoStart bool) *model.Blast {
	t.Helper()
	req := validRequest()
	req.Recipients = make([]string, n)
	for i := range req.Recipients {
		req.Recipients[i] = fmt.Sprintf("+1555000%04d", i+1)
	}
	req.BatchSize = batchSize
	req.AutoStart = autoStart
	b, err := l.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return b
}

// sendBatch marks every pending target of batch as sent, the way the dispatcher would.
func (l *lifecycle) sendBatch(t *testing.T, id uuid.UUID, batch int) {
	t.Helper()
	pending, err := l.targets.PendingInBatch(context.Background(), id, batch)
	require.NoError(t, err)
	for _, tg := range pending {
		_, err := l.targets.RecordOutcome(context.Background(), id, model.TargetOutcome{
			TargetID: tg.ID, Status: model.TargetStatusSent, GatewayMessageID: "m", At: l.now,
		})
		require.NoError(t, err)
	}
}

func (l *lifecycle) activate(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.NoError(t, l.blasts.UpdateStatus(context.Background(), id, blast.Sources(blast.ActionActivate), model.BlastStatusActive, nil))
}

func TestBlastService_CreateAndStart(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()

	b := l.create(t, 12, 5, false)
	assert.Equal(t, model.BlastStatusDraft, b.Status)
	assert.Equal(t, 12, b.TargetCount)

	targets, total, err := l.svc.Targets(ctx, model.TargetFilter{BlastID: b.ID, Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(12), total)
	assert.Equal(t, 1, targets[0].BatchNumber)
	assert.Equal(t, 3, targets[11].BatchNumber)

	l.now = l.now.Add(time.Minute)
	started, err := l.svc.Start(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BlastStatusScheduled, started.Status)
	assert.True(t, started.AnchorTime.Equal(l.now), "a start time in the past is pulled up to now")

	_, err = l.svc.Start(ctx, b.ID)
	assert.ErrorIs(t, err, blast.ErrIllegalTransition)

	auto := l.create(t, 3, 5, true)
	assert.Equal(t, model.BlastStatusScheduled, auto.Status)
}

func TestBlastService_PauseResumeRoundTrip(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()

	b := l.create(t, 12, 5, true)
	l.activate(t, b.ID)
	l.sendBatch(t, b.ID, 1)

	_, err := l.svc.Resume(ctx, b.ID)
	assert.ErrorIs(t, err, blast.ErrIllegalTransition, "resume only from paused")

	paused, err := l.svc.Pause(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BlastStatusPaused, paused.Status)

	_, err = l.svc.Pause(ctx, b.ID)
	assert.ErrorIs(t, err, blast.ErrIllegalTransition)

	before, err := l.targets.CountByStatus(ctx, b.ID)
	require.NoError(t, err)

	l.now = l.now.Add(30 * time.Minute)
	resumed, err := l.svc.Resume(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BlastStatusActive, resumed.Status)
	assert.Equal(t, 2, resumed.AnchorBatch, "anchored on the first batch still pending")
	assert.True(t, resumed.AnchorTime.Equal(l.now))

	after, err := l.targets.CountByStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "pause and resume do not touch targets")
	assert.Equal(t, 5, resumed.SentCount)
}

func TestBlastService_CancelSweepsPending(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()

	b := l.create(t, 12, 5, true)
	l.activate(t, b.ID)
	l.sendBatch(t, b.ID, 1)

	cancelled, err := l.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BlastStatusCancelled, cancelled.Status)
	assert.Equal(t, 5, cancelled.SentCount)
	assert.Equal(t, 7, cancelled.FailedCount)
	assert.Equal(t, 0, cancelled.PendingCount())
	assert.NotNil(t, cancelled.CompletedAt)

	failed := model.TargetStatusFailed
	list, _, err := l.svc.Targets(ctx, model.TargetFilter{BlastID: b.ID, Status: &failed})
	require.NoError(t, err)
	require.Len(t, list, 7)
	for _, tg := range list {
		assert.Equal(t, model.ReasonCancelled, tg.ErrorMessage)
	}

	_, err = l.svc.Cancel(ctx, b.ID)
	assert.ErrorIs(t, err, blast.ErrIllegalTransition)

	draft := l.create(t, 2, 5, false)
	_, err = l.svc.Cancel(ctx, draft.ID)
	assert.ErrorIs(t, err, blast.ErrIllegalTransition, "drafts are deleted, not cancelled")
}

func TestBlastService_UpdateReplans(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()
	b := l.create(t, 12, 5, false)

	size := 4
	title := "renamed"
	updated, err := l.svc.Update(ctx, b.ID, model.BlastUpdateRequest{Title: &title, BatchSize: &size})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, 4, updated.BatchSize)

	p, err := l.svc.Progress(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.TotalBatches)

	batch := 3
	last, total, err := l.svc.Targets(ctx, model.TargetFilter{BlastID: b.ID, Batch: &batch})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	assert.Equal(t, "+15550000009", last[0].Recipient)

	ch := "ch-else"
	_, err = l.svc.Update(ctx, b.ID, model.BlastUpdateRequest{ChannelID: &ch})
	assert.ErrorIs(t, err, ErrInvalidSender)

	bad := 0
	_, err = l.svc.Update(ctx, b.ID, model.BlastUpdateRequest{BatchInterval: &bad})
	assert.ErrorIs(t, err, blast.ErrInvalidSchedule)

	_, err = l.svc.Start(ctx, b.ID)
	require.NoError(t, err)
	l.activate(t, b.ID)
	_, err = l.svc.Update(ctx, b.ID, model.BlastUpdateRequest{Title: &title})
	assert.ErrorIs(t, err, ErrNotEditable)
	assert.ErrorIs(t, err, blast.ErrIllegalTransition)
}

func TestBlastService_Delete(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()

	running := l.create(t, 3, 5, true)
	assert.ErrorIs(t, l.svc.Delete(ctx, running.ID), ErrNotDeletable)

	draft := l.create(t, 3, 5, false)
	require.NoError(t, l.svc.Delete(ctx, draft.ID))
	_, err := l.svc.Get(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.svc.Cancel(ctx, running.ID)
	require.NoError(t, err)
	require.NoError(t, l.svc.Delete(ctx, running.ID))
}

func TestBlastService_HandleDeliveryReceipt(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()

	b := l.create(t, 3, 5, true)
	l.activate(t, b.ID)
	l.sendBatch(t, b.ID, 1)

	receipt := model.DeliveryReceipt{BlastID: b.ID, Recipient: "15550000001", DeliveredAt: l.now}
	ok, err := l.svc.HandleDeliveryReceipt(ctx, receipt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.svc.HandleDeliveryReceipt(ctx, receipt)
	require.NoError(t, err)
	assert.False(t, ok, "receipts are idempotent")

	ok, err = l.svc.HandleDeliveryReceipt(ctx, model.DeliveryReceipt{BlastID: uuid.New(), Recipient: "+15550000001"})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = l.svc.HandleDeliveryReceipt(ctx, model.DeliveryReceipt{Recipient: "+15550000001"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	got, err := l.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeliveredCount)
	assert.Equal(t, 3, got.SentCount, "delivered targets still count as sent")
}

func TestBlastService_ListAndStatistics(t *testing.T) {
	l := setupLifecycle(t)
	ctx := context.Background()

	a := l.create(t, 4, 5, true)
	l.activate(t, a.ID)
	l.sendBatch(t, a.ID, 1)
	l.create(t, 2, 5, false)

	all, total, err := l.svc.List(ctx, model.BlastFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, all, 2)

	active, _, err := l.svc.List(ctx, model.BlastFilter{WorkspaceID: "ws-1", Statuses: []model.BlastStatus{model.BlastStatusActive}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)

	stats, err := l.svc.Statistics(ctx, "ws-1", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalBlasts)
	assert.Equal(t, int64(1), stats.ActiveBlasts)
	assert.Equal(t, int64(4), stats.TotalMessagesSent)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.NotNil(t, stats.LastBlastAt)
}
