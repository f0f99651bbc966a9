package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nimasrn/message-blast/internal/blast"
	gateway "github.com/nimasrn/message-blast/internal/gateways"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	refs  []string
	fn    func(ctx context.Context, recipient string) error
}

func (f *fakeSender) Send(ctx context.Context, channelID, recipient, body string) (*gateway.SendResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recipient)
	f.refs = append(f.refs, gateway.ReferenceFrom(ctx))
	n := len(f.calls)
	f.mu.Unlock()
	if f.fn != nil {
		if err := f.fn(ctx, recipient); err != nil {
			return nil, err
		}
	}
	return &gateway.SendResult{MessageID: fmt.Sprintf("msg-%d", n), Provider: "fake"}, nil
}

func (f *fakeSender) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	blasts  *repository.BlastRepository
	targets *repository.TargetRepository
	sender  *fakeSender
	d       *Dispatcher
}

func setup(t *testing.T) *fixture {
	db := repository.SetupTestDB(t)
	f := &fixture{
		blasts:  repository.NewBlastRepository(db.DB),
		targets: repository.NewTargetRepository(db.DB),
		sender:  &fakeSender{},
	}
	f.d = New(f.targets, f.sender, Config{SendTimeout: 100 * time.Millisecond})
	return f
}

func recipient(i int) string {
	return fmt.Sprintf("+1555000%04d", i)
}

func (f *fixture) createBlast(t *testing.T, n, batchSize int) *model.Blast {
	t.Helper()
	list := make([]string, n)
	for i := range list {
		list[i] = recipient(i + 1)
	}
	plan, err := planner.Plan(list, batchSize)
	require.NoError(t, err)
	now := time.Now().UTC()
	b, err := f.blasts.Create(context.Background(), &model.Blast{
		WorkspaceID:   "ws-1",
		Title:         "promo",
		MessageBody:   "hi",
		ChannelID:     "ch-1",
		Status:        model.BlastStatusActive,
		BatchSize:     batchSize,
		BatchInterval: 2,
		StartTime:     now,
		AnchorTime:    now,
		AnchorBatch:   1,
	}, plan)
	require.NoError(t, err)
	return b
}

func (f *fixture) counts(t *testing.T, b *model.Blast) model.StatusCounts {
	t.Helper()
	c, err := f.targets.CountByStatus(context.Background(), b.ID)
	require.NoError(t, err)
	return c
}

func TestExecuteBatch_AllAccepted(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 12, 5)

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{Batch: 1, Attempted: 5, Sent: 5}, res)
	assert.Equal(t, []string{recipient(1), recipient(2), recipient(3), recipient(4), recipient(5)}, f.sender.Calls())

	assert.Equal(t, model.StatusCounts{Pending: 7, Sent: 5}, f.counts(t, b))
	assert.Equal(t, b.ID.String(), f.sender.refs[0], "messages carry the blast id")

	got, err := f.blasts.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.SentCount)
	assert.Equal(t, 0, got.FailedCount)

	tg, err := f.targets.GetByRecipient(context.Background(), b.ID, recipient(1))
	require.NoError(t, err)
	assert.Equal(t, "msg-1", tg.GatewayMessageID)
	assert.NotNil(t, tg.SentAt)
}

func TestExecuteBatch_RejectedTargetDoesNotBlockSiblings(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 12, 5)
	f.sender.fn = func(_ context.Context, r string) error {
		if r == recipient(3) {
			return blast.Rejected("invalid number")
		}
		return nil
	}

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Sent)
	assert.Equal(t, 1, res.Failed)

	got, err := f.blasts.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.SentCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, 7, got.PendingCount())

	tg, err := f.targets.GetByRecipient(context.Background(), b.ID, recipient(3))
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusFailed, tg.Status)
	assert.Equal(t, "invalid number", tg.ErrorMessage)
}

func TestExecuteBatch_Idempotent(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 3, 5)

	_, err := f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	before, err := f.blasts.GetByID(context.Background(), b.ID)
	require.NoError(t, err)

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{Batch: 1}, res)
	assert.Len(t, f.sender.Calls(), 3, "no duplicate sends")

	after, err := f.blasts.GetByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, before.SentCount, after.SentCount)
	assert.Equal(t, before.FailedCount, after.FailedCount)
}

func TestExecuteBatch_GatewayTimeout(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 2, 5)
	f.sender.fn = func(ctx context.Context, r string) error {
		if r == recipient(1) {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Sent)

	tg, err := f.targets.GetByRecipient(context.Background(), b.ID, recipient(1))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonGatewayTimeout, tg.ErrorMessage)
}

func TestExecuteBatch_ChannelUnavailableKeepsRestPending(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 5, 5)
	f.sender.fn = func(_ context.Context, r string) error {
		if r == recipient(3) {
			return blast.ErrChannelUnavailable
		}
		return nil
	}

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	assert.ErrorIs(t, err, blast.ErrChannelUnavailable)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, model.StatusCounts{Pending: 3, Sent: 2}, f.counts(t, b))

	// next tick resumes with only the pending targets
	f.sender.fn = nil
	res, err = f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, []string{recipient(1), recipient(2), recipient(3), recipient(3), recipient(4), recipient(5)}, f.sender.Calls())
}

func TestExecuteBatch_UnknownErrorIsTransient(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 2, 5)
	f.sender.fn = func(context.Context, string) error { return fmt.Errorf("connection reset") }

	_, err := f.d.ExecuteBatch(context.Background(), b, 1)
	assert.ErrorIs(t, err, blast.ErrChannelUnavailable)
	assert.Equal(t, model.StatusCounts{Pending: 2}, f.counts(t, b))
}

func TestExecuteBatch_FatalChannel(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 4, 5)
	f.sender.fn = func(_ context.Context, r string) error {
		if r == recipient(2) {
			return fmt.Errorf("%w: auth revoked", blast.ErrFatalChannel)
		}
		return nil
	}

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	assert.ErrorIs(t, err, blast.ErrFatalChannel)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, model.StatusCounts{Pending: 3, Sent: 1}, f.counts(t, b))
}

func TestExecuteBatch_CancelDuringSendKeepsItsOutcome(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 4, 5)
	f.sender.fn = func(_ context.Context, r string) error {
		if r == recipient(2) {
			// cancel lands while the gateway holds recipient 2
			_, err := f.targets.SweepPending(context.Background(), b.ID, model.ReasonCancelled)
			require.NoError(t, err)
		}
		return nil
	}

	res, err := f.d.ExecuteBatch(context.Background(), b, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{recipient(1), recipient(2)}, f.sender.Calls())
	assert.Equal(t, model.StatusCounts{Sent: 2, Failed: 2}, f.counts(t, b))

	tg, err := f.targets.GetByRecipient(context.Background(), b.ID, recipient(2))
	require.NoError(t, err)
	assert.Equal(t, model.TargetStatusSent, tg.Status)
	assert.Equal(t, "msg-2", tg.GatewayMessageID)

	delivered, err := f.targets.MarkDelivered(context.Background(), b.ID, recipient(2), time.Now())
	require.NoError(t, err)
	assert.True(t, delivered, "a late receipt still lands")
}

func TestExecuteBatch_StopReleasesClaim(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 2, 5)
	f.sender.fn = func(_ context.Context, r string) error {
		if r == recipient(1) {
			return blast.ErrChannelUnavailable
		}
		return nil
	}

	_, err := f.d.ExecuteBatch(context.Background(), b, 1)
	assert.ErrorIs(t, err, blast.ErrChannelUnavailable)

	swept, err := f.targets.SweepPending(context.Background(), b.ID, model.ReasonCancelled)
	require.NoError(t, err)
	assert.Equal(t, int64(2), swept, "nothing is left claimed")
}

func TestExecuteBatch_RateIsPerBlast(t *testing.T) {
	f := setup(t)
	f.d = New(f.targets, f.sender, Config{SendTimeout: time.Second, SendRate: 1, SendBurst: 1})
	first := f.createBlast(t, 1, 5)
	second := f.createBlast(t, 1, 5)

	_, err := f.d.ExecuteBatch(context.Background(), first, 1)
	require.NoError(t, err)

	start := time.Now()
	_, err = f.d.ExecuteBatch(context.Background(), second, 1)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "another blast does not wait on the first one's budget")
}

func TestExecuteBatch_ParentCancelled(t *testing.T) {
	f := setup(t)
	b := f.createBlast(t, 3, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.d.ExecuteBatch(ctx, b, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.sender.Calls())
}
