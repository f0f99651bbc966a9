// Package progress derives a read-only progress view of a blast from its
// persisted counters and targets.
package progress

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
)

type BlastReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Blast, error)
}

type TargetReader interface {
	NextPendingBatch(ctx context.Context, blastID uuid.UUID) (int, bool, error)
	LastSentAt(ctx context.Context, blastID uuid.UUID) (*time.Time, error)
}

type Aggregator struct {
	blasts  BlastReader
	targets TargetReader
	now     func() time.Time
}

func NewAggregator(blasts BlastReader, targets TargetReader) *Aggregator {
	return &Aggregator{
		blasts:  blasts,
		targets: targets,
		now:     time.Now,
	}
}

func (a *Aggregator) Get(ctx context.Context, blastID uuid.UUID) (*model.Progress, error) {
	b, err := a.blasts.GetByID(ctx, blastID)
	if err != nil {
		return nil, err
	}
	batch, pending, err := a.targets.NextPendingBatch(ctx, blastID)
	if err != nil {
		return nil, err
	}
	lastSent, err := a.targets.LastSentAt(ctx, blastID)
	if err != nil {
		return nil, err
	}
	if !pending {
		batch = 0
	}
	return Compute(b, batch, lastSent, a.now()), nil
}

// Compute builds the progress of b. currentBatch is the lowest batch with a
// pending target, or 0 when none is left.
func Compute(b *model.Blast, currentBatch int, lastSentAt *time.Time, now time.Time) *model.Progress {
	total := b.TargetCount
	totalBatches := planner.TotalBatches(total, b.BatchSize)
	if currentBatch <= 0 {
		currentBatch = totalBatches
	}

	p := &model.Progress{
		BlastID:        b.ID,
		Status:         b.Status,
		TotalTargets:   total,
		SentCount:      b.SentCount,
		FailedCount:    b.FailedCount,
		PendingCount:   b.PendingCount(),
		DeliveredCount: b.DeliveredCount,
		CurrentBatch:   currentBatch,
		TotalBatches:   totalBatches,
		LastSentAt:     lastSentAt,
		ErrorMessage:   b.ErrorMessage,
	}
	if total > 0 {
		p.ProgressPercentage = int(math.Round(100 * float64(b.SentCount+b.FailedCount) / float64(total)))
	}
	if b.Status == model.BlastStatusActive {
		eta := now.Add(time.Duration(totalBatches-currentBatch) * b.Interval()).UTC()
		p.EstimatedCompletion = &eta
	}
	return p
}
