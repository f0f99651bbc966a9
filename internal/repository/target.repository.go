package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
	"github.com/nimasrn/message-blast/pkg/pg"
	"gorm.io/gorm"
)

// DefaultClaimLease bounds how long a claimed target is protected from sweeps.
// It must outlive the longest gateway call.
const DefaultClaimLease = time.Minute

type TargetRepository struct {
	*pg.DB
	claimLease time.Duration
}

func NewTargetRepository(db *pg.DB) *TargetRepository {
	return &TargetRepository{
		DB:         db,
		claimLease: DefaultClaimLease,
	}
}

// WithClaimLease overrides DefaultClaimLease. Non-positive values are ignored.
func (r *TargetRepository) WithClaimLease(d time.Duration) *TargetRepository {
	if d > 0 {
		r.claimLease = d
	}
	return r
}

// NextPendingBatch returns the lowest batch number that still has a pending
// target. ok is false when nothing is pending.
func (r *TargetRepository) NextPendingBatch(ctx context.Context, blastID uuid.UUID) (batch int, ok bool, err error) {
	var n sql.NullInt64
	err = r.Read(ctx).Model(&TargetEntity{}).
		Select("MIN(batch_number)").
		Where("blast_id = ? AND status = ?", blastID, string(model.TargetStatusPending)).
		Row().Scan(&n)
	if err != nil {
		return 0, false, err
	}
	if !n.Valid {
		return 0, false, nil
	}
	return int(n.Int64), true, nil
}

// PendingInBatch lists the pending targets of one batch in first-seen order.
func (r *TargetRepository) PendingInBatch(ctx context.Context, blastID uuid.UUID, batch int) ([]*model.Target, error) {
	var entities []*TargetEntity
	err := r.Read(ctx).
		Where("blast_id = ? AND batch_number = ? AND status = ?", blastID, batch, string(model.TargetStatusPending)).
		Order("id").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toTargetModels(entities), nil
}

// Claim marks a pending target as being handed to the gateway. A claimed
// target is left alone by SweepPending until the claim is settled by
// RecordOutcome, released, or older than the claim lease. It returns false
// when the target is no longer pending.
func (r *TargetRepository) Claim(ctx context.Context, targetID int64) (bool, error) {
	res := r.Write(ctx).Model(&TargetEntity{}).
		Where("id = ? AND status = ?", targetID, string(model.TargetStatusPending)).
		Update("attempting_at", time.Now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseClaim drops the claim of a target that was not handed over after all.
func (r *TargetRepository) ReleaseClaim(ctx context.Context, targetID int64) error {
	return r.Write(ctx).Model(&TargetEntity{}).
		Where("id = ? AND status = ?", targetID, string(model.TargetStatusPending)).
		Update("attempting_at", nil).Error
}

// RecordOutcome applies a send result to a pending target and refreshes the
// blast counters in the same transaction. It returns false when the target
// was no longer pending, in which case nothing changes.
func (r *TargetRepository) RecordOutcome(ctx context.Context, blastID uuid.UUID, o model.TargetOutcome) (bool, error) {
	at := o.At.UTC()
	values := map[string]any{
		"status":        string(o.Status),
		"updated_at":    at,
		"attempting_at": nil,
	}
	switch o.Status {
	case model.TargetStatusSent:
		values["sent_at"] = at
		values["gateway_message_id"] = o.GatewayMessageID
	case model.TargetStatusFailed:
		values["error_message"] = o.ErrorMessage
	default:
		return false, errors.New("outcome status must be sent or failed")
	}

	applied := false
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		res := r.Write(ctx).Model(&TargetEntity{}).
			Where("id = ? AND blast_id = ? AND status = ?", o.TargetID, blastID, string(model.TargetStatusPending)).
			Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return r.RecomputeCounters(ctx, blastID)
	})
	return applied, err
}

// SweepPending fails every pending target of the blast with reason and
// refreshes the counters. Targets claimed by a send in flight are skipped so
// that its outcome still lands. It joins the caller's transaction when there
// is one.
func (r *TargetRepository) SweepPending(ctx context.Context, blastID uuid.UUID, reason string) (int64, error) {
	now := time.Now().UTC()
	var swept int64
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		res := r.Write(ctx).Model(&TargetEntity{}).
			Where("blast_id = ? AND status = ?", blastID, string(model.TargetStatusPending)).
			Where("(attempting_at IS NULL OR attempting_at < ?)", now.Add(-r.claimLease)).
			Updates(map[string]any{
				"status":        string(model.TargetStatusFailed),
				"error_message": reason,
				"updated_at":    now,
				"attempting_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		swept = res.RowsAffected
		if swept == 0 {
			return nil
		}
		return r.RecomputeCounters(ctx, blastID)
	})
	return swept, err
}

// Abandoned lists the blasts that reached a terminal status while some of
// their targets were still pending, which happens when a claimed send ended
// without an outcome after the blast was cancelled, expired or failed.
func (r *TargetRepository) Abandoned(ctx context.Context) ([]*model.Blast, error) {
	var entities []*BlastEntity
	err := r.Read(ctx).
		Where("status IN ?", []string{
			string(model.BlastStatusCompleted),
			string(model.BlastStatusCancelled),
			string(model.BlastStatusFailed),
		}).
		Where("EXISTS (SELECT 1 FROM blast_targets t WHERE t.blast_id = blasts.id AND t.status = ?)", string(model.TargetStatusPending)).
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toBlastModels(entities), nil
}

// MarkDelivered moves a sent target to delivered. Receipts for targets that
// are pending, failed or already delivered are ignored and return false.
func (r *TargetRepository) MarkDelivered(ctx context.Context, blastID uuid.UUID, recipient string, at time.Time) (bool, error) {
	applied := false
	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		res := r.Write(ctx).Model(&TargetEntity{}).
			Where("blast_id = ? AND recipient = ? AND status = ?", blastID, recipient, string(model.TargetStatusSent)).
			Updates(map[string]any{
				"status":       string(model.TargetStatusDelivered),
				"delivered_at": at.UTC(),
				"updated_at":   time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true
		return r.RecomputeCounters(ctx, blastID)
	})
	return applied, err
}

func (r *TargetRepository) CountByStatus(ctx context.Context, blastID uuid.UUID) (model.StatusCounts, error) {
	var rows []struct {
		Status string
		N      int
	}
	err := r.Read(ctx).Model(&TargetEntity{}).
		Select("status, COUNT(*) AS n").
		Where("blast_id = ?", blastID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return model.StatusCounts{}, err
	}

	var c model.StatusCounts
	for _, row := range rows {
		switch model.TargetStatus(row.Status) {
		case model.TargetStatusPending:
			c.Pending = row.N
		case model.TargetStatusSent:
			c.Sent = row.N
		case model.TargetStatusDelivered:
			c.Delivered = row.N
		case model.TargetStatusFailed:
			c.Failed = row.N
		}
	}
	return c, nil
}

// RecomputeCounters rewrites the cached blast counters from the target rows.
// Callers run it inside the transaction that changed the targets.
func (r *TargetRepository) RecomputeCounters(ctx context.Context, blastID uuid.UUID) error {
	c, err := r.CountByStatus(ctx, blastID)
	if err != nil {
		return err
	}
	return r.Write(ctx).Model(&BlastEntity{}).
		Where("id = ?", blastID).
		Updates(map[string]any{
			"sent_count":      c.SentOrDelivered(),
			"failed_count":    c.Failed,
			"delivered_count": c.Delivered,
			"updated_at":      time.Now().UTC(),
		}).Error
}

// LastSentAt returns the most recent sent_at of the blast, nil when nothing was sent.
func (r *TargetRepository) LastSentAt(ctx context.Context, blastID uuid.UUID) (*time.Time, error) {
	var entity TargetEntity
	err := r.Read(ctx).Select("sent_at").
		Where("blast_id = ? AND sent_at IS NOT NULL", blastID).
		Order("sent_at DESC").
		Limit(1).
		Find(&entity).Error
	if err != nil {
		return nil, err
	}
	return entity.SentAt, nil
}

func (r *TargetRepository) List(ctx context.Context, f model.TargetFilter) ([]*model.Target, int64, error) {
	q := r.Read(ctx).Model(&TargetEntity{}).Where("blast_id = ?", f.BlastID)
	if f.Status != nil {
		q = q.Where("status = ?", string(*f.Status))
	}
	if f.Batch != nil {
		q = q.Where("batch_number = ?", *f.Batch)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*TargetEntity
	if err := q.Order("id").Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return toTargetModels(entities), total, nil
}

// Recipients returns every recipient of the blast in first-seen order.
func (r *TargetRepository) Recipients(ctx context.Context, blastID uuid.UUID) ([]string, error) {
	var out []string
	err := r.Read(ctx).Model(&TargetEntity{}).
		Where("blast_id = ?", blastID).
		Order("id").
		Pluck("recipient", &out).Error
	return out, err
}

// ReplanBatches reassigns batch numbers for a new batch size, keeping the
// first-seen order. Only meaningful before any target was sent.
func (r *TargetRepository) ReplanBatches(ctx context.Context, blastID uuid.UUID, batchSize int) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		var ids []int64
		if err := r.Write(ctx).Model(&TargetEntity{}).
			Where("blast_id = ?", blastID).
			Order("id").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		total := planner.TotalBatches(len(ids), batchSize)
		for batch := 1; batch <= total; batch++ {
			lo := (batch - 1) * batchSize
			hi := min(lo+batchSize, len(ids))
			err := r.Write(ctx).Model(&TargetEntity{}).
				Where("id IN ?", ids[lo:hi]).
				Update("batch_number", batch).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ErrTargetNotFound is returned by lookups of a single target.
var ErrTargetNotFound = errors.New("target not found")

func (r *TargetRepository) GetByRecipient(ctx context.Context, blastID uuid.UUID, recipient string) (*model.Target, error) {
	var entity TargetEntity
	err := r.Read(ctx).Where("blast_id = ? AND recipient = ?", blastID, recipient).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTargetNotFound
		}
		return nil, err
	}
	return toTargetModel(&entity), nil
}
