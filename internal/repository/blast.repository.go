package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
	"github.com/nimasrn/message-blast/pkg/pg"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a blast does not exist.
	ErrNotFound = errors.New("blast not found")
	// ErrStatusConflict is returned when a compare-and-set on the blast status
	// lost because the status changed in the meantime.
	ErrStatusConflict = errors.New("blast status changed concurrently")
)

const targetInsertBatch = 200

type BlastRepository struct {
	*pg.DB
}

func NewBlastRepository(db *pg.DB) *BlastRepository {
	return &BlastRepository{
		db,
	}
}

// Create stores the blast and its planned targets in one transaction.
func (r *BlastRepository) Create(ctx context.Context, b *model.Blast, plan []planner.Assignment) (*model.Blast, error) {
	entity := toBlastEntity(b)
	if entity.ID == uuid.Nil {
		entity.ID = uuid.New()
	}
	entity.TargetCount = len(plan)

	err := r.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := r.Write(ctx).Create(entity).Error; err != nil {
			return fmt.Errorf("insert blast: %w", err)
		}
		if len(plan) == 0 {
			return nil
		}
		targets := make([]*TargetEntity, len(plan))
		for i, a := range plan {
			targets[i] = &TargetEntity{
				BlastID:     entity.ID,
				Recipient:   a.Recipient,
				BatchNumber: a.BatchNumber,
				Status:      string(model.TargetStatusPending),
			}
		}
		if err := r.Write(ctx).CreateInBatches(targets, targetInsertBatch).Error; err != nil {
			return fmt.Errorf("insert targets: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return toBlastModel(entity), nil
}

func (r *BlastRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Blast, error) {
	var entity BlastEntity
	err := r.Read(ctx).Where("id = ?", id).First(&entity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return toBlastModel(&entity), nil
}

func (r *BlastRepository) List(ctx context.Context, f model.BlastFilter) ([]*model.Blast, int64, error) {
	q := r.Read(ctx).Model(&BlastEntity{})

	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var entities []*BlastEntity
	if err := q.Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&entities).Error; err != nil {
		return nil, 0, err
	}
	return toBlastModels(entities), total, nil
}

// ListRunnable returns every blast the runner has to look at, oldest first.
func (r *BlastRepository) ListRunnable(ctx context.Context) ([]*model.Blast, error) {
	var entities []*BlastEntity
	err := r.Read(ctx).
		Where("status IN ?", []string{string(model.BlastStatusScheduled), string(model.BlastStatusActive)}).
		Order("start_time").
		Find(&entities).Error
	if err != nil {
		return nil, err
	}
	return toBlastModels(entities), nil
}

// UpdateEditable writes the content and schedule fields of b, provided the
// stored blast is still in one of the editable statuses.
func (r *BlastRepository) UpdateEditable(ctx context.Context, b *model.Blast) error {
	res := r.Write(ctx).Model(&BlastEntity{}).
		Where("id = ? AND status IN ?", b.ID, []string{string(model.BlastStatusDraft), string(model.BlastStatusScheduled)}).
		Updates(map[string]any{
			"title":                  b.Title,
			"message_body":           b.MessageBody,
			"channel_id":             b.ChannelID,
			"batch_size":             b.BatchSize,
			"batch_interval_minutes": b.BatchInterval,
			"start_time":             b.StartTime.UTC(),
			"end_time":               utcPtr(b.EndTime),
			"anchor_time":            b.AnchorTime.UTC(),
			"anchor_batch":           b.AnchorBatch,
			"updated_at":             time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conflictOrMissing(ctx, b.ID)
	}
	return nil
}

// UpdateStatus moves the blast to status `to` only while its current status is
// one of `from`. Extra columns in set are written in the same statement.
func (r *BlastRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from []model.BlastStatus, to model.BlastStatus, set map[string]any) error {
	values := map[string]any{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	for k, v := range set {
		values[k] = v
	}
	res := r.Write(ctx).Model(&BlastEntity{}).
		Where("id = ? AND status IN ?", id, statusStrings(from)).
		Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conflictOrMissing(ctx, id)
	}
	return nil
}

// Delete removes a blast and its targets, only while the blast is in one of
// the given statuses.
func (r *BlastRepository) Delete(ctx context.Context, id uuid.UUID, allowed []model.BlastStatus) error {
	return r.WithinTransaction(ctx, func(ctx context.Context) error {
		res := r.Write(ctx).Where("id = ? AND status IN ?", id, statusStrings(allowed)).Delete(&BlastEntity{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return r.conflictOrMissing(ctx, id)
		}
		return r.Write(ctx).Where("blast_id = ?", id).Delete(&TargetEntity{}).Error
	})
}

type blastStatsRow struct {
	Total     int64
	Active    int64
	Completed int64
	Sent      int64
	Failed    int64
}

func (r *BlastRepository) Statistics(ctx context.Context, workspaceID string, since time.Time) (*model.BlastStatistics, error) {
	var row blastStatsRow
	err := r.Read(ctx).Model(&BlastEntity{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
			COALESCE(SUM(sent_count), 0) AS sent,
			COALESCE(SUM(failed_count), 0) AS failed`,
			string(model.BlastStatusActive), string(model.BlastStatusCompleted)).
		Where("workspace_id = ? AND created_at >= ?", workspaceID, since.UTC()).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}

	stats := &model.BlastStatistics{
		WorkspaceID:         workspaceID,
		TotalBlasts:         row.Total,
		ActiveBlasts:        row.Active,
		CompletedBlasts:     row.Completed,
		TotalMessagesSent:   row.Sent,
		TotalMessagesFailed: row.Failed,
	}

	var last BlastEntity
	err = r.Read(ctx).Select("created_at").
		Where("workspace_id = ? AND created_at >= ?", workspaceID, since.UTC()).
		Order("created_at DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return nil, err
	}
	if !last.CreatedAt.IsZero() {
		at := last.CreatedAt
		stats.LastBlastAt = &at
	}
	return stats, nil
}

// CountByStatus counts every blast per status.
func (r *BlastRepository) CountByStatus(ctx context.Context) (map[model.BlastStatus]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := r.Read(ctx).Model(&BlastEntity{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[model.BlastStatus]int64, len(model.AllBlastStatuses))
	for _, s := range model.AllBlastStatuses {
		out[s] = 0
	}
	for _, row := range rows {
		out[model.BlastStatus(row.Status)] = row.N
	}
	return out, nil
}

func (r *BlastRepository) conflictOrMissing(ctx context.Context, id uuid.UUID) error {
	var n int64
	if err := r.Read(ctx).Model(&BlastEntity{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func statusStrings(in []model.BlastStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
