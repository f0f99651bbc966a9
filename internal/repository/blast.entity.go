package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
)

type BlastEntity struct {
	ID                   uuid.UUID  `gorm:"type:uuid;primaryKey;column:id"`
	WorkspaceID          string     `gorm:"column:workspace_id;not null;index:idx_blasts_workspace_created,priority:1"`
	Title                string     `gorm:"column:title;not null"`
	MessageBody          string     `gorm:"column:message_body;not null"`
	ChannelID            string     `gorm:"column:channel_id;not null"`
	CreatedBy            string     `gorm:"column:created_by;not null;default:''"`
	Status               string     `gorm:"column:status;not null;default:draft;index:idx_blasts_status"`
	BatchSize            int        `gorm:"column:batch_size;not null"`
	BatchIntervalMinutes int        `gorm:"column:batch_interval_minutes;not null"`
	StartTime            time.Time  `gorm:"column:start_time;not null"`
	EndTime              *time.Time `gorm:"column:end_time"`
	AnchorTime           time.Time  `gorm:"column:anchor_time;not null"`
	AnchorBatch          int        `gorm:"column:anchor_batch;not null;default:1"`
	TargetCount          int        `gorm:"column:target_count;not null;default:0"`
	SentCount            int        `gorm:"column:sent_count;not null;default:0;check:chk_blast_counters,sent_count + failed_count <= target_count"`
	FailedCount          int        `gorm:"column:failed_count;not null;default:0"`
	DeliveredCount       int        `gorm:"column:delivered_count;not null;default:0"`
	ErrorMessage         string     `gorm:"column:error_message"`
	CreatedAt            time.Time  `gorm:"column:created_at;index:idx_blasts_workspace_created,priority:2"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
	StartedAt            *time.Time `gorm:"column:started_at"`
	CompletedAt          *time.Time `gorm:"column:completed_at"`
}

func (BlastEntity) TableName() string {
	return "blasts"
}

func toBlastEntity(b *model.Blast) *BlastEntity {
	if b == nil {
		return nil
	}
	return &BlastEntity{
		ID:                   b.ID,
		WorkspaceID:          b.WorkspaceID,
		Title:                b.Title,
		MessageBody:          b.MessageBody,
		ChannelID:            b.ChannelID,
		CreatedBy:            b.CreatedBy,
		Status:               string(b.Status),
		BatchSize:            b.BatchSize,
		BatchIntervalMinutes: b.BatchInterval,
		StartTime:            b.StartTime.UTC(),
		EndTime:              utcPtr(b.EndTime),
		AnchorTime:           b.AnchorTime.UTC(),
		AnchorBatch:          b.AnchorBatch,
		TargetCount:          b.TargetCount,
		SentCount:            b.SentCount,
		FailedCount:          b.FailedCount,
		DeliveredCount:       b.DeliveredCount,
		ErrorMessage:         b.ErrorMessage,
		CreatedAt:            b.CreatedAt,
		UpdatedAt:            b.UpdatedAt,
		StartedAt:            utcPtr(b.StartedAt),
		CompletedAt:          utcPtr(b.CompletedAt),
	}
}

func toBlastModel(e *BlastEntity) *model.Blast {
	if e == nil {
		return nil
	}
	return &model.Blast{
		ID:             e.ID,
		WorkspaceID:    e.WorkspaceID,
		Title:          e.Title,
		MessageBody:    e.MessageBody,
		ChannelID:      e.ChannelID,
		CreatedBy:      e.CreatedBy,
		Status:         model.BlastStatus(e.Status),
		BatchSize:      e.BatchSize,
		BatchInterval:  e.BatchIntervalMinutes,
		StartTime:      e.StartTime,
		EndTime:        e.EndTime,
		AnchorTime:     e.AnchorTime,
		AnchorBatch:    e.AnchorBatch,
		TargetCount:    e.TargetCount,
		SentCount:      e.SentCount,
		FailedCount:    e.FailedCount,
		DeliveredCount: e.DeliveredCount,
		ErrorMessage:   e.ErrorMessage,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		StartedAt:      e.StartedAt,
		CompletedAt:    e.CompletedAt,
	}
}

func toBlastModels(entities []*BlastEntity) []*model.Blast {
	if entities == nil {
		return nil
	}
	models := make([]*model.Blast, len(entities))
	for i, e := range entities {
		models[i] = toBlastModel(e)
	}
	return models
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
