package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
)

type TargetEntity struct {
	ID               int64      `gorm:"primaryKey;autoIncrement;column:id"`
	BlastID          uuid.UUID  `gorm:"type:uuid;column:blast_id;not null;uniqueIndex:idx_target_blast_recipient,priority:1;index:idx_target_blast_batch_status,priority:1"`
	Recipient        string     `gorm:"column:recipient;not null;uniqueIndex:idx_target_blast_recipient,priority:2"`
	BatchNumber      int        `gorm:"column:batch_number;not null;index:idx_target_blast_batch_status,priority:2"`
	Status           string     `gorm:"column:status;not null;default:pending;index:idx_target_blast_batch_status,priority:3"`
	ErrorMessage     string     `gorm:"column:error_message"`
	GatewayMessageID string     `gorm:"column:gateway_message_id"`
	SentAt           *time.Time `gorm:"column:sent_at"`
	DeliveredAt      *time.Time `gorm:"column:delivered_at"`
	AttemptingAt     *time.Time `gorm:"column:attempting_at"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at"`
}

func (TargetEntity) TableName() string {
	return "blast_targets"
}

func toTargetModel(e *TargetEntity) *model.Target {
	if e == nil {
		return nil
	}
	return &model.Target{
		ID:               e.ID,
		BlastID:          e.BlastID,
		Recipient:        e.Recipient,
		BatchNumber:      e.BatchNumber,
		Status:           model.TargetStatus(e.Status),
		ErrorMessage:     e.ErrorMessage,
		GatewayMessageID: e.GatewayMessageID,
		SentAt:           e.SentAt,
		DeliveredAt:      e.DeliveredAt,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func toTargetModels(entities []*TargetEntity) []*model.Target {
	if entities == nil {
		return nil
	}
	models := make([]*model.Target, len(entities))
	for i, e := range entities {
		models[i] = toTargetModel(e)
	}
	return models
}
