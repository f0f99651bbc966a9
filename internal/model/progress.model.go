package model

import (
	"time"

	"github.com/google/uuid"
)

// Progress is a read-only view of how far a blast has got.
type Progress struct {
	BlastID             uuid.UUID   `json:"blast_id"`
	Status              BlastStatus `json:"status"`
	TotalTargets        int         `json:"total_targets"`
	SentCount           int         `json:"sent_count"`
	FailedCount         int         `json:"failed_count"`
	PendingCount        int         `json:"pending_count"`
	DeliveredCount      int         `json:"delivered_count"`
	CurrentBatch        int         `json:"current_batch"`
	TotalBatches        int         `json:"total_batches"`
	ProgressPercentage  int         `json:"progress_percentage"`
	LastSentAt          *time.Time  `json:"last_sent_at,omitempty"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
	ErrorMessage        string      `json:"error_message,omitempty"`
}

// BlastEvent is published after each runner step that changed a blast.
type BlastEvent struct {
	Type     string    `json:"type"`
	Progress *Progress `json:"progress"`
	At       time.Time `json:"at"`
}

const (
	EventBatchExecuted = "batch_executed"
	EventCompleted     = "completed"
	EventFailed        = "failed"
	EventExpired       = "expired"
)

// RecipientPreview is the result of cleaning a raw recipient list.
type RecipientPreview struct {
	Recipients     []string `json:"recipients"`
	ValidCount     int      `json:"valid_count"`
	InvalidCount   int      `json:"invalid_count"`
	DuplicateCount int      `json:"duplicate_count"`
	TotalBatches   int      `json:"total_batches"`
}
