package model

import (
	"time"

	"github.com/google/uuid"
)

// TargetStatus is the delivery state of one recipient. It only moves
// forward: pending -> sent -> delivered, or pending -> failed.
type TargetStatus string

const (
	TargetStatusPending   TargetStatus = "pending"
	TargetStatusSent      TargetStatus = "sent"
	TargetStatusDelivered TargetStatus = "delivered"
	TargetStatusFailed    TargetStatus = "failed"
)

func (s TargetStatus) Valid() bool {
	switch s {
	case TargetStatusPending, TargetStatusSent, TargetStatusDelivered, TargetStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the target counts as processed for completion.
func (s TargetStatus) Terminal() bool {
	return s != TargetStatusPending
}

// Reasons recorded on targets failed by a blast-level sweep.
const (
	ReasonCancelled      = "cancelled"
	ReasonExpired        = "expired"
	ReasonGatewayTimeout = "gateway timeout"
)

type Target struct {
	ID               int64        `json:"id"`
	BlastID          uuid.UUID    `json:"blast_id"`
	Recipient        string       `json:"recipient"`
	BatchNumber      int          `json:"batch_number"`
	Status           TargetStatus `json:"status"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	GatewayMessageID string       `json:"gateway_message_id,omitempty"`
	SentAt           *time.Time   `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time   `json:"delivered_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// TargetOutcome is the result of one send attempt, applied to a pending target.
type TargetOutcome struct {
	TargetID         int64
	Status           TargetStatus // sent or failed
	ErrorMessage     string
	GatewayMessageID string
	At               time.Time
}

// TargetFilter controls target listing.
type TargetFilter struct {
	BlastID uuid.UUID
	Status  *TargetStatus
	Batch   *int
	Limit   int // default 100
	Offset  int
}

// StatusCounts is the per-status breakdown of the targets of one blast.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

func (c StatusCounts) Total() int {
	return c.Pending + c.Sent + c.Delivered + c.Failed
}

// SentOrDelivered is the blast sent_count: every target the gateway accepted.
func (c StatusCounts) SentOrDelivered() int {
	return c.Sent + c.Delivered
}

// DeliveryReceipt is the asynchronous confirmation that a sent target arrived.
type DeliveryReceipt struct {
	BlastID          uuid.UUID `json:"blast_id"`
	Recipient        string    `json:"recipient"`
	GatewayMessageID string    `json:"message_id,omitempty"`
	DeliveredAt      time.Time `json:"delivered_at"`
}
