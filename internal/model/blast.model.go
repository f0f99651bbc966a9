package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BlastStatus is the lifecycle state of a blast.
type BlastStatus string

const (
	BlastStatusDraft     BlastStatus = "draft"
	BlastStatusScheduled BlastStatus = "scheduled"
	BlastStatusActive    BlastStatus = "active"
	BlastStatusPaused    BlastStatus = "paused"
	BlastStatusCompleted BlastStatus = "completed"
	BlastStatusCancelled BlastStatus = "cancelled"
	BlastStatusFailed    BlastStatus = "failed"
)

var AllBlastStatuses = []BlastStatus{
	BlastStatusDraft,
	BlastStatusScheduled,
	BlastStatusActive,
	BlastStatusPaused,
	BlastStatusCompleted,
	BlastStatusCancelled,
	BlastStatusFailed,
}

func (s BlastStatus) Valid() bool {
	for _, v := range AllBlastStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition happens from s.
func (s BlastStatus) Terminal() bool {
	return s == BlastStatusCompleted || s == BlastStatusCancelled || s == BlastStatusFailed
}

// Deletable reports whether a blast in status s may be removed.
func (s BlastStatus) Deletable() bool {
	return s == BlastStatusDraft || s.Terminal()
}

// Editable reports whether the content and schedule of a blast may still change.
func (s BlastStatus) Editable() bool {
	return s == BlastStatusDraft || s == BlastStatusScheduled
}

type Blast struct {
	ID            uuid.UUID   `json:"id"`
	WorkspaceID   string      `json:"workspace_id"`
	Title         string      `json:"title"`
	MessageBody   string      `json:"message_body"`
	ChannelID     string      `json:"channel_id"`
	CreatedBy     string      `json:"created_by,omitempty"`
	Status        BlastStatus `json:"status"`
	BatchSize     int         `json:"batch_size"`
	BatchInterval int         `json:"batch_interval_minutes"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       *time.Time  `json:"end_time,omitempty"`

	// AnchorTime and AnchorBatch pin the fire time of AnchorBatch; later
	// batches follow at BatchInterval steps. Resume moves the anchor.
	AnchorTime  time.Time `json:"-"`
	AnchorBatch int       `json:"-"`

	TargetCount    int    `json:"target_count"`
	SentCount      int    `json:"sent_count"`
	FailedCount    int    `json:"failed_count"`
	DeliveredCount int    `json:"delivered_count"`
	ErrorMessage   string `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (b *Blast) Interval() time.Duration {
	return time.Duration(b.BatchInterval) * time.Minute
}

func (b *Blast) PendingCount() int {
	p := b.TargetCount - b.SentCount - b.FailedCount
	if p < 0 {
		return 0
	}
	return p
}

// BlastCreateRequest is the input for creating a blast.
type BlastCreateRequest struct {
	WorkspaceID   string     `json:"workspace_id"`
	Title         string     `json:"title"`
	MessageBody   string     `json:"message_body"`
	ChannelID     string     `json:"channel_id"`
	CreatedBy     string     `json:"created_by"`
	Recipients    []string   `json:"recipients"`
	BatchSize     int        `json:"batch_size"`
	BatchInterval int        `json:"batch_interval_minutes"`
	StartTime     *time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	AutoStart     bool       `json:"auto_start"`
}

func (p BlastCreateRequest) Validate() error {
	if strings.TrimSpace(p.WorkspaceID) == "" {
		return errors.New("workspace_id is required")
	}
	if strings.TrimSpace(p.Title) == "" {
		return errors.New("title is required")
	}
	if len(p.Title) > 255 {
		return errors.New("title must be at most 255 characters")
	}
	if strings.TrimSpace(p.MessageBody) == "" {
		return errors.New("message_body is required")
	}
	if strings.TrimSpace(p.ChannelID) == "" {
		return errors.New("channel_id is required")
	}
	return nil
}

// BlastUpdateRequest carries the fields that may change while a blast is
// still editable. Nil fields are left untouched.
type BlastUpdateRequest struct {
	Title         *string    `json:"title"`
	MessageBody   *string    `json:"message_body"`
	ChannelID     *string    `json:"channel_id"`
	BatchSize     *int       `json:"batch_size"`
	BatchInterval *int       `json:"batch_interval_minutes"`
	StartTime     *time.Time `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
}

func (p BlastUpdateRequest) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return errors.New("title cannot be empty")
	}
	if p.Title != nil && len(*p.Title) > 255 {
		return errors.New("title must be at most 255 characters")
	}
	if p.MessageBody != nil && strings.TrimSpace(*p.MessageBody) == "" {
		return errors.New("message_body cannot be empty")
	}
	if p.ChannelID != nil && strings.TrimSpace(*p.ChannelID) == "" {
		return errors.New("channel_id cannot be empty")
	}
	return nil
}

// BlastFilter controls List queries.
type BlastFilter struct {
	WorkspaceID string
	Statuses    []BlastStatus
	Limit       int // default 50
	Offset      int
}

// BlastStatistics summarizes the blasts of a workspace over a time window.
type BlastStatistics struct {
	WorkspaceID         string     `json:"workspace_id"`
	PeriodDays          int        `json:"period_days"`
	TotalBlasts         int64      `json:"total_blasts"`
	ActiveBlasts        int64      `json:"active_blasts"`
	CompletedBlasts     int64      `json:"completed_blasts"`
	TotalMessagesSent   int64      `json:"total_messages_sent"`
	TotalMessagesFailed int64      `json:"total_messages_failed"`
	SuccessRate         float64    `json:"success_rate"`
	LastBlastAt         *time.Time `json:"last_blast_at,omitempty"`
}
