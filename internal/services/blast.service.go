package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/blast"
	gateway "github.com/nimasrn/message-blast/internal/gateways"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/nimasrn/message-blast/internal/util"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/prom"
)

var (
	ErrNotFound       = errors.New("blast not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidSender  = errors.New("sender channel is missing, not connected or belongs to another workspace")
	ErrTooManyTargets = errors.New("too many recipients")
	ErrNotEditable    = fmt.Errorf("%w: blast can only be edited while draft or scheduled", blast.ErrIllegalTransition)
	ErrNotDeletable   = fmt.Errorf("%w: blast can only be deleted while draft or finished", blast.ErrIllegalTransition)
)

const (
	MaxTargets           = 1000
	DefaultBatchSize     = 5
	MaxBatchSize         = 50
	DefaultBatchInterval = 2
	MaxBatchInterval     = 30
	DefaultStatsDays     = 30
	DefaultStartGrace    = 5 * time.Minute
)

var deletableStatuses = []model.BlastStatus{
	model.BlastStatusDraft,
	model.BlastStatusCompleted,
	model.BlastStatusCancelled,
	model.BlastStatusFailed,
}

type BlastRepository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, b *model.Blast, plan []planner.Assignment) (*model.Blast, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	List(ctx context.Context, f model.BlastFilter) ([]*model.Blast, int64, error)
	UpdateEditable(ctx context.Context, b *model.Blast) error
	UpdateStatus(ctx context.Context, id uuid.UUID, from []model.BlastStatus, to model.BlastStatus, set map[string]any) error
	Delete(ctx context.Context, id uuid.UUID, allowed []model.BlastStatus) error
	Statistics(ctx context.Context, workspaceID string, since time.Time) (*model.BlastStatistics, error)
}

type TargetRepository interface {
	NextPendingBatch(ctx context.Context, blastID uuid.UUID) (int, bool, error)
	SweepPending(ctx context.Context, blastID uuid.UUID, reason string) (int64, error)
	MarkDelivered(ctx context.Context, blastID uuid.UUID, recipient string, at time.Time) (bool, error)
	List(ctx context.Context, f model.TargetFilter) ([]*model.Target, int64, error)
	ReplanBatches(ctx context.Context, blastID uuid.UUID, batchSize int) error
}

type ChannelDirectory interface {
	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
}

type ProgressReader interface {
	Get(ctx context.Context, blastID uuid.UUID) (*model.Progress, error)
}

type BlastService struct {
	blasts     BlastRepository
	targets    TargetRepository
	directory  ChannelDirectory
	progress   ProgressReader
	startGrace time.Duration
	now        func() time.Time
}

func NewBlastService(blasts BlastRepository, targets TargetRepository, directory ChannelDirectory, progress ProgressReader) *BlastService {
	return &BlastService{
		blasts:     blasts,
		targets:    targets,
		directory:  directory,
		progress:   progress,
		startGrace: DefaultStartGrace,
		now:        time.Now,
	}
}

// WithStartGrace sets how far in the past a requested start time may lie.
func (s *BlastService) WithStartGrace(d time.Duration) *BlastService {
	if d >= 0 {
		s.startGrace = d
	}
	return s
}

// Create cleans the recipient list, plans the batches and stores a draft
// blast with its targets. AutoStart schedules it right away.
func (s *BlastService) Create(ctx context.Context, p model.BlastCreateRequest) (*model.Blast, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	cleaned := util.CleanRecipients(p.Recipients)
	if len(cleaned.Recipients) == 0 {
		return nil, blast.ErrEmptyTargetSet
	}
	if len(cleaned.Recipients) > MaxTargets {
		return nil, fmt.Errorf("%w: %d given, at most %d allowed", ErrTooManyTargets, len(cleaned.Recipients), MaxTargets)
	}

	batchSize, interval, err := scheduleParams(p.BatchSize, p.BatchInterval)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	start := now
	if p.StartTime != nil {
		start = p.StartTime.UTC()
	}
	end := utcPtr(p.EndTime)
	if err := s.checkWindow(start, end, now); err != nil {
		return nil, err
	}

	if err := s.validateSender(ctx, p.WorkspaceID, p.ChannelID); err != nil {
		return nil, err
	}

	plan, err := planner.Plan(cleaned.Recipients, batchSize)
	if err != nil {
		return nil, err
	}
	anchor := planner.InitialAnchor(start)

	created, err := s.blasts.Create(ctx, &model.Blast{
		WorkspaceID:   p.WorkspaceID,
		Title:         p.Title,
		MessageBody:   p.MessageBody,
		ChannelID:     p.ChannelID,
		CreatedBy:     p.CreatedBy,
		Status:        model.BlastStatusDraft,
		BatchSize:     batchSize,
		BatchInterval: interval,
		StartTime:     start,
		EndTime:       end,
		AnchorTime:    anchor.Time,
		AnchorBatch:   anchor.Batch,
	}, plan)
	if err != nil {
		return nil, fmt.Errorf("create blast: %w", err)
	}

	logger.Info("blast created",
		"blast_id", created.ID,
		"workspace_id", created.WorkspaceID,
		"targets", created.TargetCount,
		"invalid", cleaned.Invalid,
		"duplicates", cleaned.Duplicates,
		"batches", planner.TotalBatches(created.TargetCount, batchSize))

	if p.AutoStart {
		return s.Start(ctx, created.ID)
	}
	return created, nil
}

func (s *BlastService) Get(ctx context.Context, id uuid.UUID) (*model.Blast, error) {
	b, err := s.blasts.GetByID(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return b, nil
}

// Update edits a draft or scheduled blast. A new batch size re-plans the
// target batches in the same transaction.
func (s *BlastService) Update(ctx context.Context, id uuid.UUID, p model.BlastUpdateRequest) (*model.Blast, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !b.Status.Editable() {
		return nil, ErrNotEditable
	}

	if p.Title != nil {
		b.Title = *p.Title
	}
	if p.MessageBody != nil {
		b.MessageBody = *p.MessageBody
	}
	if p.ChannelID != nil && *p.ChannelID != b.ChannelID {
		if err := s.validateSender(ctx, b.WorkspaceID, *p.ChannelID); err != nil {
			return nil, err
		}
		b.ChannelID = *p.ChannelID
	}

	size, interval := b.BatchSize, b.BatchInterval
	if p.BatchSize != nil {
		size = *p.BatchSize
	}
	if p.BatchInterval != nil {
		interval = *p.BatchInterval
	}
	if size < 1 || size > MaxBatchSize || interval < 1 || interval > MaxBatchInterval {
		return nil, fmt.Errorf("%w: batch_size must be 1..%d and batch_interval_minutes 1..%d", blast.ErrInvalidSchedule, MaxBatchSize, MaxBatchInterval)
	}
	replan := size != b.BatchSize
	b.BatchSize, b.BatchInterval = size, interval

	now := s.now().UTC()
	if p.StartTime != nil {
		b.StartTime = p.StartTime.UTC()
		if err := s.checkWindow(b.StartTime, nil, now); err != nil {
			return nil, err
		}
	}
	if p.EndTime != nil {
		b.EndTime = utcPtr(p.EndTime)
	}
	if b.EndTime != nil && !b.EndTime.After(b.StartTime) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", blast.ErrInvalidSchedule)
	}

	anchor := planner.InitialAnchor(b.StartTime)
	if b.Status == model.BlastStatusScheduled && anchor.Time.Before(now) {
		anchor.Time = now
	}
	b.AnchorTime, b.AnchorBatch = anchor.Time, anchor.Batch

	err = s.blasts.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.blasts.UpdateEditable(ctx, b); err != nil {
			return err
		}
		if replan {
			return s.targets.ReplanBatches(ctx, b.ID, size)
		}
		return nil
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		return nil, ErrNotEditable
	}
	if err != nil {
		return nil, mapNotFound(err)
	}

	logger.Info("blast updated", "blast_id", b.ID, "replanned", replan)
	return s.Get(ctx, id)
}

func (s *BlastService) Delete(ctx context.Context, id uuid.UUID) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !b.Status.Deletable() {
		return ErrNotDeletable
	}
	err = s.blasts.Delete(ctx, id, deletableStatuses)
	if errors.Is(err, repository.ErrStatusConflict) {
		return ErrNotDeletable
	}
	if err != nil {
		return mapNotFound(err)
	}
	logger.Info("blast deleted", "blast_id", id, "status", b.Status)
	return nil
}

// Start schedules a draft blast. A start time already in the past fires the
// first batch on the next tick instead of replaying missed intervals.
func (s *BlastService) Start(ctx context.Context, id uuid.UUID) (*model.Blast, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	anchor := planner.InitialAnchor(b.StartTime)
	if now := s.now().UTC(); anchor.Time.Before(now) {
		anchor.Time = now
	}
	return s.transition(ctx, b, blast.ActionStart, map[string]any{
		"anchor_time":  anchor.Time,
		"anchor_batch": anchor.Batch,
	})
}

func (s *BlastService) Pause(ctx context.Context, id uuid.UUID) (*model.Blast, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, blast.ActionPause, nil)
}

// Resume re-anchors the schedule so that the first batch still holding
// pending targets fires now and later batches keep the interval.
func (s *BlastService) Resume(ctx context.Context, id uuid.UUID) (*model.Blast, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !blast.CanTransition(b.Status, blast.ActionResume) {
		return nil, &blast.TransitionError{Action: string(blast.ActionResume), From: string(b.Status)}
	}
	current, ok, err := s.targets.NextPendingBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		current = b.AnchorBatch
	}
	anchor := planner.Reanchor(s.now().UTC(), current)
	return s.transition(ctx, b, blast.ActionResume, map[string]any{
		"anchor_time":  anchor.Time,
		"anchor_batch": anchor.Batch,
	})
}

// Cancel stops a blast and fails all of its pending targets atomically. A
// batch in flight finishes its current send, whose outcome is still recorded,
// and skips the rest.
func (s *BlastService) Cancel(ctx context.Context, id uuid.UUID) (*model.Blast, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := blast.Transition(b.Status, blast.ActionCancel); err != nil {
		return nil, err
	}

	var swept int64
	err = s.blasts.WithinTransaction(ctx, func(ctx context.Context) error {
		err := s.blasts.UpdateStatus(ctx, id, blast.Sources(blast.ActionCancel), model.BlastStatusCancelled, map[string]any{
			"completed_at": s.now().UTC(),
		})
		if err != nil {
			return err
		}
		swept, err = s.targets.SweepPending(ctx, id, model.ReasonCancelled)
		return err
	})
	if err != nil {
		return nil, s.transitionFailure(ctx, id, blast.ActionCancel, err)
	}

	prom.IncBlastTransition(string(model.BlastStatusCancelled))
	prom.AddTargetOutcomes(string(model.TargetStatusFailed), int(swept))
	logger.Info("blast cancelled", "blast_id", id, "from", b.Status, "swept", swept)
	return s.Get(ctx, id)
}

func (s *BlastService) transition(ctx context.Context, b *model.Blast, a blast.Action, set map[string]any) (*model.Blast, error) {
	to, err := blast.Transition(b.Status, a)
	if err != nil {
		return nil, err
	}
	if err := s.blasts.UpdateStatus(ctx, b.ID, blast.Sources(a), to, set); err != nil {
		return nil, s.transitionFailure(ctx, b.ID, a, err)
	}
	prom.IncBlastTransition(string(to))
	logger.Info("blast status changed", "blast_id", b.ID, "action", a, "from", b.Status, "to", to)
	return s.Get(ctx, b.ID)
}

// transitionFailure turns a lost compare-and-set into a TransitionError
// naming the status that won.
func (s *BlastService) transitionFailure(ctx context.Context, id uuid.UUID, a blast.Action, err error) error {
	if !errors.Is(err, repository.ErrStatusConflict) {
		return mapNotFound(err)
	}
	cur, getErr := s.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	return &blast.TransitionError{Action: string(a), From: string(cur.Status)}
}

func (s *BlastService) List(ctx context.Context, f model.BlastFilter) ([]*model.Blast, int64, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, st)
		}
	}
	return s.blasts.List(ctx, f)
}

func (s *BlastService) Targets(ctx context.Context, f model.TargetFilter) ([]*model.Target, int64, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown target status %q", ErrInvalidInput, *f.Status)
	}
	if _, err := s.Get(ctx, f.BlastID); err != nil {
		return nil, 0, err
	}
	return s.targets.List(ctx, f)
}

func (s *BlastService) Progress(ctx context.Context, id uuid.UUID) (*model.Progress, error) {
	p, err := s.progress.Get(ctx, id)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return p, nil
}

// Statistics summarizes the blasts a workspace created in the last days days.
func (s *BlastService) Statistics(ctx context.Context, workspaceID string, days int) (*model.BlastStatistics, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("%w: workspace_id is required", ErrInvalidInput)
	}
	if days <= 0 {
		days = DefaultStatsDays
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	stats, err := s.blasts.Statistics(ctx, workspaceID, since)
	if err != nil {
		return nil, err
	}
	stats.PeriodDays = days
	if done := stats.TotalMessagesSent + stats.TotalMessagesFailed; done > 0 {
		stats.SuccessRate = math.Round(10000*float64(stats.TotalMessagesSent)/float64(done)) / 100
	}
	return stats, nil
}

// Preview cleans a raw recipient list without storing anything.
func (s *BlastService) Preview(ctx context.Context, raw []string, batchSize int) (*model.RecipientPreview, error) {
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize < 1 || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch_size must be 1..%d", blast.ErrInvalidSchedule, MaxBatchSize)
	}
	cleaned := util.CleanRecipients(raw)
	return &model.RecipientPreview{
		Recipients:     cleaned.Recipients,
		ValidCount:     len(cleaned.Recipients),
		InvalidCount:   cleaned.Invalid,
		DuplicateCount: cleaned.Duplicates,
		TotalBatches:   planner.TotalBatches(len(cleaned.Recipients), batchSize),
	}, nil
}

// HandleDeliveryReceipt marks a sent target delivered. Unknown, repeated or
// out-of-order receipts are ignored and report false.
func (s *BlastService) HandleDeliveryReceipt(ctx context.Context, r model.DeliveryReceipt) (bool, error) {
	if r.BlastID == uuid.Nil || r.Recipient == "" {
		return false, fmt.Errorf("%w: blast_id and recipient are required", ErrInvalidInput)
	}
	at := r.DeliveredAt
	if at.IsZero() {
		at = s.now()
	}
	applied, err := s.targets.MarkDelivered(ctx, r.BlastID, util.NormalizePhone(r.Recipient), at.UTC())
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	if applied {
		prom.IncTargetOutcome(string(model.TargetStatusDelivered))
	} else {
		logger.Debug("delivery receipt ignored", "blast_id", r.BlastID, "recipient", r.Recipient, "message_id", r.GatewayMessageID)
	}
	return applied, nil
}

func (s *BlastService) validateSender(ctx context.Context, workspaceID, channelID string) error {
	if s.directory == nil {
		return nil
	}
	ch, err := s.directory.GetChannel(ctx, channelID)
	if errors.Is(err, gateway.ErrChannelNotFound) {
		return ErrInvalidSender
	}
	if err != nil {
		return fmt.Errorf("lookup sender channel: %w", err)
	}
	if ch.WorkspaceID != workspaceID || !ch.Connected() {
		return ErrInvalidSender
	}
	return nil
}

func (s *BlastService) checkWindow(start time.Time, end *time.Time, now time.Time) error {
	if start.Before(now.Add(-s.startGrace)) {
		return fmt.Errorf("%w: start_time is in the past", blast.ErrInvalidSchedule)
	}
	if end != nil && !end.After(start) {
		return fmt.Errorf("%w: end_time must be after start_time", blast.ErrInvalidSchedule)
	}
	return nil
}

func scheduleParams(size, interval int) (int, int, error) {
	if size == 0 {
		size = DefaultBatchSize
	}
	if interval == 0 {
		interval = DefaultBatchInterval
	}
	if size < 1 || size > MaxBatchSize {
		return 0, 0, fmt.Errorf("%w: batch_size must be 1..%d", blast.ErrInvalidSchedule, MaxBatchSize)
	}
	if interval < 1 || interval > MaxBatchInterval {
		return 0, 0, fmt.Errorf("%w: batch_interval_minutes must be 1..%d", blast.ErrInvalidSchedule, MaxBatchInterval)
	}
	return size, interval, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
