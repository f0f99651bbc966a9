// Package runner drives blasts forward: on every tick it picks the scheduled
// and active blasts, fires the batches that are due and moves blasts to
// their terminal status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/blast"
	"github.com/nimasrn/message-blast/internal/dispatcher"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/planner"
	"github.com/nimasrn/message-blast/internal/repository"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/prom"
	"github.com/nimasrn/message-blast/pkg/worker"
	"github.com/robfig/cron/v3"
)

type BlastStore interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	ListRunnable(ctx context.Context) ([]*model.Blast, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Blast, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, from []model.BlastStatus, to model.BlastStatus, set map[string]any) error
	CountByStatus(ctx context.Context) (map[model.BlastStatus]int64, error)
}

type TargetStore interface {
	NextPendingBatch(ctx context.Context, blastID uuid.UUID) (int, bool, error)
	SweepPending(ctx context.Context, blastID uuid.UUID, reason string) (int64, error)
	Abandoned(ctx context.Context) ([]*model.Blast, error)
}

type Directory interface {
	IsConnected(ctx context.Context, channelID string) (bool, error)
}

type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, b *model.Blast, batch int) (*dispatcher.BatchResult, error)
}

type ProgressReader interface {
	Get(ctx context.Context, blastID uuid.UUID) (*model.Progress, error)
}

// Step tells what one pass over a blast did.
type Step string

const (
	StepLocked          Step = "locked"
	StepNotRunnable     Step = "not_runnable"
	StepNotDue          Step = "not_due"
	StepChannelDown     Step = "channel_down"
	StepUnavailable     Step = "unavailable"
	StepBatchExecuted   Step = "batch_executed"
	StepCompleted       Step = "completed"
	StepExpired         Step = "expired"
	StepFailed          Step = "failed"
	StepDirectoryFailed Step = "directory_error"
)

type Config struct {
	TickInterval time.Duration
	Workers      int
	// GaugeCronSpec schedules the blasts-by-status gauge refresh and the
	// sweep of abandoned targets. Empty disables it.
	GaugeCronSpec string
}

type Deps struct {
	Blasts    BlastStore
	Targets   TargetStore
	Directory Directory
	Executor  BatchExecutor
	Progress  ProgressReader
	Locker    *Locker
	// Events is optional.
	Events  EventPublisher
	Metrics *Metrics
}

type Runner struct {
	Deps
	config    Config
	pool      *worker.WorkerManager
	scheduler *Scheduler
	cron      *cron.Cron
	wg        sync.WaitGroup
	now       func() time.Time
}

type job struct {
	ctx     context.Context
	blastID uuid.UUID
	done    chan<- struct{}
}

func New(deps Deps, config Config) (*Runner, error) {
	if deps.Blasts == nil || deps.Targets == nil || deps.Directory == nil || deps.Executor == nil || deps.Progress == nil {
		return nil, errors.New("runner: missing dependency")
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if deps.Locker == nil {
		deps.Locker = NewLocker(nil, DefaultLockConfig())
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}

	r := &Runner{
		Deps:   deps,
		config: config,
		pool:   worker.NewWorkerManager(config.Workers*4, config.Workers, nil),
		now:    time.Now,
	}
	r.pool.SetWorker(r.work)

	s, err := NewScheduler(config.TickInterval, r.Tick)
	if err != nil {
		return nil, err
	}
	r.scheduler = s

	if config.GaugeCronSpec != "" {
		r.cron = cron.New()
		if _, err := r.cron.AddFunc(config.GaugeCronSpec, r.housekeeping); err != nil {
			return nil, fmt.Errorf("gauge cron spec: %w", err)
		}
	}
	return r, nil
}

// Start launches the worker pool, recovers persisted blasts and begins
// ticking. It returns immediately.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pool.Start(ctx); err != nil {
			logger.Info("runner workers stopped", "reason", err)
		}
	}()

	r.Recover(ctx)
	r.scheduler.Start(ctx)
	if r.cron != nil {
		r.cron.Start()
	}
}

// Stop ends ticking and waits for the in-flight batches.
func (r *Runner) Stop() {
	r.scheduler.Stop()
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
	r.pool.Exit()
	r.wg.Wait()
}

// Recover reports what was left scheduled or active by a previous process.
// No in-memory state is needed: the anchor and pending targets are persisted,
// so the next tick picks every blast up where it stopped.
func (r *Runner) Recover(ctx context.Context) {
	blasts, err := r.Blasts.ListRunnable(ctx)
	if err != nil {
		logger.Error("failed to load blasts for recovery", "error", err)
		return
	}
	for _, b := range blasts {
		logger.Info("recovering blast", "blast_id", b.ID, "status", b.Status, "pending", b.PendingCount(), "anchor_batch", b.AnchorBatch)
	}
	logger.Info("runner recovery done", "blasts", len(blasts))
	r.SweepAbandoned(ctx)
	r.RefreshGauges(ctx)
}

func (r *Runner) housekeeping() {
	ctx := context.Background()
	r.SweepAbandoned(ctx)
	r.RefreshGauges(ctx)
}

// SweepAbandoned fails the targets left pending in blasts that already
// reached a terminal status. They belong to sends that ended without an
// outcome, after the process died or the gateway became unreachable.
func (r *Runner) SweepAbandoned(ctx context.Context) {
	blasts, err := r.Targets.Abandoned(ctx)
	if err != nil {
		logger.Warn("failed to list abandoned targets", "error", err)
		return
	}
	for _, b := range blasts {
		if _, err := r.settle(ctx, b); err != nil {
			logger.Warn("failed to sweep abandoned targets", "blast_id", b.ID, "error", err)
		}
	}
}

// settle fails the pending targets of a blast that is no longer runnable,
// with the reason matching its terminal status. Paused blasts keep theirs.
func (r *Runner) settle(ctx context.Context, b *model.Blast) (int64, error) {
	var reason string
	switch b.Status {
	case model.BlastStatusCancelled:
		reason = model.ReasonCancelled
	case model.BlastStatusCompleted:
		reason = model.ReasonExpired
	case model.BlastStatusFailed:
		reason = b.ErrorMessage
	default:
		return 0, nil
	}
	swept, err := r.Targets.SweepPending(ctx, b.ID, reason)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		prom.AddTargetOutcomes(string(model.TargetStatusFailed), int(swept))
		logger.Info("swept targets of stopped blast", "blast_id", b.ID, "status", b.Status, "swept", swept)
	}
	return swept, nil
}

// Tick runs one pass over every runnable blast on the worker pool and
// returns once they are all handled.
func (r *Runner) Tick(ctx context.Context) {
	r.Metrics.RecordTick()

	blasts, err := r.Blasts.ListRunnable(ctx)
	if err != nil {
		logger.Error("failed to list runnable blasts", "error", err)
		return
	}
	if len(blasts) == 0 {
		return
	}

	// buffered so that workers finishing after the tick gave up never block
	done := make(chan struct{}, len(blasts))
	queued := 0
	for _, b := range blasts {
		j := &job{ctx: ctx, blastID: b.ID, done: done}
		if err := r.pool.Enqueue(ctx, j); err != nil {
			logger.Warn("tick stopped before all blasts were queued", "error", err)
			break
		}
		queued++
	}

	for ; queued > 0; queued-- {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) work(workerIndex int, payload interface{}) {
	j, ok := payload.(*job)
	if !ok {
		logger.Error("invalid runner job", "worker", workerIndex)
		return
	}
	defer func() { j.done <- struct{}{} }()

	if j.ctx.Err() != nil {
		return
	}
	step, err := r.RunBlast(j.ctx, j.blastID)
	if err != nil {
		logger.Error("blast step failed", "blast_id", j.blastID, "worker", workerIndex, "error", err)
		return
	}
	logger.Debug("blast step", "blast_id", j.blastID, "step", step)
}

// RunBlast advances one blast by at most one batch.
func (r *Runner) RunBlast(ctx context.Context, blastID uuid.UUID) (Step, error) {
	lease, err := r.Locker.TryAcquire(ctx, blastID)
	if errors.Is(err, ErrLockHeld) {
		r.skip(StepLocked)
		return StepLocked, nil
	}
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	defer lease.Release(ctx)

	b, err := r.Blasts.GetByID(ctx, blastID)
	if errors.Is(err, repository.ErrNotFound) {
		return StepNotRunnable, nil
	}
	if err != nil {
		return "", fmt.Errorf("load blast: %w", err)
	}
	if !blast.Runnable(b.Status) {
		return StepNotRunnable, nil
	}

	log := logger.With("blast_id", b.ID)
	now := r.now().UTC()

	if b.EndTime != nil && !now.Before(*b.EndTime) {
		return r.expire(ctx, b, now)
	}

	batch, pending, err := r.Targets.NextPendingBatch(ctx, b.ID)
	if err != nil {
		return "", fmt.Errorf("find next batch: %w", err)
	}
	if !pending {
		return r.complete(ctx, b, now)
	}

	anchor := planner.Anchor{Time: b.AnchorTime, Batch: b.AnchorBatch}
	if !planner.Due(anchor, batch, b.Interval(), now) {
		return StepNotDue, nil
	}

	connected, err := r.Directory.IsConnected(ctx, b.ChannelID)
	if err != nil {
		log.Warn("channel directory lookup failed, retrying next tick", "channel_id", b.ChannelID, "error", err)
		r.skip(StepDirectoryFailed)
		return StepDirectoryFailed, nil
	}
	if !connected {
		log.Info("channel disconnected, retrying next tick", "channel_id", b.ChannelID)
		r.skip(StepChannelDown)
		return StepChannelDown, nil
	}

	if b.Status == model.BlastStatusScheduled {
		err := r.Blasts.UpdateStatus(ctx, b.ID, blast.Sources(blast.ActionActivate), model.BlastStatusActive, map[string]any{"started_at": now})
		if errors.Is(err, repository.ErrStatusConflict) {
			return StepNotRunnable, nil
		}
		if err != nil {
			return "", fmt.Errorf("activate blast: %w", err)
		}
		prom.IncBlastTransition(string(model.BlastStatusActive))
		log.Info("blast activated", "start_time", b.StartTime)

		// an update may have committed between the read above and the activation
		checked := b.ChannelID
		b, err = r.Blasts.GetByID(ctx, blastID)
		if err != nil {
			return "", fmt.Errorf("reload blast: %w", err)
		}
		if !blast.Runnable(b.Status) {
			return StepNotRunnable, nil
		}
		if b.ChannelID != checked {
			connected, err := r.Directory.IsConnected(ctx, b.ChannelID)
			if err != nil || !connected {
				log.Info("channel changed before activation, retrying next tick", "channel_id", b.ChannelID, "error", err)
				r.skip(StepChannelDown)
				return StepChannelDown, nil
			}
		}
		batch, pending, err = r.Targets.NextPendingBatch(ctx, b.ID)
		if err != nil {
			return "", fmt.Errorf("find next batch: %w", err)
		}
		if !pending {
			return r.complete(ctx, b, now)
		}
		anchor = planner.Anchor{Time: b.AnchorTime, Batch: b.AnchorBatch}
		if !planner.Due(anchor, batch, b.Interval(), now) {
			return StepNotDue, nil
		}
	}

	stopRefresh := r.keepAlive(ctx, lease)
	start := time.Now()
	res, err := r.Executor.ExecuteBatch(ctx, b, batch)
	stopRefresh()

	elapsed := time.Since(start)
	prom.ObserveBatchDuration(elapsed.Seconds())
	if res != nil {
		r.Metrics.RecordBatch(elapsed, res.Sent, res.Failed)
	}

	if ctx.Err() != nil {
		return "", fmt.Errorf("execute batch %d: %w", batch, ctx.Err())
	}

	// a cancel landing mid-batch leaves the targets whose sends were in flight
	// for this pass to sweep once their claims are settled
	cur, lerr := r.Blasts.GetByID(ctx, b.ID)
	if errors.Is(lerr, repository.ErrNotFound) {
		return StepNotRunnable, nil
	}
	if lerr != nil {
		return "", fmt.Errorf("reload blast: %w", lerr)
	}
	if !blast.Runnable(cur.Status) && cur.Status != model.BlastStatusPaused {
		if _, err := r.settle(ctx, cur); err != nil {
			return "", fmt.Errorf("settle stopped blast: %w", err)
		}
		return StepNotRunnable, nil
	}

	switch {
	case errors.Is(err, blast.ErrFatalChannel):
		return r.fail(ctx, b, err)
	case errors.Is(err, blast.ErrChannelUnavailable):
		log.Warn("channel unavailable, batch will resume next tick", "batch", batch, "error", err)
		r.skip(StepUnavailable)
		return StepUnavailable, nil
	case err != nil:
		return "", fmt.Errorf("execute batch %d: %w", batch, err)
	}

	_, pending, err = r.Targets.NextPendingBatch(ctx, b.ID)
	if err != nil {
		return "", fmt.Errorf("find next batch: %w", err)
	}
	if !pending {
		return r.complete(ctx, b, r.now().UTC())
	}

	r.publish(ctx, b.ID, model.EventBatchExecuted)
	return StepBatchExecuted, nil
}

// keepAlive refreshes the lease while a batch runs. The returned func stops it.
func (r *Runner) keepAlive(ctx context.Context, lease *Lease) func() {
	every := r.Locker.config.TTL / 3
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := lease.Refresh(ctx); err != nil {
					logger.Warn("failed to refresh blast lock", "blast_id", lease.blastID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) complete(ctx context.Context, b *model.Blast, now time.Time) (Step, error) {
	err := r.Blasts.UpdateStatus(ctx, b.ID, blast.Sources(blast.ActionComplete), model.BlastStatusCompleted, map[string]any{"completed_at": now})
	if errors.Is(err, repository.ErrStatusConflict) {
		// paused or cancelled while the last batch ran
		return StepNotRunnable, nil
	}
	if err != nil {
		return "", fmt.Errorf("complete blast: %w", err)
	}
	prom.IncBlastTransition(string(model.BlastStatusCompleted))
	r.Metrics.RecordCompleted()
	logger.Info("blast completed", "blast_id", b.ID)
	r.publish(ctx, b.ID, model.EventCompleted)
	return StepCompleted, nil
}

// expire completes a blast whose end time passed and fails whatever is still pending.
func (r *Runner) expire(ctx context.Context, b *model.Blast, now time.Time) (Step, error) {
	var swept int64
	err := r.Blasts.WithinTransaction(ctx, func(ctx context.Context) error {
		err := r.Blasts.UpdateStatus(ctx, b.ID, blast.Sources(blast.ActionComplete), model.BlastStatusCompleted, map[string]any{"completed_at": now})
		if err != nil {
			return err
		}
		swept, err = r.Targets.SweepPending(ctx, b.ID, model.ReasonExpired)
		return err
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		return StepNotRunnable, nil
	}
	if err != nil {
		return "", fmt.Errorf("expire blast: %w", err)
	}
	prom.IncBlastTransition(string(model.BlastStatusCompleted))
	prom.AddTargetOutcomes(string(model.TargetStatusFailed), int(swept))
	r.Metrics.RecordCompleted()
	logger.Info("blast expired", "blast_id", b.ID, "end_time", b.EndTime, "swept", swept)
	r.publish(ctx, b.ID, model.EventExpired)
	return StepExpired, nil
}

// fail stops a blast after a fatal channel error and fails its pending targets with the cause.
func (r *Runner) fail(ctx context.Context, b *model.Blast, cause error) (Step, error) {
	msg := cause.Error()
	now := r.now().UTC()
	var swept int64
	err := r.Blasts.WithinTransaction(ctx, func(ctx context.Context) error {
		err := r.Blasts.UpdateStatus(ctx, b.ID, blast.Sources(blast.ActionFail), model.BlastStatusFailed, map[string]any{
			"error_message": msg,
			"completed_at":  now,
		})
		if err != nil {
			return err
		}
		swept, err = r.Targets.SweepPending(ctx, b.ID, msg)
		return err
	})
	if errors.Is(err, repository.ErrStatusConflict) {
		return StepNotRunnable, nil
	}
	if err != nil {
		return "", fmt.Errorf("fail blast: %w", err)
	}
	prom.IncBlastTransition(string(model.BlastStatusFailed))
	prom.AddTargetOutcomes(string(model.TargetStatusFailed), int(swept))
	r.Metrics.RecordFailed()
	logger.Error("blast failed", "blast_id", b.ID, "error", msg, "swept", swept)
	r.publish(ctx, b.ID, model.EventFailed)
	return StepFailed, nil
}

func (r *Runner) publish(ctx context.Context, blastID uuid.UUID, eventType string) {
	if r.Events == nil {
		return
	}
	p, err := r.Progress.Get(ctx, blastID)
	if err != nil {
		logger.Warn("failed to build progress event", "blast_id", blastID, "error", err)
		return
	}
	ev := model.BlastEvent{Type: eventType, Progress: p, At: r.now().UTC()}
	if err := r.Events.Publish(ctx, ev); err != nil {
		logger.Warn("failed to publish blast event", "blast_id", blastID, "type", eventType, "error", err)
	}
}

func (r *Runner) skip(step Step) {
	r.Metrics.RecordSkip()
	prom.IncTickSkipped(string(step))
}

// RefreshGauges sets the blasts-by-status gauge.
func (r *Runner) RefreshGauges(ctx context.Context) {
	counts, err := r.Blasts.CountByStatus(ctx)
	if err != nil {
		logger.Warn("failed to count blasts by status", "error", err)
		return
	}
	for status, n := range counts {
		prom.SetBlastsByStatus(string(status), n)
	}
}
