// Package dispatcher executes one batch of a blast against the message gateway.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/blast"
	gateway "github.com/nimasrn/message-blast/internal/gateways"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/prom"
	"golang.org/x/time/rate"
)

type Sender interface {
	Send(ctx context.Context, channelID, recipient, body string) (*gateway.SendResult, error)
}

type TargetStore interface {
	PendingInBatch(ctx context.Context, blastID uuid.UUID, batch int) ([]*model.Target, error)
	Claim(ctx context.Context, targetID int64) (bool, error)
	ReleaseClaim(ctx context.Context, targetID int64) error
	RecordOutcome(ctx context.Context, blastID uuid.UUID, o model.TargetOutcome) (bool, error)
}

type Config struct {
	SendTimeout time.Duration
	SendRate    float64 // messages per second per blast, <= 0 disables pacing
	SendBurst   int
}

type BatchResult struct {
	Batch     int
	Attempted int
	Sent      int
	Failed    int
	Skipped   int
}

type Dispatcher struct {
	targets     TargetStore
	sender      Sender
	limit       rate.Limit
	burst       int
	sendTimeout time.Duration
	now         func() time.Time
}

func New(targets TargetStore, sender Sender, cfg Config) *Dispatcher {
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		targets:     targets,
		sender:      sender,
		limit:       limit,
		burst:       burst,
		sendTimeout: timeout,
		now:         time.Now,
	}
}

// ExecuteBatch sends the message of b to every still pending target of batch,
// one at a time in first-seen order. Each outcome is persisted before the
// next target is tried.
//
// Rejections and timeouts only fail their own target. ErrChannelUnavailable
// and ErrFatalChannel stop the batch and are returned with the partial result;
// targets not reached stay pending.
//
// Every target is claimed before it is handed to the gateway so that a cancel
// landing mid-send does not sweep it; the send outcome is recorded instead.
// Pacing applies per call, and the blast lock keeps calls for one blast from
// overlapping, so each blast gets the configured rate on its own.
func (d *Dispatcher) ExecuteBatch(ctx context.Context, b *model.Blast, batch int) (*BatchResult, error) {
	log := logger.With("blast_id", b.ID, "batch", batch)
	res := &BatchResult{Batch: batch}

	targets, err := d.targets.PendingInBatch(ctx, b.ID, batch)
	if err != nil {
		return res, fmt.Errorf("load batch: %w", err)
	}
	if len(targets) == 0 {
		return res, nil
	}

	// outcomes of messages already handed to the gateway must be stored even during shutdown
	persistCtx := context.WithoutCancel(ctx)
	limiter := rate.NewLimiter(d.limit, d.burst)

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		if err := limiter.Wait(ctx); err != nil {
			return res, err
		}

		claimed, err := d.targets.Claim(ctx, t.ID)
		if err != nil {
			return res, fmt.Errorf("claim target %d: %w", t.ID, err)
		}
		if !claimed {
			res.Skipped++
			continue
		}

		res.Attempted++
		outcome, stop := d.send(ctx, b, t)
		if stop != nil {
			if err := d.targets.ReleaseClaim(persistCtx, t.ID); err != nil {
				log.Warn("failed to release target claim", "target_id", t.ID, "error", err)
			}
			log.Warn("batch stopped", "target_id", t.ID, "error", stop)
			return res, stop
		}

		applied, err := d.targets.RecordOutcome(persistCtx, b.ID, outcome)
		if err != nil {
			return res, fmt.Errorf("record outcome of target %d: %w", t.ID, err)
		}
		if !applied {
			// swept after its claim went stale
			log.Warn("target no longer pending, outcome dropped", "target_id", t.ID, "outcome", outcome.Status)
			res.Skipped++
			continue
		}

		prom.IncTargetOutcome(string(outcome.Status))
		if outcome.Status == model.TargetStatusSent {
			res.Sent++
		} else {
			res.Failed++
			log.Info("target failed", "target_id", t.ID, "reason", outcome.ErrorMessage)
		}
	}

	log.Info("batch executed", "sent", res.Sent, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// send returns the outcome to record, or a non-nil error when the batch must stop.
func (d *Dispatcher) send(ctx context.Context, b *model.Blast, t *model.Target) (model.TargetOutcome, error) {
	sendCtx, cancel := context.WithTimeout(gateway.WithReference(ctx, b.ID.String()), d.sendTimeout)
	defer cancel()

	sent, err := d.sender.Send(sendCtx, b.ChannelID, t.Recipient, b.MessageBody)
	outcome := model.TargetOutcome{TargetID: t.ID, At: d.now()}

	var rejected *blast.TargetRejectedError
	switch {
	case err == nil:
		outcome.Status = model.TargetStatusSent
		outcome.GatewayMessageID = sent.MessageID
		return outcome, nil
	case errors.As(err, &rejected):
		outcome.Status = model.TargetStatusFailed
		outcome.ErrorMessage = rejected.Reason
		return outcome, nil
	case errors.Is(err, blast.ErrFatalChannel):
		return outcome, err
	case ctx.Err() != nil:
		return outcome, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		outcome.Status = model.TargetStatusFailed
		outcome.ErrorMessage = model.ReasonGatewayTimeout
		return outcome, nil
	case errors.Is(err, blast.ErrChannelUnavailable):
		return outcome, err
	default:
		return outcome, fmt.Errorf("%w: %v", blast.ErrChannelUnavailable, err)
	}
}
