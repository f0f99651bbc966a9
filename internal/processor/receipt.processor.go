package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/queue"
	"github.com/nimasrn/message-blast/internal/util"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/prom"
)

// Receipt outcomes, also used as metric labels.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeDuplicate = "duplicate"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

var ErrLockHeld = errors.New("receipt held by another consumer")

type ReceiptHandler interface {
	HandleDeliveryReceipt(ctx context.Context, r model.DeliveryReceipt) (bool, error)
}

type ReceiptProcessor struct {
	handler     ReceiptHandler
	idempotency *IdempotencyService
}

// NewReceiptProcessor builds the processor for the receipts stream. A nil
// idempotency service leaves deduplication to the guarded database update.
func NewReceiptProcessor(handler ReceiptHandler, idempotency *IdempotencyService) *ReceiptProcessor {
	return &ReceiptProcessor{
		handler:     handler,
		idempotency: idempotency,
	}
}

func (p *ReceiptProcessor) GetType() string {
	return "delivery_receipt"
}

// ReceiptKey identifies the target a receipt is about.
func ReceiptKey(r model.DeliveryReceipt) string {
	return r.BlastID.String() + ":" + util.NormalizePhone(r.Recipient)
}

// Process applies one receipt from the queue. Malformed entries are acked and
// dropped since no retry can fix them.
func (p *ReceiptProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var receipt model.DeliveryReceipt
	if err := json.Unmarshal(msg.Data, &receipt); err != nil {
		logger.Error("malformed delivery receipt", "queue_id", msg.ID, "error", err)
		prom.IncReceipt(OutcomeInvalid)
		return nil
	}
	if receipt.BlastID == uuid.Nil || receipt.Recipient == "" {
		logger.Error("delivery receipt without blast or recipient", "queue_id", msg.ID)
		prom.IncReceipt(OutcomeInvalid)
		return nil
	}

	key := ReceiptKey(receipt)
	var pc *ProcessingContext
	if p.idempotency != nil {
		var err error
		pc, err = p.idempotency.Acquire(ctx, key)
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			logger.Debug("delivery receipt already processed", "key", key)
			prom.IncReceipt(OutcomeDuplicate)
			return nil
		case errors.Is(err, ErrMaxRetriesExceeded):
			logger.Error("delivery receipt gave up", "key", key, "error", err)
			prom.IncReceipt(OutcomeFailed)
			return nil
		case errors.Is(err, ErrLockAcquireFailed):
			return fmt.Errorf("%w: %s", ErrLockHeld, key)
		case err != nil:
			return err
		}
		defer func() { _ = p.idempotency.Release(ctx, pc) }()
	}

	applied, err := p.handler.HandleDeliveryReceipt(ctx, receipt)
	if err != nil {
		if pc != nil {
			_ = p.idempotency.MarkFailure(ctx, pc, err)
		}
		return fmt.Errorf("handle receipt %s: %w", key, err)
	}

	if pc != nil {
		if err := p.idempotency.MarkSuccess(ctx, pc); err != nil {
			logger.Error("failed to mark receipt processed", "key", key, "error", err)
		}
	}

	outcome := OutcomeIgnored
	if applied {
		outcome = OutcomeApplied
	}
	prom.IncReceipt(outcome)
	logger.Debug("delivery receipt processed",
		"blast_id", receipt.BlastID,
		"recipient", receipt.Recipient,
		"message_id", receipt.GatewayMessageID,
		"outcome", outcome,
		"retry", pc != nil && pc.IsRetry)
	return nil
}
