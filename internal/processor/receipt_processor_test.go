package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/model"
	"github.com/nimasrn/message-blast/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiptHandler struct {
	mu       sync.Mutex
	calls    []model.DeliveryReceipt
	applied  bool
	err      error
	failures int
}

func (f *fakeReceiptHandler) HandleDeliveryReceipt(_ context.Context, r model.DeliveryReceipt) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	if f.failures > 0 {
		f.failures--
		return false, f.err
	}
	return f.applied, nil
}

func (f *fakeReceiptHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func receiptMessage(t *testing.T, r model.DeliveryReceipt) *queue.Message {
	t.Helper()
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return &queue.Message{ID: "1-0", Data: data}
}

func TestReceiptProcessor_Process(t *testing.T) {
	blastID := uuid.New()
	receipt := model.DeliveryReceipt{BlastID: blastID, Recipient: "15550000001", DeliveredAt: time.Now().UTC()}

	t.Run("applies a receipt once", func(t *testing.T) {
		_, adapter := setupTestRedis(t)
		handler := &fakeReceiptHandler{applied: true}
		p := NewReceiptProcessor(handler, NewIdempotencyService(adapter, DefaultIdempotencyConfig()))

		require.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)))
		require.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)))

		assert.Equal(t, 1, handler.count(), "the replay is answered from redis")
		assert.Equal(t, blastID, handler.calls[0].BlastID)
	})

	t.Run("keys on the normalized recipient", func(t *testing.T) {
		_, adapter := setupTestRedis(t)
		handler := &fakeReceiptHandler{applied: true}
		p := NewReceiptProcessor(handler, NewIdempotencyService(adapter, DefaultIdempotencyConfig()))

		require.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)))
		other := receipt
		other.Recipient = "+1 555 000 0001"
		require.NoError(t, p.Process(context.Background(), receiptMessage(t, other)))

		assert.Equal(t, 1, handler.count())
		assert.Equal(t, blastID.String()+":+15550000001", ReceiptKey(other))
	})

	t.Run("handler error is retried", func(t *testing.T) {
		_, adapter := setupTestRedis(t)
		handler := &fakeReceiptHandler{applied: true, err: errors.New("db down"), failures: 1}
		idem := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
		p := NewReceiptProcessor(handler, idem)

		err := p.Process(context.Background(), receiptMessage(t, receipt))
		assert.ErrorContains(t, err, "db down")

		n, err := idem.RetryCount(context.Background(), ReceiptKey(receipt))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)))
		assert.Equal(t, 2, handler.count())
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		_, adapter := setupTestRedis(t)
		cfg := DefaultIdempotencyConfig()
		cfg.MaxRetries = 1
		handler := &fakeReceiptHandler{err: errors.New("db down"), failures: 5}
		p := NewReceiptProcessor(handler, NewIdempotencyService(adapter, cfg))

		assert.Error(t, p.Process(context.Background(), receiptMessage(t, receipt)))
		assert.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)), "acked once retries are exhausted")
		assert.Equal(t, 1, handler.count())
	})

	t.Run("lock held by another consumer", func(t *testing.T) {
		_, adapter := setupTestRedis(t)
		idem := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
		handler := &fakeReceiptHandler{applied: true}
		p := NewReceiptProcessor(handler, idem)

		pc, err := idem.Acquire(context.Background(), ReceiptKey(receipt))
		require.NoError(t, err)

		err = p.Process(context.Background(), receiptMessage(t, receipt))
		assert.ErrorIs(t, err, ErrLockHeld)
		assert.Equal(t, 0, handler.count())
		require.NoError(t, idem.Release(context.Background(), pc))
	})

	t.Run("malformed payload is dropped", func(t *testing.T) {
		handler := &fakeReceiptHandler{}
		p := NewReceiptProcessor(handler, nil)

		assert.NoError(t, p.Process(context.Background(), &queue.Message{ID: "1-0", Data: []byte("{nope")}))
		assert.NoError(t, p.Process(context.Background(), receiptMessage(t, model.DeliveryReceipt{Recipient: "+15550000001"})))
		assert.Equal(t, 0, handler.count())
	})

	t.Run("without idempotency every receipt reaches the handler", func(t *testing.T) {
		handler := &fakeReceiptHandler{}
		p := NewReceiptProcessor(handler, nil)

		require.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)))
		require.NoError(t, p.Process(context.Background(), receiptMessage(t, receipt)))
		assert.Equal(t, 2, handler.count())
		assert.Equal(t, "delivery_receipt", p.GetType())
	})
}
