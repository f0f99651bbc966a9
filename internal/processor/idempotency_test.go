package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nimasrn/message-blast/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, redis.RedisAdapter) {
	mr := miniredis.RunT(t)
	adapter, err := redis.NewRedisAdapter(t.Name()+"-"+mr.Addr(), "", &goredis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	require.NoError(t, err)
	return mr, adapter
}

func TestIdempotencyService_AcquireAndSuccess(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	ctx := context.Background()

	pc, err := svc.Acquire(ctx, "b1:+1555")
	require.NoError(t, err)
	assert.Equal(t, 0, pc.RetryCount)
	assert.False(t, pc.IsRetry)
	assert.True(t, mr.Exists("receipt:lock:b1:+1555"))

	_, err = svc.Acquire(ctx, "b1:+1555")
	assert.ErrorIs(t, err, ErrLockAcquireFailed, "a held receipt cannot be taken twice")

	require.NoError(t, svc.MarkSuccess(ctx, pc))
	assert.False(t, mr.Exists("receipt:lock:b1:+1555"))

	done, err := svc.IsProcessed(ctx, "b1:+1555")
	require.NoError(t, err)
	assert.True(t, done)

	_, err = svc.Acquire(ctx, "b1:+1555")
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
}

func TestIdempotencyService_FailureCountsRetries(t *testing.T) {
	_, adapter := setupTestRedis(t)
	cfg := DefaultIdempotencyConfig()
	cfg.MaxRetries = 2
	svc := NewIdempotencyService(adapter, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		pc, err := svc.Acquire(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, i, pc.RetryCount)
		assert.Equal(t, i > 0, pc.IsRetry)
		require.NoError(t, svc.MarkFailure(ctx, pc, errors.New("db down")))
	}

	n, err := svc.RetryCount(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = svc.Acquire(ctx, "k")
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestIdempotencyService_SuccessClearsRetries(t *testing.T) {
	_, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())
	ctx := context.Background()

	pc, err := svc.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailure(ctx, pc, errors.New("timeout")))

	pc, err = svc.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, pc.IsRetry)
	require.NoError(t, svc.MarkSuccess(ctx, pc))

	n, err := svc.RetryCount(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIdempotencyService_ReleaseKeepsForeignLock(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	cfg := DefaultIdempotencyConfig()
	cfg.LockTTL = time.Second
	svc := NewIdempotencyService(adapter, cfg)
	ctx := context.Background()

	stale, err := svc.Acquire(ctx, "k")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	fresh, err := svc.Acquire(ctx, "k")
	require.NoError(t, err, "an expired lock can be taken over")

	require.NoError(t, svc.Release(ctx, stale))
	assert.True(t, mr.Exists("receipt:lock:k"), "the stale owner must not drop the new lock")

	require.NoError(t, svc.Release(ctx, fresh))
	assert.False(t, mr.Exists("receipt:lock:k"))

	assert.NoError(t, svc.Release(ctx, fresh), "release is idempotent")
	assert.NoError(t, svc.Release(ctx, nil))
}

func TestIdempotencyService_CorruptRetryCounter(t *testing.T) {
	mr, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, DefaultIdempotencyConfig())

	require.NoError(t, mr.Set("receipt:retry:k", "many"))
	_, err := svc.RetryCount(context.Background(), "k")
	assert.Error(t, err)

	// a broken counter does not block the receipt
	pc, err := svc.Acquire(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 0, pc.RetryCount)
}

func TestNewIdempotencyService_Defaults(t *testing.T) {
	_, adapter := setupTestRedis(t)
	svc := NewIdempotencyService(adapter, IdempotencyConfig{})
	assert.Equal(t, DefaultIdempotencyConfig(), svc.config)
}
