package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nimasrn/message-blast/internal/util"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/redis"
)

var (
	ErrAlreadyProcessed   = errors.New("receipt already processed")
	ErrLockAcquireFailed  = errors.New("failed to acquire receipt lock")
	ErrMaxRetriesExceeded = errors.New("maximum receipt retries exceeded")
)

type IdempotencyConfig struct {
	// LockTTL bounds how long one consumer may hold a receipt.
	LockTTL time.Duration

	// ProcessedTTL is how long a handled receipt is remembered.
	ProcessedTTL time.Duration

	MaxRetries int

	KeyPrefix string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:      30 * time.Second,
		ProcessedTTL: 24 * time.Hour,
		MaxRetries:   3,
		KeyPrefix:    "receipt:",
	}
}

// IdempotencyService keeps redelivered or duplicated receipts from reaching
// the database more than once and stops two consumers from handling the same
// receipt at the same time.
type IdempotencyService struct {
	redis  redis.RedisAdapter
	config IdempotencyConfig
}

func NewIdempotencyService(redisAdapter redis.RedisAdapter, config IdempotencyConfig) *IdempotencyService {
	def := DefaultIdempotencyConfig()
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if config.ProcessedTTL <= 0 {
		config.ProcessedTTL = def.ProcessedTTL
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	return &IdempotencyService{
		redis:  redisAdapter,
		config: config,
	}
}

type ProcessingContext struct {
	Key          string
	RetryCount   int
	IsRetry      bool
	token        []byte
	lockAcquired bool
}

func (s *IdempotencyService) lockKey(key string) string      { return s.config.KeyPrefix + "lock:" + key }
func (s *IdempotencyService) retryKey(key string) string     { return s.config.KeyPrefix + "retry:" + key }
func (s *IdempotencyService) processedKey(key string) string { return s.config.KeyPrefix + "done:" + key }

// Acquire claims key for processing. It fails with ErrAlreadyProcessed once
// the receipt was handled, ErrMaxRetriesExceeded after too many failed
// attempts and ErrLockAcquireFailed while another consumer holds it.
func (s *IdempotencyService) Acquire(ctx context.Context, key string) (*ProcessingContext, error) {
	exists, err := s.redis.Exist(ctx, s.processedKey(key))
	if err != nil {
		// the database update is guarded as well, so a missing marker only costs a query
		logger.Warn("receipt processed check failed", "key", key, "error", err)
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	retries, err := s.RetryCount(ctx, key)
	if err != nil {
		logger.Warn("receipt retry count unavailable", "key", key, "error", err)
	}
	if retries >= s.config.MaxRetries {
		return nil, fmt.Errorf("%w: key=%s, retries=%d", ErrMaxRetriesExceeded, key, retries)
	}

	token := []byte(util.NewID())
	acquired, err := s.redis.SetNX(ctx, s.lockKey(key), token, s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	logger.Debug("receipt lock acquired", "key", key, "retry_count", retries)
	return &ProcessingContext{
		Key:          key,
		RetryCount:   retries,
		IsRetry:      retries > 0,
		token:        token,
		lockAcquired: true,
	}, nil
}

// MarkSuccess remembers the receipt as handled and drops its lock and retry counter.
func (s *IdempotencyService) MarkSuccess(ctx context.Context, pc *ProcessingContext) error {
	if err := s.redis.Set(ctx, s.processedKey(pc.Key), []byte("1"), s.config.ProcessedTTL); err != nil {
		return fmt.Errorf("mark receipt processed: %w", err)
	}
	if err := s.redis.Del(ctx, s.retryKey(pc.Key)); err != nil {
		logger.Warn("receipt retry counter cleanup failed", "key", pc.Key, "error", err)
	}
	return s.Release(ctx, pc)
}

// MarkFailure counts a failed attempt and frees the receipt for the next one.
func (s *IdempotencyService) MarkFailure(ctx context.Context, pc *ProcessingContext, reason error) error {
	next := pc.RetryCount + 1
	if err := s.redis.Set(ctx, s.retryKey(pc.Key), []byte(strconv.Itoa(next)), s.config.ProcessedTTL); err != nil {
		logger.Error("receipt retry counter update failed", "key", pc.Key, "error", err)
	}
	logger.Warn("receipt processing failed",
		"key", pc.Key,
		"retry_count", next,
		"max_retries", s.config.MaxRetries,
		"reason", reason)
	return s.Release(ctx, pc)
}

// Release drops the lock if this context still owns it.
func (s *IdempotencyService) Release(ctx context.Context, pc *ProcessingContext) error {
	if pc == nil || !pc.lockAcquired {
		return nil
	}
	pc.lockAcquired = false
	if _, err := s.redis.DelIfEquals(context.WithoutCancel(ctx), s.lockKey(pc.Key), pc.token); err != nil {
		logger.Warn("receipt lock release failed", "key", pc.Key, "error", err)
		return err
	}
	return nil
}

func (s *IdempotencyService) RetryCount(ctx context.Context, key string) (int, error) {
	raw, err := s.redis.Get(ctx, s.retryKey(key))
	if errors.Is(err, redis.NilError) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("corrupt retry counter %q: %w", raw, err)
	}
	return n, nil
}

func (s *IdempotencyService) IsProcessed(ctx context.Context, key string) (bool, error) {
	exists, err := s.redis.Exist(ctx, s.processedKey(key))
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}
