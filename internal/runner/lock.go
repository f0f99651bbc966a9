package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/message-blast/internal/util"
	"github.com/nimasrn/message-blast/pkg/logger"
	"github.com/nimasrn/message-blast/pkg/redis"
)

var ErrLockHeld = errors.New("blast is locked by another runner")

type LockConfig struct {
	TTL       time.Duration
	KeyPrefix string
}

func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:       2 * time.Minute,
		KeyPrefix: "blast:lock:",
	}
}

// Locker gives one runner at a time the right to work on a blast. The local
// map serializes goroutines of this process, the redis key serializes
// replicas. A nil redis adapter keeps the lock process-local.
type Locker struct {
	redis  redis.RedisAdapter
	config LockConfig

	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func NewLocker(adapter redis.RedisAdapter, config LockConfig) *Locker {
	if config.TTL <= 0 {
		config.TTL = DefaultLockConfig().TTL
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultLockConfig().KeyPrefix
	}
	return &Locker{
		redis:  adapter,
		config: config,
		held:   make(map[uuid.UUID]struct{}),
	}
}

// Lease is a held blast lock. Release it exactly once.
type Lease struct {
	blastID uuid.UUID
	key     string
	token   []byte
	locker  *Locker
}

// TryAcquire returns ErrLockHeld without waiting when the blast is busy.
func (l *Locker) TryAcquire(ctx context.Context, blastID uuid.UUID) (*Lease, error) {
	l.mu.Lock()
	if _, busy := l.held[blastID]; busy {
		l.mu.Unlock()
		return nil, ErrLockHeld
	}
	l.held[blastID] = struct{}{}
	l.mu.Unlock()

	lease := &Lease{
		blastID: blastID,
		key:     l.config.KeyPrefix + blastID.String(),
		token:   []byte(util.NewID()),
		locker:  l,
	}
	if l.redis == nil {
		return lease, nil
	}

	ok, err := l.redis.SetNX(ctx, lease.key, lease.token, l.config.TTL)
	if err != nil || !ok {
		l.forget(blastID)
		if err != nil {
			return nil, err
		}
		return nil, ErrLockHeld
	}
	return lease, nil
}

func (l *Locker) forget(blastID uuid.UUID) {
	l.mu.Lock()
	delete(l.held, blastID)
	l.mu.Unlock()
}

// Refresh extends the redis key while this lease still owns it.
func (ls *Lease) Refresh(ctx context.Context) error {
	if ls.locker.redis == nil {
		return nil
	}
	ok, err := ls.locker.redis.ExpireIfEquals(ctx, ls.key, ls.token, ls.locker.config.TTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Release drops the lease. The redis key is removed only if it still
// carries this lease's token, so an expired lease never frees a newer one.
func (ls *Lease) Release(ctx context.Context) {
	defer ls.locker.forget(ls.blastID)
	if ls.locker.redis == nil {
		return
	}
	if _, err := ls.locker.redis.DelIfEquals(context.WithoutCancel(ctx), ls.key, ls.token); err != nil {
		logger.Warn("failed to release blast lock", "blast_id", ls.blastID, "error", err)
	}
}
