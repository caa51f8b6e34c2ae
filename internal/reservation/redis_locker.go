package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/redis"
)

const (
	lockScope        = "product"
	defaultLockPoll  = 20 * time.Millisecond
	lockReleaseAfter = 2 * time.Second
)

var errLockHeld = errors.New("product lock held by another owner")

// RedisLocker coordinates product locks across processes. Each acquisition
// writes a random owner token with a TTL so a crashed holder cannot wedge the
// product, and release only deletes the key while it still carries that token.
type RedisLocker struct {
	store redis.LockStore
	logg  *logger.Logger
	ttl   time.Duration
	wait  time.Duration
	poll  time.Duration
}

// RedisLockerParams configures a RedisLocker.
type RedisLockerParams struct {
	Store  redis.LockStore
	Logger *logger.Logger
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
}

// NewRedisLocker validates params and builds the locker.
func NewRedisLocker(params RedisLockerParams) (*RedisLocker, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("redis lock store required")
	}
	if params.TTL <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive")
	}
	if params.Wait <= 0 {
		return nil, fmt.Errorf("lock wait must be positive")
	}
	if params.Poll <= 0 {
		params.Poll = defaultLockPoll
	}
	return &RedisLocker{
		store: params.Store,
		logg:  params.Logger,
		ttl:   params.TTL,
		wait:  params.Wait,
		poll:  params.Poll,
	}, nil
}

func (l *RedisLocker) Name() string { return "redis" }

func (l *RedisLocker) Lock(ctx context.Context, productID uuid.UUID) (func(), error) {
	key := l.store.LockKey(lockScope, productID.String())
	token := uuid.NewString()

	backoff := retry.WithMaxDuration(l.wait, retry.NewConstant(l.poll))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ok, err := l.store.SetNX(ctx, key, token, l.ttl)
		if err != nil {
			return err
		}
		if !ok {
			return retry.RetryableError(errLockHeld)
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, errLockHeld):
		return nil, ErrLockTimeout
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("acquire product lock: %w", err)
	}

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseAfter)
		defer cancel()
		if _, err := l.store.CompareAndDelete(releaseCtx, key, token); err != nil && l.logg != nil {
			l.logg.Error(l.logg.WithProductID(releaseCtx, productID.String()), "release product lock", err)
		}
	}, nil
}
