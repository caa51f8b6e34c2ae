package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/pkg/redis"
)

const (
	defaultLockTTL = 10 * time.Minute
	lockScope      = "cron"
)

// Lock coordinates exclusive runs of one job across worker instances.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory hands each job its own lock.
type LockFactory func(job string) (Lock, error)

// RedisLock implements Lock using SETNX with an owner token and TTL.
type RedisLock struct {
	client redis.LockStore
	key    string
	ttl    time.Duration
	owner  string
}

// NewRedisLock constructs a Redis-backed lock for the job.
func NewRedisLock(client redis.LockStore, job string, ttl time.Duration) (*RedisLock, error) {
	if client == nil {
		return nil, errors.New("redis client required for lock")
	}
	if job == "" {
		return nil, errors.New("job name is required")
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLock{client: client, key: client.LockKey(lockScope, job), ttl: ttl}, nil
}

// RedisLocks returns a factory building one RedisLock per job.
func RedisLocks(client redis.LockStore, ttl time.Duration) LockFactory {
	return func(job string) (Lock, error) {
		return NewRedisLock(client, job, ttl)
	}
}

// Acquire tries to own the lock for the configured TTL.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	if ok {
		l.owner = owner
	}
	return ok, nil
}

// Release frees the lock only if this instance still owns it.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	if _, err := l.client.CompareAndDelete(ctx, l.key, l.owner); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	l.owner = ""
	return nil
}

// LocalLock keeps a job from overlapping itself inside a single process.
// It is used when no redis endpoint is configured.
type LocalLock struct {
	mu sync.Mutex
}

// LocalLocks returns a factory building one LocalLock per job.
func LocalLocks() LockFactory {
	return func(string) (Lock, error) {
		return &LocalLock{}, nil
	}
}

func (l *LocalLock) Acquire(context.Context) (bool, error) {
	return l.mu.TryLock(), nil
}

func (l *LocalLock) Release(context.Context) error {
	l.mu.Unlock()
	return nil
}
