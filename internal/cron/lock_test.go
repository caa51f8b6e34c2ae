package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockIsExclusivePerJob(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()

	first, err := NewRedisLock(store, ReservationSweepJobName, time.Minute)
	require.NoError(t, err)
	second, err := NewRedisLock(store, ReservationSweepJobName, time.Minute)
	require.NoError(t, err)
	other, err := NewRedisLock(store, LowStockJobName, time.Minute)
	require.NoError(t, err)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Minute, store.ttls["vk:lock:cron:reservation-sweep"])

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// a non-owner release leaves the holder's key alone
	require.NoError(t, second.Release(ctx))
	assert.Contains(t, store.values, "vk:lock:cron:reservation-sweep")

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockValidatesAndPropagates(t *testing.T) {
	_, err := NewRedisLock(nil, "job", time.Minute)
	require.Error(t, err)
	_, err = NewRedisLock(newFakeLockStore(), "", time.Minute)
	require.Error(t, err)

	store := newFakeLockStore()
	lock, err := NewRedisLock(store, "job", 0)
	require.NoError(t, err)
	assert.Equal(t, defaultLockTTL, lock.ttl)

	store.err = errors.New("redis down")
	_, err = lock.Acquire(context.Background())
	require.Error(t, err)
}

func TestLocalLockSkipsOverlap(t *testing.T) {
	lock, err := LocalLocks()("job")
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lock.Release(ctx))
	ok, err = lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
