package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesPerProduct(t *testing.T) {
	locker := NewLocalLocker(time.Second)
	product := uuid.New()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), product)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, locker.held())
}

func TestLocalLockerIndependentProducts(t *testing.T) {
	locker := NewLocalLocker(50 * time.Millisecond)
	unlockA, err := locker.Lock(context.Background(), uuid.New())
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := locker.Lock(context.Background(), uuid.New())
	require.NoError(t, err)
	unlockB()
	unlockB()
}

func TestLocalLockerTimeoutAndCancel(t *testing.T) {
	locker := NewLocalLocker(10 * time.Millisecond)
	product := uuid.New()
	unlock, err := locker.Lock(context.Background(), product)
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), product)
	require.ErrorIs(t, err, ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Lock(ctx, product)
	require.ErrorIs(t, err, context.Canceled)

	unlock()
	assert.Zero(t, locker.held())
}

type fakeLockStore struct {
	mu     sync.Mutex
	values map[string]string
	setErr error
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{values: map[string]string{}}
}

func (f *fakeLockStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return false, f.setErr
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = fmt.Sprint(value)
	return true, nil
}

func (f *fakeLockStore) CompareAndDelete(_ context.Context, key, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values[key] != token {
		return false, nil
	}
	delete(f.values, key)
	return true, nil
}

func (f *fakeLockStore) LockKey(scope, id string) string {
	return "vk:lock:" + scope + ":" + id
}

func TestRedisLockerAcquireWaitAndRelease(t *testing.T) {
	store := newFakeLockStore()
	locker, err := NewRedisLocker(RedisLockerParams{Store: store, TTL: time.Minute, Wait: 30 * time.Millisecond, Poll: 5 * time.Millisecond})
	require.NoError(t, err)
	product := uuid.New()

	unlock, err := locker.Lock(context.Background(), product)
	require.NoError(t, err)
	require.Len(t, store.values, 1)

	_, err = locker.Lock(context.Background(), product)
	require.ErrorIs(t, err, ErrLockTimeout)

	unlock()
	unlock()
	require.Empty(t, store.values)

	again, err := locker.Lock(context.Background(), product)
	require.NoError(t, err)
	again()
}

func TestRedisLockerDoesNotReleaseForeignToken(t *testing.T) {
	store := newFakeLockStore()
	locker, err := NewRedisLocker(RedisLockerParams{Store: store, TTL: time.Minute, Wait: 20 * time.Millisecond})
	require.NoError(t, err)
	product := uuid.New()

	unlock, err := locker.Lock(context.Background(), product)
	require.NoError(t, err)

	// the key expired and another owner took it over
	key := store.LockKey(lockScope, product.String())
	store.values[key] = "someone-else"
	unlock()
	assert.Equal(t, "someone-else", store.values[key])
}

func TestRedisLockerPropagatesStoreErrors(t *testing.T) {
	store := newFakeLockStore()
	store.setErr = errors.New("connection refused")
	locker, err := NewRedisLocker(RedisLockerParams{Store: store, TTL: time.Minute, Wait: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = locker.Lock(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)

	_, err = NewRedisLocker(RedisLockerParams{})
	require.Error(t, err)
}
