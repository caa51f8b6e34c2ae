package reservation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockTimeout is returned when a product lock could not be acquired in time.
var ErrLockTimeout = errors.New("timed out waiting for product lock")

// Locker serializes mutations of one product's stock pool.
type Locker interface {
	// Lock blocks until the product's critical section is held, the wait
	// timeout elapses or ctx is done. The returned func releases the lock and
	// is safe to call more than once.
	Lock(ctx context.Context, productID uuid.UUID) (func(), error)
	Name() string
}

// LocalLocker is an in-process Locker keyed by product.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker builds a LocalLocker; wait <= 0 means callers wait on ctx only.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{slots: make(map[uuid.UUID]*slot), wait: wait}
}

func (l *LocalLocker) Name() string { return "local" }

func (l *LocalLocker) Lock(ctx context.Context, productID uuid.UUID) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[productID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[productID] = s
	}
	s.refs++
	l.mu.Unlock()

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				l.drop(productID, s)
			})
		}, nil
	case <-waitCtx.Done():
		l.drop(productID, s)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrLockTimeout
	}
}

func (l *LocalLocker) drop(productID uuid.UUID, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, productID)
	}
}

// held reports how many products currently have waiters or holders.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
