package cron

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
)

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeOutbox struct {
	mu      sync.Mutex
	events  []outbox.DomainEvent
	pending map[uuid.UUID]bool
	failFor map[uuid.UUID]bool
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{pending: map[uuid.UUID]bool{}, failFor: map[uuid.UUID]bool{}}
}

func (f *fakeOutbox) Emit(_ context.Context, _ *gorm.DB, event outbox.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[event.AggregateID] {
		return errors.New("insert failed")
	}
	f.events = append(f.events, event)
	f.pending[event.AggregateID] = true
	return nil
}

func (f *fakeOutbox) EmitIfNotPending(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (bool, error) {
	f.mu.Lock()
	pending := f.pending[event.AggregateID]
	f.mu.Unlock()
	if pending {
		return false, nil
	}
	return true, f.Emit(ctx, tx, event)
}

type fakeLockStore struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeLockStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value.(string)
	f.ttls[key] = ttl
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
