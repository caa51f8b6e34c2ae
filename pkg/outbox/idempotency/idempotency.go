package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/pkg/redis"
)

// Manager suppresses repeated notifications for the same subject inside a TTL
// window using Redis SETNX. Keys follow `vk:idempotency:notify:<scope>:<subject_id>`.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds a guard whose marks expire after ttl.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// MarkOnce returns true when the subject was not marked yet and marks it for
// the configured TTL. A false result means a notification already went out.
func (m *Manager) MarkOnce(ctx context.Context, scope string, subjectID uuid.UUID) (bool, error) {
	key, err := m.key(scope, subjectID)
	if err != nil {
		return false, err
	}
	return m.store.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), m.ttl)
}

// Forget drops the mark so the next MarkOnce succeeds again.
func (m *Manager) Forget(ctx context.Context, scope string, subjectID uuid.UUID) error {
	key, err := m.key(scope, subjectID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(scope string, subjectID uuid.UUID) (string, error) {
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if subjectID == uuid.Nil {
		return "", errors.New("subject id is required")
	}
	return m.store.IdempotencyKey(fmt.Sprintf("notify:%s", scope), subjectID.String()), nil
}
