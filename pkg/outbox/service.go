package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/logger"
)

// DomainEvent is what producers hand to Emit. Version and OccurredAt default
// to 1 and now.
type DomainEvent struct {
	EventType     enums.OutboxEventType
	AggregateType enums.OutboxAggregateType
	AggregateID   uuid.UUID
	Actor         *ActorRef
	Data          any
	Version       int
	OccurredAt    time.Time
}

func (e DomainEvent) validate() error {
	if !e.EventType.IsValid() {
		return fmt.Errorf("unknown outbox event type %q", e.EventType)
	}
	if !e.AggregateType.IsValid() {
		return fmt.Errorf("unknown outbox aggregate type %q", e.AggregateType)
	}
	return nil
}

// Service queues events in the caller's transaction.
type Service struct {
	repo *Repository
	logg *logger.Logger
}

func NewService(repo *Repository, logg *logger.Logger) *Service {
	return &Service{repo: repo, logg: logg}
}

var errTxRequired = errors.New("transaction required")

// Emit queues the event inside tx so it commits or rolls back with the caller's writes.
func (s *Service) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errTxRequired
	}
	if err := event.validate(); err != nil {
		return err
	}
	envelope, err := Seal(event.Data, event.Actor, event.Version, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event.EventType, err)
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	err = s.repo.Insert(tx, models.OutboxEvent{
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       body,
	})
	if err != nil {
		return err
	}

	if s.logg != nil {
		s.logg.Debug(s.logg.WithFields(ctx, map[string]any{
			"event_id":     envelope.EventID,
			"event_type":   event.EventType,
			"aggregate_id": event.AggregateID.String(),
		}), "outbox event queued")
	}
	return nil
}

// EmitIfNotPending skips the insert when the same event for the same aggregate
// is still waiting to be published. It reports whether a row was queued.
func (s *Service) EmitIfNotPending(ctx context.Context, tx *gorm.DB, event DomainEvent) (bool, error) {
	if tx == nil {
		return false, errTxRequired
	}
	pending, err := s.repo.PendingExistsTx(tx, event.EventType, event.AggregateType, event.AggregateID)
	if err != nil || pending {
		return false, err
	}
	if err := s.Emit(ctx, tx, event); err != nil {
		return false, err
	}
	return true, nil
}
