// Package registry maps outbox event types to their topic and payload schema
// so the publisher can reject malformed rows before they reach Pub/Sub.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultkeys/vaultkeys-backend/pkg/config"
	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/payloads"
)

// EventDescriptor binds an event type to its aggregate, topic and payload.
type EventDescriptor struct {
	EventType      enums.OutboxEventType
	AggregateType  enums.OutboxAggregateType
	Topic          string
	PayloadFactory func() any
}

// ResolvedEvent is a validated outbox row with its decoded payload.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   outbox.PayloadEnvelope
	Payload    any
}

// NonRetryableError marks failures that no amount of retrying will fix.
type NonRetryableError struct {
	Err error
}

func NewNonRetryableError(err error) NonRetryableError {
	return NonRetryableError{Err: err}
}

func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

func (e NonRetryableError) Unwrap() error { return e.Err }

type EventRegistry struct {
	entries map[enums.OutboxEventType]EventDescriptor
}

func productEvent[T any](eventType enums.OutboxEventType, topic string) EventDescriptor {
	return EventDescriptor{
		EventType:      eventType,
		AggregateType:  enums.AggregateProduct,
		Topic:          topic,
		PayloadFactory: func() any { return new(T) },
	}
}

// NewEventRegistry routes every inventory event to the configured topic.
func NewEventRegistry(cfg config.PubSubConfig) (*EventRegistry, error) {
	topic := cfg.InventoryTopic
	if topic == "" {
		return nil, errors.New("inventory topic is required")
	}
	descs := []EventDescriptor{
		productEvent[payloads.StockLowEvent](enums.EventStockLow, topic),
		productEvent[payloads.ReservationExpiringSoonEvent](enums.EventReservationExpiringSoon, topic),
		productEvent[payloads.ReservationsExpiredEvent](enums.EventReservationsExpired, topic),
	}
	reg := &EventRegistry{entries: make(map[enums.OutboxEventType]EventDescriptor, len(descs))}
	for _, d := range descs {
		reg.entries[d.EventType] = d
	}
	return reg, nil
}

// Resolve checks the row against its descriptor and decodes the payload.
// Every failure is non-retryable: the stored bytes will not change.
func (r *EventRegistry) Resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	resolved, err := r.resolve(event)
	if err != nil {
		return nil, NewNonRetryableError(err)
	}
	return resolved, nil
}

func (r *EventRegistry) resolve(event models.OutboxEvent) (*ResolvedEvent, error) {
	desc, ok := r.entries[event.EventType]
	switch {
	case !ok:
		return nil, fmt.Errorf("unsupported event type %s", event.EventType)
	case desc.AggregateType != event.AggregateType:
		return nil, fmt.Errorf("%s expects aggregate %s, row has %s", event.EventType, desc.AggregateType, event.AggregateType)
	case event.AggregateID == uuid.Nil:
		return nil, errors.New("missing aggregate_id")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(event.Payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	payload := desc.PayloadFactory()
	if err := envelope.Open(payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return &ResolvedEvent{Descriptor: desc, Envelope: envelope, Payload: payload}, nil
}
