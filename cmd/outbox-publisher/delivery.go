package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	"github.com/vaultkeys/vaultkeys-backend/pkg/db/models"
	"github.com/vaultkeys/vaultkeys-backend/pkg/enums"
	"github.com/vaultkeys/vaultkeys-backend/pkg/metrics"
	"github.com/vaultkeys/vaultkeys-backend/pkg/outbox/registry"
)

// deliver publishes one row and records the outcome on it. The returned
// error is reserved for bookkeeping writes that failed.
func (s *Service) deliver(ctx context.Context, tx *gorm.DB, row models.OutboxEvent) error {
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"outbox_id":     row.ID.String(),
		"event_type":    row.EventType,
		"aggregate_id":  row.AggregateID.String(),
		"attempt_count": row.AttemptCount,
	})

	resolved, err := s.registry.Resolve(row)
	if err != nil {
		return s.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNonRetryable, err)
	}
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"topic":    resolved.Descriptor.Topic,
		"event_id": resolved.Envelope.EventID,
	})

	pubErr := s.publish(ctx, row, resolved)
	if pubErr == nil {
		if err := s.repo.MarkPublishedTx(tx, row.ID); err != nil {
			return fmt.Errorf("mark published %s: %w", row.ID, err)
		}
		s.metrics.IncDelivery(metrics.DeliveryPublished, string(row.EventType))
		s.logg.Info(logCtx, "outbox event published")
		return nil
	}

	var nonRetryable registry.NonRetryableError
	if errors.As(pubErr, &nonRetryable) {
		return s.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonNonRetryable, pubErr)
	}
	if row.AttemptCount+1 >= s.maxAttempts {
		return s.deadLetter(logCtx, tx, row, enums.OutboxDLQReasonMaxAttempts,
			fmt.Errorf("gave up after %d attempts: %w", row.AttemptCount+1, pubErr))
	}

	s.logg.Warn(s.logg.WithField(logCtx, "error", pubErr.Error()), "outbox publish failed, will retry")
	if err := s.repo.MarkFailedTx(tx, row.ID, pubErr); err != nil {
		return fmt.Errorf("mark failure %s: %w", row.ID, err)
	}
	s.metrics.IncDelivery(metrics.DeliveryRetried, string(row.EventType))
	return nil
}

// deadLetter copies the row into outbox_dlq and parks it at maxAttempts so
// the fetch query never returns it again.
func (s *Service) deadLetter(ctx context.Context, tx *gorm.DB, row models.OutboxEvent, reason enums.OutboxDLQErrorReason, cause error) error {
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"error_reason": reason,
		"error":        cause.Error(),
	}), "outbox event moved to dlq")

	msg := cause.Error()
	entry := models.OutboxDLQ{
		EventID:       row.ID,
		EventType:     row.EventType,
		AggregateType: row.AggregateType,
		AggregateID:   row.AggregateID,
		Payload:       row.Payload,
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  row.AttemptCount,
		FailedAt:      time.Now().UTC(),
	}
	if err := s.dlq.InsertTx(tx, entry); err != nil {
		return fmt.Errorf("insert dlq %s: %w", row.ID, err)
	}
	if err := s.repo.MarkTerminalTx(tx, row.ID, cause, s.maxAttempts); err != nil {
		return fmt.Errorf("mark terminal %s: %w", row.ID, err)
	}
	s.metrics.IncDelivery(metrics.DeliveryDeadLettered, string(row.EventType))
	return nil
}

func (s *Service) publish(ctx context.Context, row models.OutboxEvent, resolved *registry.ResolvedEvent) error {
	topic := resolved.Descriptor.Topic
	pub := s.publisherFactory(topic)
	if pub == nil {
		return registry.NewNonRetryableError(fmt.Errorf("no publisher for topic %q", topic))
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()
	result := pub.Publish(ctx, messageFor(row, resolved))
	if result == nil {
		return registry.NewNonRetryableError(fmt.Errorf("publisher for %q returned no result", topic))
	}
	_, err := result.Get(ctx)
	return err
}

// messageFor carries the stored envelope verbatim and mirrors the routing
// keys into attributes so subscribers can filter without decoding.
func messageFor(row models.OutboxEvent, resolved *registry.ResolvedEvent) *gcppubsub.Message {
	attrs := map[string]string{
		"event_id":       resolved.Envelope.EventID,
		"event_type":     string(row.EventType),
		"aggregate_type": string(row.AggregateType),
		"aggregate_id":   row.AggregateID.String(),
		"created_at":     row.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if row.AggregateType == enums.AggregateProduct {
		attrs["product_id"] = row.AggregateID.String()
	}
	return &gcppubsub.Message{Data: row.Payload, Attributes: attrs}
}
