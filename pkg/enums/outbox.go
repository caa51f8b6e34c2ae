package enums

import "slices"

// OutboxAggregateType maps to the aggregate_type column of outbox_events.
type OutboxAggregateType string

const (
	AggregateProduct   OutboxAggregateType = "product"
	AggregateStockItem OutboxAggregateType = "stock_item"
)

var aggregateTypes = []OutboxAggregateType{AggregateProduct, AggregateStockItem}

func (a OutboxAggregateType) IsValid() bool { return slices.Contains(aggregateTypes, a) }

func ParseOutboxAggregateType(value string) (OutboxAggregateType, error) {
	return parse("aggregate type", value, aggregateTypes)
}

// OutboxEventType maps to the event_type column of outbox_events.
type OutboxEventType string

const (
	EventStockLow                OutboxEventType = "stock_low"
	EventReservationExpiringSoon OutboxEventType = "reservation_expiring_soon"
	EventReservationsExpired     OutboxEventType = "reservations_expired"
)

var eventTypes = []OutboxEventType{EventStockLow, EventReservationExpiringSoon, EventReservationsExpired}

func (e OutboxEventType) IsValid() bool { return slices.Contains(eventTypes, e) }

func ParseOutboxEventType(value string) (OutboxEventType, error) {
	return parse("event type", value, eventTypes)
}

// OutboxDLQErrorReason records why an event was parked in outbox_dlq.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

var dlqReasons = []OutboxDLQErrorReason{OutboxDLQReasonMaxAttempts, OutboxDLQReasonNonRetryable}

func (r OutboxDLQErrorReason) IsValid() bool { return slices.Contains(dlqReasons, r) }
