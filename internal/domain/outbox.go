package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox event types emitted for payment aggregates.
const (
	EventPaymentVerified    = "PAYMENT_VERIFIED"
	EventPaymentProvisioned = "PAYMENT_PROVISIONED"
	EventPaymentFailed      = "PAYMENT_FAILED"

	AggregateTypePayment = "payment"

	DefaultOutboxMaxRetries = 3
)

// Outbox row statuses.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessing = "processing"
	OutboxStatusPublished  = "published"
	OutboxStatusFailed     = "failed"
)

// OutboxEvent maps to the `transactional_outbox` table.
type OutboxEvent struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	Payload        json.RawMessage `json:"event_data"`
	Status         string          `json:"status"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey string          `json:"idempotency_key"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	PublishedAt    *time.Time      `json:"published_at,omitempty"`
}

// OutboxIdempotencyKey identifies one domain fact about one aggregate.
func OutboxIdempotencyKey(eventType, aggregateID string) string {
	return eventType + "_" + aggregateID
}

// PaymentEventPayload is the body carried by every payment outbox event.
type PaymentEventPayload struct {
	PaymentID      uuid.UUID     `json:"payment_id"`
	ReferenceKey   string        `json:"reference_key"`
	UserID         string        `json:"user_id"`
	Status         PaymentStatus `json:"status"`
	AmountLamports int64         `json:"amount_lamports"`
	Destination    string        `json:"destination"`
	Mint           string        `json:"mint,omitempty"`
	TxSignature    string        `json:"tx_signature,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	OccurredAt     time.Time     `json:"occurred_at"`
}
