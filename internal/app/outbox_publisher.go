package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

// OutboxPublisher records domain events in the transactional outbox. Each fact
// is recorded at most once per aggregate; delivery is the dispatcher's job.
type OutboxPublisher struct {
	repo       store.Repository
	maxRetries int
	metrics    *Metrics
	now        func() time.Time
}

// NewOutboxPublisher creates a publisher backed by repo.
func NewOutboxPublisher(repo store.Repository, metrics *Metrics) *OutboxPublisher {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &OutboxPublisher{
		repo:       repo,
		maxRetries: domain.DefaultOutboxMaxRetries,
		metrics:    metrics,
		now:        time.Now,
	}
}

// NewEvent builds an outbox row without storing it, for use inside a status
// transition transaction.
func (p *OutboxPublisher) NewEvent(eventType, aggregateID, aggregateType string, payload interface{}) (domain.OutboxEvent, error) {
	eventType = strings.TrimSpace(eventType)
	aggregateID = strings.TrimSpace(aggregateID)
	if eventType == "" || aggregateID == "" {
		return domain.OutboxEvent{}, validationError("event type and aggregate id are required")
	}
	if strings.TrimSpace(aggregateType) == "" {
		aggregateType = domain.AggregateTypePayment
	}

	blob, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal outbox payload: %w", err)
	}

	priority := 0
	if eventType == domain.EventPaymentFailed {
		priority = 1
	}

	now := p.now().UTC()
	return domain.OutboxEvent{
		EventID:        uuid.New(),
		EventType:      eventType,
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		Payload:        blob,
		Status:         domain.OutboxStatusPending,
		Priority:       priority,
		MaxRetries:     p.maxRetries,
		IdempotencyKey: domain.OutboxIdempotencyKey(eventType, aggregateID),
		CreatedAt:      now,
		ScheduledAt:    now,
	}, nil
}

// PaymentEvent builds the outbox row describing a payment fact.
func (p *OutboxPublisher) PaymentEvent(eventType string, payment *domain.PaymentRequest, status domain.PaymentStatus, reason string) (domain.OutboxEvent, error) {
	payload := domain.PaymentEventPayload{
		PaymentID:      payment.ID,
		ReferenceKey:   payment.ReferenceKey,
		UserID:         payment.UserID,
		Status:         status,
		AmountLamports: payment.AmountLamports,
		Destination:    payment.Destination,
		Reason:         reason,
		OccurredAt:     p.now().UTC(),
	}
	if payment.SPLToken != nil {
		payload.Mint = payment.SPLToken.Mint
	}
	if payment.HasSignature() {
		payload.TxSignature = payment.TxSignature
	}
	return p.NewEvent(eventType, payment.ReferenceKey, domain.AggregateTypePayment, payload)
}

// Publish records one event on its own. It returns false when the same fact was
// already recorded for the aggregate. Store failures are returned so the caller
// can retry the triggering change as a unit.
func (p *OutboxPublisher) Publish(ctx context.Context, eventType, aggregateID, aggregateType string, payload interface{}) (bool, error) {
	event, err := p.NewEvent(eventType, aggregateID, aggregateType, payload)
	if err != nil {
		return false, err
	}

	recorded, err := p.repo.InsertOutboxEvent(ctx, &event)
	if err != nil {
		log.Printf("level=error component=outbox msg=\"event insert failed\" event_type=%s aggregate_id=%s err=%v", eventType, aggregateID, err)
		return false, err
	}
	if recorded {
		p.RecordedEvents(event.EventType)
		log.Printf("level=info component=outbox msg=\"event recorded\" event_type=%s aggregate_id=%s event_id=%s", eventType, aggregateID, event.EventID)
	} else {
		log.Printf("level=info component=outbox msg=\"event already recorded\" idempotency_key=%s", event.IdempotencyKey)
	}
	return recorded, nil
}

// RecordedEvents counts events that a transition wrote to the outbox.
func (p *OutboxPublisher) RecordedEvents(eventTypes ...string) {
	for _, eventType := range eventTypes {
		p.metrics.OutboxEventsRecorded.WithLabelValues(eventType).Inc()
	}
}
