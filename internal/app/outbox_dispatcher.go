package app

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
	"github.com/transfa/payment-service/pkg/rabbitmq"
)

const (
	defaultDispatchBatchSize    = 50
	defaultDispatchPollInterval = 1200 * time.Millisecond
	defaultStaleProcessing      = 2 * time.Minute
	defaultOutboxExchange       = "payments.events"
)

// OutboxDispatcher delivers recorded outbox events to the broker.
type OutboxDispatcher struct {
	repo                store.Repository
	publisher           rabbitmq.Publisher
	exchange            string
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	metrics             *Metrics
}

// NewOutboxDispatcher wires a dispatcher. Zero values fall back to the defaults.
func NewOutboxDispatcher(repo store.Repository, publisher rabbitmq.Publisher, exchange string, batchSize int, pollInterval time.Duration, metrics *Metrics) *OutboxDispatcher {
	if publisher == nil {
		publisher = &rabbitmq.FallbackPublisher{}
	}
	if strings.TrimSpace(exchange) == "" {
		exchange = defaultOutboxExchange
	}
	if batchSize <= 0 {
		batchSize = defaultDispatchBatchSize
	}
	if pollInterval <= 0 {
		pollInterval = defaultDispatchPollInterval
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &OutboxDispatcher{
		repo:                repo,
		publisher:           publisher,
		exchange:            exchange,
		batchSize:           batchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
		metrics:             metrics,
	}
}

// Run flushes the outbox on every tick until ctx is cancelled.
func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil {
				log.Printf("level=error component=outbox msg=\"outbox flush failed\" err=%v", err)
			}
		}
	}
}

// FlushOnce claims one batch and tries to deliver each event. It returns the
// number of events published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	events, err := d.repo.ClaimOutboxEvents(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, event := range events {
		if err := d.publish(ctx, event); err != nil {
			d.handleFailure(ctx, event, err)
			continue
		}
		if err := d.repo.MarkOutboxEventPublished(ctx, event.EventID); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark event published\" event_id=%s err=%v", event.EventID, err)
			continue
		}
		d.metrics.OutboxDispatch.WithLabelValues("published").Inc()
		published++
	}
	return published, nil
}

func (d *OutboxDispatcher) publish(ctx context.Context, event domain.OutboxEvent) error {
	return d.publisher.Publish(ctx, d.exchange, RoutingKey(event.EventType), rabbitmq.Message{
		ID:        event.EventID.String(),
		Type:      event.EventType,
		Body:      event.Payload,
		Timestamp: event.CreatedAt,
	})
}

func (d *OutboxDispatcher) handleFailure(ctx context.Context, event domain.OutboxEvent, publishErr error) {
	attempts := event.RetryCount + 1
	maxRetries := event.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.DefaultOutboxMaxRetries
	}

	if attempts >= maxRetries {
		d.metrics.OutboxDispatch.WithLabelValues("failed").Inc()
		log.Printf("level=error component=outbox msg=\"event delivery abandoned\" event_id=%s event_type=%s attempts=%d err=%v", event.EventID, event.EventType, attempts, publishErr)
		if err := d.repo.MarkOutboxEventFailed(ctx, event.EventID, publishErr.Error()); err != nil {
			log.Printf("level=error component=outbox msg=\"failed to mark event failed\" event_id=%s err=%v", event.EventID, err)
		}
		return
	}

	retryAfter := retryDelaySeconds(attempts)
	d.metrics.OutboxDispatch.WithLabelValues("retry").Inc()
	log.Printf("level=warn component=outbox msg=\"event delivery failed, rescheduled\" event_id=%s event_type=%s attempts=%d retry_after_seconds=%d err=%v", event.EventID, event.EventType, attempts, retryAfter, publishErr)
	if err := d.repo.MarkOutboxEventRetry(ctx, event.EventID, retryAfter, publishErr.Error()); err != nil {
		log.Printf("level=error component=outbox msg=\"failed to reschedule event\" event_id=%s err=%v", event.EventID, err)
	}
}

// RoutingKey maps PAYMENT_VERIFIED to payment.verified.
func RoutingKey(eventType string) string {
	return strings.ToLower(strings.Replace(eventType, "_", ".", 1))
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
