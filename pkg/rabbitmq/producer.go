/**
 * @description
 * RabbitMQ producer used by the outbox dispatcher. Outbox rows already hold their
 * JSON payload, so messages are published as raw bytes with the event id as the
 * AMQP message id, which lets consumers drop redeliveries.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: AMQP 0-9-1 client.
 */

package rabbitmq

import (
	"context"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one outbox event ready for the broker.
type Message struct {
	ID        string
	Type      string
	Body      []byte
	Timestamp time.Time
}

// Publisher is implemented by anything that can deliver outbox messages.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	Close()
}

// ErrBrokerUnavailable is returned by FallbackPublisher so callers keep the
// message for a later attempt.
var ErrBrokerUnavailable = errors.New("rabbitmq broker unavailable")

// FallbackPublisher logs messages instead of delivering them. It is used when
// RABBITMQ_URL is unset or the broker is unreachable at startup.
type FallbackPublisher struct{}

func (p *FallbackPublisher) Publish(_ context.Context, exchange, routingKey string, msg Message) error {
	log.Printf("level=warn component=rabbitmq msg=\"broker unavailable, event not delivered\" exchange=%s routing_key=%s message_id=%s type=%s", exchange, routingKey, msg.ID, msg.Type)
	return ErrBrokerUnavailable
}

func (p *FallbackPublisher) Close() {}

// EventProducer publishes to durable topic exchanges.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	declared map[string]bool
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer dials the broker with a bounded timeout and opens a channel.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Publish sends msg once, reopening the channel and retrying a single time if
// the first attempt fails.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishLocked(ctx, exchange, routingKey, msg)
	if err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq msg=\"publish failed, reopening channel\" exchange=%s err=%v", exchange, err)

	if p.conn == nil || p.conn.IsClosed() {
		return err
	}
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return chErr
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return p.publishLocked(ctx, exchange, routingKey, msg)
}

func (p *EventProducer) publishLocked(ctx context.Context, exchange, routingKey string, msg Message) error {
	if !p.declared[exchange] {
		if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return err
		}
		p.declared[exchange] = true
	}

	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Type,
		Timestamp:    timestamp,
		Body:         msg.Body,
	})
}

// Close closes the channel and the connection.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
