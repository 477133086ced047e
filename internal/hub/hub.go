/**
 * @description
 * The push side of the Status Distribution Hub. It keeps the open status streams
 * per payment, caps how many may watch one payment, and fans each committed status
 * change out to them.
 *
 * @notes
 * - Registries are keyed by the canonical payment id (the UUID string), so streams
 *   opened by reference key and by id see the same broadcasts.
 * - Broadcasts never block: a subscriber that cannot take a frame is dropped.
 */

package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/transfa/payment-service/internal/domain"
)

// ErrCapacity is returned when a payment already has the maximum number of streams.
var ErrCapacity = errors.New("too many status streams for this payment")

// Observer receives connection counts. *app.Metrics satisfies it.
type Observer interface {
	StreamOpened()
	StreamClosed()
	StreamRejectedAtCapacity()
}

// Relay carries status changes to every replica, this one included.
type Relay interface {
	Publish(ctx context.Context, payment *domain.PaymentRequest) error
}

// Config tunes the hub.
type Config struct {
	MaxPerPayment int
	Heartbeat     time.Duration
	IdleTimeout   time.Duration
	BufferSize    int
}

type noopObserver struct{}

func (noopObserver) StreamOpened()             {}
func (noopObserver) StreamClosed()             {}
func (noopObserver) StreamRejectedAtCapacity() {}

// Hub is the registry of open status streams.
type Hub struct {
	cfg      Config
	observer Observer

	mu     sync.Mutex
	subs   map[string]map[uint64]*Subscriber
	nextID uint64
	relay  Relay
}

// New creates a hub. Zero config values fall back to 100 streams per payment,
// a 30s heartbeat and a 60s idle timeout.
func New(cfg Config, observer Observer) *Hub {
	if cfg.MaxPerPayment <= 0 {
		cfg.MaxPerPayment = 100
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if observer == nil {
		observer = noopObserver{}
	}
	return &Hub{
		cfg:      cfg,
		observer: observer,
		subs:     make(map[string]map[uint64]*Subscriber),
	}
}

// SetRelay routes NotifyStatus through a cross-replica relay.
func (h *Hub) SetRelay(relay Relay) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.relay = relay
}

// Subscribe registers a stream for paymentKey and starts its timers.
func (h *Hub) Subscribe(paymentKey string) (*Subscriber, error) {
	h.mu.Lock()
	streams := h.subs[paymentKey]
	if len(streams) >= h.cfg.MaxPerPayment {
		h.mu.Unlock()
		h.observer.StreamRejectedAtCapacity()
		log.Printf("level=warn component=hub msg=\"stream rejected at capacity\" payment_id=%s max=%d", paymentKey, h.cfg.MaxPerPayment)
		return nil, ErrCapacity
	}
	if streams == nil {
		streams = make(map[uint64]*Subscriber)
		h.subs[paymentKey] = streams
	}
	h.nextID++
	sub := newSubscriber(h, h.nextID, paymentKey)
	streams[sub.id] = sub
	h.mu.Unlock()

	h.observer.StreamOpened()
	sub.start(h.cfg.Heartbeat)
	return sub, nil
}

func (h *Hub) remove(sub *Subscriber) {
	h.mu.Lock()
	streams, ok := h.subs[sub.paymentKey]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := streams[sub.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(streams, sub.id)
	if len(streams) == 0 {
		delete(h.subs, sub.paymentKey)
	}
	h.mu.Unlock()

	h.observer.StreamClosed()
}

// Broadcast offers payment to every local stream watching it and returns how
// many accepted the frame. Streams that cannot accept are closed.
func (h *Hub) Broadcast(payment *domain.PaymentRequest) int {
	if payment == nil {
		return 0
	}
	key := payment.ID.String()

	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs[key]))
	for _, sub := range h.subs[key] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.Offer(payment) {
			delivered++
			continue
		}
		sub.Close(ReasonSlowReader)
	}
	return delivered
}

// NotifyStatus publishes a committed status change. With a relay configured the
// relay delivers it back to this hub; if the relay fails the change is still
// broadcast locally.
func (h *Hub) NotifyStatus(ctx context.Context, payment *domain.PaymentRequest) {
	h.mu.Lock()
	relay := h.relay
	h.mu.Unlock()

	if relay != nil {
		err := relay.Publish(ctx, payment)
		if err == nil {
			return
		}
		log.Printf("level=warn component=hub msg=\"relay publish failed, broadcasting locally\" payment_id=%s err=%v", payment.ID, err)
	}
	h.Broadcast(payment)
}

// Count reports open streams for one payment.
func (h *Hub) Count(paymentKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[paymentKey])
}

// ActiveConnections reports open streams across all payments.
func (h *Hub) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, streams := range h.subs {
		total += len(streams)
	}
	return total
}

// CloseAll closes every stream, e.g. on shutdown.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	var all []*Subscriber
	for _, streams := range h.subs {
		for _, sub := range streams {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Close(reason)
	}
}
