package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/payment-service/internal/domain"
)

// DefaultRelayChannel is the Redis channel status changes travel on.
const DefaultRelayChannel = "payments:status"

// RedisRelay fans status changes out to every replica through Redis pub/sub.
// Each replica runs one relay; Run feeds received changes into the local hub.
type RedisRelay struct {
	client  redis.UniversalClient
	channel string
	hub     *Hub
}

func NewRedisRelay(client redis.UniversalClient, channel string, h *Hub) *RedisRelay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &RedisRelay{client: client, channel: channel, hub: h}
}

// Publish sends a committed status change to every replica.
func (r *RedisRelay) Publish(ctx context.Context, payment *domain.PaymentRequest) error {
	blob, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	return r.client.Publish(ctx, r.channel, blob).Err()
}

// Run subscribes to the channel and broadcasts every change locally until ctx
// is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	log.Printf("level=info component=relay msg=\"status relay subscribed\" channel=%s", r.channel)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var payment domain.PaymentRequest
			if err := json.Unmarshal([]byte(msg.Payload), &payment); err != nil {
				log.Printf("level=warn component=relay msg=\"dropping malformed status change\" err=%v", err)
				continue
			}
			r.hub.Broadcast(&payment)
		}
	}
}
