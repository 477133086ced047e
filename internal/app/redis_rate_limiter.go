package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var pollRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter shares fixed windows across replicas through Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	scope  string
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix, scope string, limit int, window time.Duration) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "payments"
	}
	if strings.TrimSpace(scope) == "" {
		scope = "poll"
	}
	if limit <= 0 {
		limit = 60
	}
	if window < time.Second {
		window = time.Minute
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":rate_limit",
		scope:  scope,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	key = strings.TrimSpace(key)
	if r == nil || r.client == nil || key == "" {
		return RateDecision{Allowed: true}, nil
	}

	windowMs := r.window.Milliseconds()
	redisKey := fmt.Sprintf("%s:%s:%s", r.prefix, r.scope, key)
	rawResult, err := pollRateLimitScript.Run(ctx, r.client, []string{redisKey}, windowMs).Result()
	if err != nil {
		return RateDecision{}, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return RateDecision{}, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	ttl := time.Duration(ttlMs) * time.Millisecond
	decision := RateDecision{
		Limit:   r.limit,
		ResetAt: r.now().Add(ttl),
	}
	if int(count) > r.limit {
		decision.RetryAfter = ttl
		return decision, nil
	}
	decision.Allowed = true
	decision.Remaining = r.limit - int(count)
	return decision, nil
}
