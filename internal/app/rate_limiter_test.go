package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/payment-service/internal/domain"
)

func TestFixedWindowLimiter_ResetsAfterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewFixedWindowLimiter(2, time.Minute)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		decision, _ := limiter.Allow(context.Background(), "client")
		if !decision.Allowed || decision.Remaining != 1-i {
			t.Fatalf("request %d: unexpected decision %+v", i, decision)
		}
	}

	now = now.Add(20 * time.Second)
	decision, _ := limiter.Allow(context.Background(), "client")
	if decision.Allowed {
		t.Fatal("expected third request in the window to be rejected")
	}
	if decision.RetryAfter != 40*time.Second {
		t.Fatalf("expected 40s retry hint, got %s", decision.RetryAfter)
	}

	now = now.Add(40 * time.Second)
	decision, _ = limiter.Allow(context.Background(), "client")
	if !decision.Allowed {
		t.Fatal("expected a new window after reset")
	}
}

func TestFixedWindowLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewFixedWindowLimiter(5, time.Minute)
	limiter.now = func() time.Time { return now }

	limiter.Allow(context.Background(), "a")
	limiter.Allow(context.Background(), "b")
	if removed := limiter.Sweep(); removed != 0 {
		t.Fatalf("expected open windows to survive, removed %d", removed)
	}

	now = now.Add(time.Minute)
	if removed := limiter.Sweep(); removed != 2 {
		t.Fatalf("expected both windows swept, removed %d", removed)
	}
}

func TestVerificationCache_CoalescesAndExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewVerificationCache(10 * time.Second)
	cache.now = func() time.Time { return now }

	status, _, done := cache.CheckAndMark("sig")
	if status != CacheMiss {
		t.Fatalf("expected miss, got %v", status)
	}
	status, _, waitOn := cache.CheckAndMark("sig")
	if status != CacheInFlight || waitOn != done {
		t.Fatalf("expected in-flight with the owner's channel, got %v", status)
	}

	result := make(chan *domain.LedgerTransaction, 1)
	go func() {
		observation, _ := cache.WaitForResult(context.Background(), "sig", waitOn)
		result <- observation
	}()

	cache.Complete("sig", &domain.LedgerTransaction{Signature: "sig", Found: true}, done)
	if observation := <-result; observation == nil || !observation.Found {
		t.Fatalf("expected waiter to receive the observation, got %+v", observation)
	}

	if status, observation, _ := cache.CheckAndMark("sig"); status != CacheHit || observation == nil {
		t.Fatalf("expected hit, got %v", status)
	}

	now = now.Add(10 * time.Second)
	if removed := cache.Sweep(); removed != 1 {
		t.Fatalf("expected expired entry swept, removed %d", removed)
	}
}

func TestVerificationCache_FailReleasesWaitersWithoutCaching(t *testing.T) {
	cache := NewVerificationCache(time.Minute)

	_, _, done := cache.CheckAndMark("sig")
	_, _, waitOn := cache.CheckAndMark("sig")
	cache.Fail("sig", done)

	observation, err := cache.WaitForResult(context.Background(), "sig", waitOn)
	if err != nil || observation != nil {
		t.Fatalf("expected nil observation after failure, got %+v %v", observation, err)
	}
	if status, _, _ := cache.CheckAndMark("sig"); status != CacheMiss {
		t.Fatalf("expected the next caller to own a fresh lookup, got %v", status)
	}
}
