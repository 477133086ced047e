package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/payment-service/internal/domain"
)

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (RateDecision, error) {
	return RateDecision{}, errors.New("redis: connection refused")
}

func newPoller(h *harness, limiter RateLimiter, maxBulk int) *StatusPoller {
	return NewStatusPoller(h.service, h.verifier, h.repo, limiter, nil, maxBulk)
}

func TestCheckStatus_VerifiesSignedPayment(t *testing.T) {
	h := newHarness()
	sig := testSignature(1)
	payment := h.createSigned(t, "order-1", sig)
	h.ledger.set(matching(payment, domain.CommitmentConfirmed, testAmount), nil)
	poller := newPoller(h, NewFixedWindowLimiter(10, time.Minute), 0)

	result, err := poller.CheckStatus(context.Background(), "client-a", PaymentLookup{PaymentID: payment.ID.String()})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Payment.Status != domain.StatusVerified {
		t.Fatalf("expected refreshed verified payment, got %s", result.Payment.Status)
	}
	if result.Verification == nil || !result.Verification.IsValid {
		t.Fatalf("expected a valid verification, got %+v", result.Verification)
	}
	if result.RateLimit.Limit != 10 || result.RateLimit.Remaining != 9 {
		t.Fatalf("unexpected rate decision %+v", result.RateLimit)
	}
	if last := result.Timeline[len(result.Timeline)-1]; last.Status != string(domain.StatusVerified) {
		t.Fatalf("expected timeline to end at verified, got %+v", result.Timeline)
	}
}

func TestCheckStatus_UnsignedPaymentDoesNotTouchLedger(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")
	poller := newPoller(h, nil, 0)

	result, err := poller.CheckStatus(context.Background(), "client-a", PaymentLookup{ReferenceKey: payment.ReferenceKey})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Verification != nil || h.ledger.queries.Load() != 0 {
		t.Fatal("did not expect verification for an unsigned payment")
	}
}

func TestCheckStatus_RateLimitsPerClient(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")
	poller := newPoller(h, NewFixedWindowLimiter(1, time.Minute), 0)
	lookup := PaymentLookup{PaymentID: payment.ID.String()}

	if _, err := poller.CheckStatus(context.Background(), "client-a", lookup); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	_, err := poller.CheckStatus(context.Background(), "client-a", lookup)
	var limited *RateLimitError
	if !errors.As(err, &limited) || !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if limited.RetryAfterSeconds() < 1 {
		t.Fatalf("expected a positive retry hint, got %d", limited.RetryAfterSeconds())
	}
	if _, err := poller.CheckStatus(context.Background(), "client-b", lookup); err != nil {
		t.Fatalf("expected other clients to be unaffected, got %v", err)
	}
}

func TestCheckStatus_LimiterFailureAllowsPoll(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")
	poller := newPoller(h, failingLimiter{}, 0)

	if _, err := poller.CheckStatus(context.Background(), "client-a", PaymentLookup{PaymentID: payment.ID.String()}); err != nil {
		t.Fatalf("expected poll to be allowed, got %v", err)
	}
}

func TestBulkStatus_FiltersAndDeduplicates(t *testing.T) {
	h := newHarness()
	first := h.create(t, "order-1")
	second := h.create(t, "order-2")
	foreign, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      "order-3",
		UserID:         "other-user",
		AmountLamports: 5,
		Destination:    testDestination,
	})
	if err != nil {
		t.Fatalf("create foreign payment: %v", err)
	}
	poller := newPoller(h, nil, 5)

	result, err := poller.BulkStatus(context.Background(), []string{
		first.ID.String(),
		first.ID.String(),
		second.ReferenceKey,
		foreign.Payment.ID.String(),
		"unknown-reference",
	}, testUser)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Requested != 5 || result.Checked != 2 || len(result.Payments) != 2 {
		t.Fatalf("expected two visible payments out of five ids, got %+v", result)
	}
	for _, payment := range result.Payments {
		if payment.UserID != testUser {
			t.Fatalf("leaked another user's payment: %+v", payment)
		}
	}
	if h.ledger.queries.Load() != 0 {
		t.Fatal("bulk reads must not query the ledger")
	}
}

func TestBulkStatus_ValidatesIDs(t *testing.T) {
	h := newHarness()
	poller := newPoller(h, nil, 2)

	cases := map[string][]string{
		"empty":    nil,
		"too many": {"a", "b", "c"},
		"blank id": {"a", "  "},
	}
	for name, ids := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := poller.BulkStatus(context.Background(), ids, ""); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
