package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/payment-service/internal/domain"
)

type countingSweeper struct {
	calls   int
	removed int
}

func (s *countingSweeper) Sweep() int {
	s.calls++
	return s.removed
}

func TestReconcile_AdvancesStaleSignedPayments(t *testing.T) {
	h := newHarness()
	signed := h.createSigned(t, "order-1", testSignature(1))
	unsigned := h.create(t, "order-2")
	h.ledger.set(matching(signed, domain.CommitmentFinalized, testAmount), nil)

	jobs := NewJobs(h.repo, h.verifier, nil, nil)
	jobs.now = func() time.Time { return h.repo.now.Add(time.Hour) }

	advanced, err := jobs.reconcile(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if advanced != 1 {
		t.Fatalf("expected one payment advanced, got %d", advanced)
	}

	stored, _ := h.repo.FindPaymentByID(context.Background(), signed.ID)
	if stored.Status != domain.StatusFinalized {
		t.Fatalf("expected finalized, got %s", stored.Status)
	}
	untouched, _ := h.repo.FindPaymentByID(context.Background(), unsigned.ID)
	if untouched.Status != domain.StatusPending {
		t.Fatalf("expected unsigned payment untouched, got %s", untouched.Status)
	}
}

func TestReconcile_SkipsRecentlyTouchedPayments(t *testing.T) {
	h := newHarness()
	h.createSigned(t, "order-1", testSignature(1))

	jobs := NewJobs(h.repo, h.verifier, nil, nil)
	jobs.now = func() time.Time { return h.repo.now }

	advanced, err := jobs.reconcile(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if advanced != 0 || h.ledger.queries.Load() != 0 {
		t.Fatalf("did not expect recent payments to be verified, advanced=%d", advanced)
	}
}

func TestSweepExpired_RunsEverySweeper(t *testing.T) {
	cache := &countingSweeper{removed: 3}
	limiter := &countingSweeper{}
	jobs := NewJobs(newMemoryRepo(), nil, map[string]Sweeper{
		"verification_cache": cache,
		"poll_rate_limiter":  limiter,
		"disabled":           nil,
	}, nil)

	jobs.SweepExpired()

	if cache.calls != 1 || limiter.calls != 1 {
		t.Fatalf("expected each sweeper once, got cache=%d limiter=%d", cache.calls, limiter.calls)
	}
}
