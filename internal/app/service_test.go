package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/transfa/payment-service/internal/domain"
)

func TestCreate_StoresPendingPaymentWithDerivedReference(t *testing.T) {
	h := newHarness()

	result, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      "order-1",
		UserID:         testUser,
		AmountLamports: testAmount,
		Destination:    testDestination,
		Metadata:       map[string]string{"cart": "42"},
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	payment := result.Payment
	if payment.ReferenceKey != domain.DeriveReferenceKey("order-1", testUser) {
		t.Fatalf("expected derived reference key, got %q", payment.ReferenceKey)
	}
	if payment.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", payment.Status)
	}
	if payment.TxSignature != domain.PlaceholderSignature {
		t.Fatalf("expected placeholder signature, got %q", payment.TxSignature)
	}
	if string(result.Transaction) != "unsigned:"+payment.ReferenceKey {
		t.Fatalf("unexpected transaction bytes %q", result.Transaction)
	}
	if got := h.ledger.built[0]; got.Payer != testUser || got.Destination != testDestination || got.AmountLamports != testAmount {
		t.Fatalf("unexpected transfer request %+v", got)
	}

	view, err := h.service.GetStatus(context.Background(), PaymentLookup{PaymentID: payment.ID.String()})
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Metadata["cart"] != "42" {
		t.Fatalf("expected metadata to be stored, got %v", view.Metadata)
	}
	if len(view.Timeline) != 1 || view.Timeline[0].Status != "created" {
		t.Fatalf("unexpected timeline %+v", view.Timeline)
	}
}

func TestCreate_KeepsCallerReferenceKey(t *testing.T) {
	h := newHarness()

	result, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      "order-2",
		UserID:         testUser,
		AmountLamports: 10,
		Destination:    testDestination,
		ReferenceKey:   "  pay_custom  ",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Payment.ReferenceKey != "pay_custom" {
		t.Fatalf("expected trimmed caller key, got %q", result.Payment.ReferenceKey)
	}
}

func TestCreate_RejectsDuplicateReferenceBeforeBuilding(t *testing.T) {
	h := newHarness()
	h.create(t, "order-1")

	_, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      "order-1",
		UserID:         testUser,
		AmountLamports: testAmount,
		Destination:    testDestination,
	})
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected idempotency conflict, got %v", err)
	}
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ReferenceKey != domain.DeriveReferenceKey("order-1", testUser) {
		t.Fatalf("expected conflict to carry the reference key, got %v", err)
	}
	if len(h.ledger.built) != 1 {
		t.Fatalf("expected the ledger to be used once, got %d builds", len(h.ledger.built))
	}
}

func TestCreate_RejectsSamePaymentAndUserUnderAnotherReference(t *testing.T) {
	h := newHarness()
	create := func(referenceKey string) error {
		_, err := h.service.Create(context.Background(), CreatePaymentInput{
			PaymentID:      "order-1",
			UserID:         testUser,
			AmountLamports: testAmount,
			Destination:    testDestination,
			ReferenceKey:   referenceKey,
		})
		return err
	}

	if err := create("ref-a"); err != nil {
		t.Fatalf("expected first create to succeed, got %v", err)
	}
	err := create("ref-b")
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.ReferenceKey != "ref-a" {
		t.Fatalf("expected conflict carrying the stored reference key, got %v", err)
	}
	if len(h.repo.payments) != 1 {
		t.Fatalf("expected one row for the payment and user, got %d", len(h.repo.payments))
	}
	if len(h.ledger.built) != 1 {
		t.Fatalf("expected the ledger to be used once, got %d builds", len(h.ledger.built))
	}

	found, err := h.service.Resolve(context.Background(), PaymentLookup{PaymentID: "order-1", UserID: testUser})
	if err != nil || found.ReferenceKey != "ref-a" {
		t.Fatalf("expected lookup by payment and user to find the caller-keyed row, got %+v %v", found, err)
	}
}

func TestCreate_BuildFailureKeepsAttemptWhenTransitionFails(t *testing.T) {
	h := newHarness()
	h.ledger.buildErr = errors.New("blockhash unavailable")
	h.repo.transitionErr = errors.New("connection reset")

	_, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      "order-4",
		UserID:         testUser,
		AmountLamports: testAmount,
		Destination:    testDestination,
	})
	if !errors.Is(err, ErrTransactionBuild) || !errors.Is(err, h.repo.transitionErr) {
		t.Fatalf("expected build and store errors, got %v", err)
	}

	stored, findErr := h.repo.FindPaymentByReferenceKey(context.Background(), domain.DeriveReferenceKey("order-4", testUser))
	if findErr != nil {
		t.Fatalf("expected stored payment, got %v", findErr)
	}
	attempts := h.repo.attemptsFor(stored.ID)
	if len(attempts) != 1 || attempts[0].AttemptType != domain.AttemptTypeBuild || attempts[0].ErrorMessage != "blockhash unavailable" {
		t.Fatalf("expected the build attempt to be recorded, got %+v", attempts)
	}
}

func TestCreate_BuildFailureFailsThePayment(t *testing.T) {
	h := newHarness()
	h.ledger.buildErr = errors.New("blockhash unavailable")

	_, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      "order-3",
		UserID:         testUser,
		AmountLamports: testAmount,
		Destination:    testDestination,
	})
	if !errors.Is(err, ErrTransactionBuild) {
		t.Fatalf("expected build error, got %v", err)
	}

	stored, err := h.repo.FindPaymentByReferenceKey(context.Background(), domain.DeriveReferenceKey("order-3", testUser))
	if err != nil {
		t.Fatalf("expected stored payment, got %v", err)
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
	attempts := h.repo.attemptsFor(stored.ID)
	if len(attempts) != 1 || attempts[0].AttemptType != domain.AttemptTypeBuild || attempts[0].Status != domain.AttemptStatusFailed {
		t.Fatalf("expected one failed build attempt, got %+v", attempts)
	}
	if types := h.repo.outboxTypes(); len(types) != 1 || types[0] != domain.EventPaymentFailed {
		t.Fatalf("expected PAYMENT_FAILED event, got %v", types)
	}
	if h.repo.outbox[0].Priority != 1 {
		t.Fatalf("expected failure events to be prioritised, got %d", h.repo.outbox[0].Priority)
	}
}

func TestCreate_ValidatesInput(t *testing.T) {
	longKey := strings.Repeat("k", maxMetadataKeyLen+1)
	tooMany := make(map[string]string, maxMetadataEntries+1)
	for i := 0; i <= maxMetadataEntries; i++ {
		tooMany[strings.Repeat("m", i+1)] = "v"
	}

	tests := []struct {
		name  string
		input CreatePaymentInput
	}{
		{name: "missing payment id", input: CreatePaymentInput{UserID: testUser, AmountLamports: 1, Destination: testDestination}},
		{name: "missing user", input: CreatePaymentInput{PaymentID: "p", AmountLamports: 1, Destination: testDestination}},
		{name: "zero amount", input: CreatePaymentInput{PaymentID: "p", UserID: testUser, Destination: testDestination}},
		{name: "negative amount", input: CreatePaymentInput{PaymentID: "p", UserID: testUser, AmountLamports: -5, Destination: testDestination}},
		{name: "missing destination", input: CreatePaymentInput{PaymentID: "p", UserID: testUser, AmountLamports: 1}},
		{name: "token without mint", input: CreatePaymentInput{PaymentID: "p", UserID: testUser, AmountLamports: 1, Destination: testDestination, SPLToken: &domain.SPLToken{}}},
		{name: "metadata key too long", input: CreatePaymentInput{PaymentID: "p", UserID: testUser, AmountLamports: 1, Destination: testDestination, Metadata: map[string]string{longKey: "v"}}},
		{name: "too many metadata entries", input: CreatePaymentInput{PaymentID: "p", UserID: testUser, AmountLamports: 1, Destination: testDestination, Metadata: tooMany}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			_, err := h.service.Create(context.Background(), tt.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if len(h.ledger.built) != 0 {
				t.Fatal("did not expect the ledger to be called")
			}
		})
	}
}

func TestResolve_LookupOrder(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-9")

	lookups := map[string]PaymentLookup{
		"by id":                   {PaymentID: payment.ID.String()},
		"by reference key":        {ReferenceKey: payment.ReferenceKey},
		"by external id and user": {PaymentID: "order-9", UserID: testUser},
		"by raw reference":        {PaymentID: payment.ReferenceKey},
	}
	for name, lookup := range lookups {
		t.Run(name, func(t *testing.T) {
			found, err := h.service.Resolve(context.Background(), lookup)
			if err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
			if found.ID != payment.ID {
				t.Fatalf("resolved the wrong payment: %s", found.ID)
			}
		})
	}
}

func TestResolve_OtherUsersPaymentIsNotFound(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")

	_, err := h.service.Resolve(context.Background(), PaymentLookup{PaymentID: payment.ID.String(), UserID: "someone-else"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = h.service.Resolve(context.Background(), PaymentLookup{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty lookup, got %v", err)
	}
}

func TestSubmitSignature_MovesToScanningOnce(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")
	lookup := PaymentLookup{PaymentID: payment.ID.String()}
	sig := testSignature(1)

	updated, err := h.service.SubmitSignature(context.Background(), lookup, sig)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.Status != domain.StatusScanning || updated.TxSignature != sig {
		t.Fatalf("expected scanning with signature, got %s %q", updated.Status, updated.TxSignature)
	}

	again, err := h.service.SubmitSignature(context.Background(), lookup, sig)
	if err != nil {
		t.Fatalf("expected resubmission to be a no-op, got %v", err)
	}
	if again.Status != domain.StatusScanning {
		t.Fatalf("expected scanning, got %s", again.Status)
	}
	if got := h.notifier.seen(); len(got) != 1 {
		t.Fatalf("expected one notification, got %v", got)
	}

	_, err = h.service.SubmitSignature(context.Background(), lookup, testSignature(2))
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Fatalf("expected conflict for a different signature, got %v", err)
	}
}

func TestSubmitSignature_RejectsMalformedSignature(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")

	_, err := h.service.SubmitSignature(context.Background(), PaymentLookup{PaymentID: payment.ID.String()}, "not-a-signature")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
