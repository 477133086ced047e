package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/transfa/payment-service/internal/domain"
)

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookAuthenticate(t *testing.T) {
	ingestor := NewWebhookIngestor("s3cret", nil, nil)
	body := `{"signature":"abc","reference_key":"pay_1"}`

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{name: "valid", header: sign("s3cret", body)},
		{name: "valid with prefix", header: "sha256=" + sign("s3cret", body)},
		{name: "wrong secret", header: sign("other", body), wantErr: true},
		{name: "not hex", header: "zzzz", wantErr: true},
		{name: "missing", header: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ingestor.Authenticate([]byte(body), tt.header)
			if tt.wantErr && !errors.Is(err, ErrInvalidWebhookSignature) {
				t.Fatalf("expected invalid signature, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected nil error, got %v", err)
			}
		})
	}
}

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	ingestor := NewWebhookIngestor("", nil, nil)
	if ingestor.Enabled() {
		t.Fatal("expected webhook to be disabled")
	}
	if err := ingestor.Authenticate([]byte("{}"), sign("", "{}")); !errors.Is(err, ErrInvalidWebhookSignature) {
		t.Fatalf("expected rejection when disabled, got %v", err)
	}
}

func TestWebhookIngest_RecordsSignatureAndVerifies(t *testing.T) {
	h := newHarness()
	payment := h.create(t, "order-1")
	h.ledger.set(matching(payment, domain.CommitmentFinalized, testAmount), nil)
	ingestor := NewWebhookIngestor("s3cret", h.service, h.verifier)
	sig := testSignature(7)

	result, err := ingestor.Ingest(context.Background(), SettlementNotice{Signature: sig, ReferenceKey: payment.ReferenceKey})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.IsValid || result.Status != domain.StatusFinalized {
		t.Fatalf("expected finalized, got %+v", result)
	}

	stored, _ := h.repo.FindPaymentByID(context.Background(), payment.ID)
	if stored.TxSignature != sig {
		t.Fatalf("expected the notified signature to be stored, got %q", stored.TxSignature)
	}

	again, err := ingestor.Ingest(context.Background(), SettlementNotice{Signature: sig, ReferenceKey: payment.ReferenceKey})
	if err != nil {
		t.Fatalf("expected redelivery to succeed, got %v", err)
	}
	if again.Status != domain.StatusFinalized {
		t.Fatalf("expected finalized on redelivery, got %s", again.Status)
	}
	if len(h.repo.outboxTypes()) != 2 {
		t.Fatalf("expected redelivery to add no events, got %v", h.repo.outboxTypes())
	}
}

func TestWebhookIngest_UnknownReference(t *testing.T) {
	h := newHarness()
	ingestor := NewWebhookIngestor("s3cret", h.service, h.verifier)

	_, err := ingestor.Ingest(context.Background(), SettlementNotice{Signature: testSignature(1), ReferenceKey: "missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
