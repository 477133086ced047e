package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strings"

	"github.com/transfa/payment-service/internal/domain"
)

// ErrInvalidWebhookSignature is returned when the HMAC header does not match the body.
var ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

// SettlementNotice is the body of a settlement webhook.
type SettlementNotice struct {
	Signature    string `json:"signature"`
	ReferenceKey string `json:"reference_key"`
}

// WebhookIngestor turns settlement notifications into verifications.
type WebhookIngestor struct {
	secret   []byte
	service  *Service
	verifier *Verifier
}

func NewWebhookIngestor(secret string, service *Service, verifier *Verifier) *WebhookIngestor {
	return &WebhookIngestor{
		secret:   []byte(secret),
		service:  service,
		verifier: verifier,
	}
}

// Enabled reports whether a webhook secret is configured.
func (w *WebhookIngestor) Enabled() bool {
	return len(w.secret) > 0
}

// Authenticate checks the hex encoded HMAC-SHA256 of body.
func (w *WebhookIngestor) Authenticate(body []byte, signatureHeader string) error {
	if !w.Enabled() {
		return ErrInvalidWebhookSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256="))
	if err != nil || len(provided) == 0 {
		return ErrInvalidWebhookSignature
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrInvalidWebhookSignature
	}
	return nil
}

// Ingest records the notified signature when the payment has none yet and
// verifies it against the stored amount. Redelivered notices are harmless.
func (w *WebhookIngestor) Ingest(ctx context.Context, notice SettlementNotice) (*VerifyResult, error) {
	notice.Signature = strings.TrimSpace(notice.Signature)
	notice.ReferenceKey = strings.TrimSpace(notice.ReferenceKey)
	if notice.ReferenceKey == "" {
		return nil, validationError("referenceKey is required")
	}
	if !domain.IsLedgerSignature(notice.Signature) {
		return nil, validationError("signature must be a base58 encoded 64-byte ledger signature")
	}

	payment, err := w.service.Resolve(ctx, PaymentLookup{ReferenceKey: notice.ReferenceKey})
	if err != nil {
		return nil, err
	}
	if !payment.HasSignature() && !payment.Status.IsTerminal() {
		payment, err = w.service.SubmitSignature(ctx, PaymentLookup{ReferenceKey: notice.ReferenceKey}, notice.Signature)
		if err != nil {
			return nil, err
		}
	}

	log.Printf("level=info component=webhook msg=\"settlement notice received\" reference_key=%s status=%s", notice.ReferenceKey, payment.Status)
	return w.verifier.Verify(ctx, notice.Signature, payment.ReferenceKey, payment.AmountLamports)
}
