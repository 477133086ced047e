package app

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

const defaultBulkStatusMaxIDs = 50

// PollResult is the answer to one status poll.
type PollResult struct {
	Payment      *domain.PaymentRequest
	Timeline     []domain.TimelineEntry
	Verification *VerifyResult
	RateLimit    RateDecision
}

// BulkResult is the answer to a bulk status read.
type BulkResult struct {
	Payments  []domain.PaymentRequest `json:"payments"`
	Checked   int                     `json:"checked"`
	Requested int                     `json:"requested"`
}

// StatusPoller serves the polling side of the status hub.
type StatusPoller struct {
	service  *Service
	verifier *Verifier
	repo     store.Repository
	limiter  RateLimiter
	metrics  *Metrics
	maxBulk  int
}

// NewStatusPoller wires the poller. maxBulk <= 0 uses the default of 50.
func NewStatusPoller(service *Service, verifier *Verifier, repo store.Repository, limiter RateLimiter, metrics *Metrics, maxBulk int) *StatusPoller {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if maxBulk <= 0 {
		maxBulk = defaultBulkStatusMaxIDs
	}
	return &StatusPoller{
		service:  service,
		verifier: verifier,
		repo:     repo,
		limiter:  limiter,
		metrics:  metrics,
		maxBulk:  maxBulk,
	}
}

// CheckStatus rate limits the client, resolves the payment, and verifies it
// against the ledger when a signature is waiting on a final answer.
func (p *StatusPoller) CheckStatus(ctx context.Context, clientKey string, lookup PaymentLookup) (*PollResult, error) {
	decision := RateDecision{Allowed: true}
	if p.limiter != nil {
		d, err := p.limiter.Allow(ctx, clientKey)
		if err != nil {
			log.Printf("level=warn component=poller msg=\"rate limiter unavailable, allowing poll\" err=%v", err)
		} else {
			decision = d
		}
	}
	if !decision.Allowed {
		p.metrics.PollRateLimited.Inc()
		return nil, &RateLimitError{RetryAfter: decision.RetryAfter, ResetAt: decision.ResetAt}
	}

	payment, err := p.service.Resolve(ctx, lookup)
	if err != nil {
		return nil, err
	}

	result := &PollResult{Payment: payment, RateLimit: decision}
	if payment.NeedsVerification() && p.verifier != nil {
		verification, verr := p.verifier.Verify(ctx, payment.TxSignature, payment.ReferenceKey, payment.AmountLamports)
		if verr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("level=warn component=poller msg=\"verification during poll failed\" payment_id=%s err=%v", payment.ID, verr)
			verification = &VerifyResult{Status: payment.Status, Error: verr.Error()}
		}
		result.Verification = verification

		refreshed, err := p.repo.FindPaymentByID(ctx, payment.ID)
		if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
			return nil, err
		}
		if refreshed != nil {
			result.Payment = refreshed
		}
	}

	result.Timeline = domain.BuildTimeline(result.Payment)
	return result, nil
}

// BulkStatus reads up to maxBulk payments by id or reference key. It never
// touches the ledger. Unknown ids and payments owned by another user are
// silently left out.
func (p *StatusPoller) BulkStatus(ctx context.Context, ids []string, userID string) (*BulkResult, error) {
	if len(ids) == 0 {
		return nil, validationError("ids must contain at least one payment id")
	}
	if len(ids) > p.maxBulk {
		return nil, validationError("at most %d ids are allowed per request", p.maxBulk)
	}

	seen := make(map[string]struct{}, len(ids))
	var (
		uuids         []uuid.UUID
		referenceKeys []string
	)
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, validationError("ids must not contain empty values")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if parsed, err := uuid.Parse(id); err == nil {
			uuids = append(uuids, parsed)
		} else {
			referenceKeys = append(referenceKeys, id)
		}
	}

	payments, err := p.repo.FindPayments(ctx, uuids, referenceKeys)
	if err != nil {
		return nil, err
	}

	userID = strings.TrimSpace(userID)
	visible := make([]domain.PaymentRequest, 0, len(payments))
	for _, payment := range payments {
		if userID != "" && payment.UserID != userID {
			continue
		}
		visible = append(visible, payment)
	}

	return &BulkResult{
		Payments:  visible,
		Checked:   len(visible),
		Requested: len(ids),
	}, nil
}
