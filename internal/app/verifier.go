/**
 * @description
 * The Verification Engine. It checks a payer's ledger signature against the stored
 * payment request and advances the request along the status ladder.
 *
 * @notes
 * - Ledger observations are memoized per signature by the VerificationCache so a
 *   burst of polls, webhooks and reconcile runs costs one RPC round trip.
 * - The status change, its audit attempt and its outbox events are committed
 *   together by store.TransitionPayment.
 * - Ledger transport failures are reported in the result, never cached, and leave
 *   the payment untouched.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

// Error kinds reported in VerifyResult.ErrorKind.
const (
	VerifyErrorMismatch          = "verification_mismatch"
	VerifyErrorLedgerUnavailable = "ledger_unavailable"
)

// VerifyResult is the outcome of one verification.
type VerifyResult struct {
	IsValid     bool                 `json:"is_valid"`
	Status      domain.PaymentStatus `json:"status"`
	Amount      *int64               `json:"amount,omitempty"`
	Destination string               `json:"destination,omitempty"`
	Error       string               `json:"error,omitempty"`
	ErrorKind   string               `json:"error_kind,omitempty"`
	Cached      bool                 `json:"cached"`
}

// Verifier is the Verification Engine.
type Verifier struct {
	repo     store.Repository
	ledger   LedgerClient
	cache    *VerificationCache
	outbox   *OutboxPublisher
	notifier StatusNotifier
	metrics  *Metrics
}

// NewVerifier wires the Verification Engine.
func NewVerifier(repo store.Repository, ledger LedgerClient, cache *VerificationCache, outbox *OutboxPublisher, notifier StatusNotifier, metrics *Metrics) *Verifier {
	if cache == nil {
		cache = NewVerificationCache(0)
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if outbox == nil {
		outbox = NewOutboxPublisher(repo, metrics)
	}
	return &Verifier{
		repo:     repo,
		ledger:   ledger,
		cache:    cache,
		outbox:   outbox,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Cache exposes the verification cache to the sweep job.
func (v *Verifier) Cache() *VerificationCache {
	return v.cache
}

// verdict is the pure evaluation of one observation against one payment.
type verdict struct {
	target      domain.PaymentStatus
	valid       bool
	mismatch    bool
	reason      string
	amount      *int64
	destination string
}

// Verify checks signature against the payment identified by referenceKey and
// applies the resulting status change.
func (v *Verifier) Verify(ctx context.Context, signature, referenceKey string, expectedAmount int64) (*VerifyResult, error) {
	signature = strings.TrimSpace(signature)
	referenceKey = strings.TrimSpace(referenceKey)
	if !domain.IsLedgerSignature(signature) {
		return nil, validationError("signature must be a base58 encoded 64-byte ledger signature")
	}
	if referenceKey == "" {
		return nil, validationError("referenceKey is required")
	}
	if expectedAmount <= 0 {
		return nil, validationError("expected amount must be greater than zero")
	}

	payment, err := v.repo.FindPaymentByReferenceKey(ctx, referenceKey)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if payment.HasSignature() && payment.TxSignature != signature {
		return nil, &ConflictError{ReferenceKey: referenceKey, Reason: "signature does not belong to this payment"}
	}

	if payment.Status.IsTerminal() {
		v.metrics.Verifications.WithLabelValues("terminal").Inc()
		return terminalResult(payment), nil
	}

	observation, cached, err := v.observe(ctx, signature)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return v.ledgerUnavailable(ctx, payment, err), nil
	}

	decision := evaluate(payment, observation, expectedAmount)
	payment, err = v.apply(ctx, payment, signature, decision)
	if err != nil {
		return nil, err
	}

	outcome := string(decision.target)
	if decision.mismatch {
		outcome = "mismatch"
	}
	v.metrics.Verifications.WithLabelValues(outcome).Inc()

	result := &VerifyResult{
		IsValid:     decision.valid,
		Status:      payment.Status,
		Amount:      decision.amount,
		Destination: decision.destination,
		Cached:      cached,
	}
	if decision.mismatch {
		result.Error = decision.reason
		result.ErrorKind = VerifyErrorMismatch
	}
	return result, nil
}

// observe returns the ledger's view of signature, consulting the cache first.
// Concurrent callers for the same signature wait for the first caller's query.
func (v *Verifier) observe(ctx context.Context, signature string) (*domain.LedgerTransaction, bool, error) {
	for {
		status, observation, done := v.cache.CheckAndMark(signature)
		switch status {
		case CacheHit:
			v.metrics.VerificationCache.WithLabelValues("hit").Inc()
			return observation, true, nil
		case CacheInFlight:
			v.metrics.VerificationCache.WithLabelValues("coalesced").Inc()
			observation, err := v.cache.WaitForResult(ctx, signature, done)
			if err != nil {
				return nil, false, err
			}
			if observation != nil {
				return observation, true, nil
			}
			// The owning query failed; try to become the owner.
			continue
		}

		v.metrics.VerificationCache.WithLabelValues("miss").Inc()
		v.metrics.LedgerQueries.Inc()
		observation, err := v.ledger.QueryTransaction(ctx, signature)
		if err != nil {
			v.cache.Fail(signature, done)
			return nil, false, err
		}
		if observation == nil {
			observation = &domain.LedgerTransaction{Signature: signature}
		}
		v.cache.Complete(signature, observation, done)
		return observation, false, nil
	}
}

// ledgerUnavailable records the failed attempt and reports it without touching
// the payment's status.
func (v *Verifier) ledgerUnavailable(ctx context.Context, payment *domain.PaymentRequest, queryErr error) *VerifyResult {
	v.metrics.Verifications.WithLabelValues("ledger_error").Inc()
	log.Printf("level=warn component=verifier msg=\"ledger query failed\" payment_id=%s reference_key=%s err=%v", payment.ID, payment.ReferenceKey, queryErr)

	attempt := &domain.PaymentAttempt{
		PaymentID:    payment.ID,
		AttemptType:  domain.AttemptTypeVerify,
		Status:       domain.AttemptStatusError,
		ErrorMessage: queryErr.Error(),
	}
	if err := v.repo.RecordPaymentAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		log.Printf("level=error component=verifier msg=\"failed to record verify attempt\" payment_id=%s err=%v", payment.ID, err)
	}

	return &VerifyResult{
		IsValid:   false,
		Status:    domain.StatusFailed,
		Error:     fmt.Sprintf("%s: %v", ErrTransientLedger, queryErr),
		ErrorKind: VerifyErrorLedgerUnavailable,
	}
}

// apply commits the verdict. Transitions that would not move the payment are
// skipped unless an audit attempt has to be written.
func (v *Verifier) apply(ctx context.Context, payment *domain.PaymentRequest, signature string, decision verdict) (*domain.PaymentRequest, error) {
	params := store.TransitionParams{
		PaymentID:   payment.ID,
		To:          decision.target,
		TxSignature: signature,
	}

	var eventTypes []string
	switch {
	case decision.mismatch:
		params.Attempt = &domain.PaymentAttempt{
			AttemptType:  domain.AttemptTypeVerify,
			Status:       domain.AttemptStatusMismatch,
			ErrorMessage: decision.reason,
		}
		eventTypes = []string{domain.EventPaymentFailed}
	case decision.target == domain.StatusVerified:
		params.SetFinalizedAt = true
		eventTypes = []string{domain.EventPaymentVerified}
	case decision.target == domain.StatusFinalized:
		params.SetFinalizedAt = true
		if payment.Status.Rank() < domain.StatusVerified.Rank() {
			eventTypes = append(eventTypes, domain.EventPaymentVerified)
		}
		eventTypes = append(eventTypes, domain.EventPaymentProvisioned)
	}

	canMove := domain.CanTransition(payment.Status, decision.target)
	if !canMove && params.Attempt == nil {
		return payment, nil
	}

	if canMove {
		snapshot := *payment
		snapshot.TxSignature = signature
		for _, eventType := range eventTypes {
			event, err := v.outbox.PaymentEvent(eventType, &snapshot, decision.target, decision.reason)
			if err != nil {
				return nil, err
			}
			params.Events = append(params.Events, event)
		}
	}

	result, err := v.repo.TransitionPayment(ctx, params)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !result.Changed {
		return result.Payment, nil
	}

	if result.EventsRecorded > 0 {
		v.outbox.RecordedEvents(eventTypes...)
	}
	log.Printf("level=info component=verifier msg=\"payment status advanced\" payment_id=%s reference_key=%s from=%s to=%s", payment.ID, payment.ReferenceKey, payment.Status, result.Payment.Status)
	v.notifier.NotifyStatus(ctx, result.Payment)
	return result.Payment, nil
}

// evaluate compares the ledger observation with what the payment expects.
func evaluate(payment *domain.PaymentRequest, observation *domain.LedgerTransaction, expectedAmount int64) verdict {
	if observation == nil || !observation.Found {
		return verdict{target: domain.StatusScanning}
	}
	if observation.ExecutionError != "" {
		return mismatch("transaction failed on the ledger: " + observation.ExecutionError)
	}
	if !observation.References(payment.ReferenceKey) {
		return mismatch("reference key not present in transaction")
	}

	mint := ""
	if payment.SPLToken != nil {
		mint = payment.SPLToken.Mint
	}
	transfer, ok := observation.TransferTo(payment.Destination, mint)
	if !ok {
		return mismatch("no transfer to the expected destination")
	}
	amount := transfer.Amount
	if amount != expectedAmount {
		v := mismatch(fmt.Sprintf("amount mismatch: expected %d, got %d", expectedAmount, amount))
		v.amount = &amount
		v.destination = transfer.Destination
		return v
	}

	decision := verdict{amount: &amount, destination: transfer.Destination}
	switch {
	case observation.Commitment == domain.CommitmentFinalized:
		decision.target = domain.StatusFinalized
		decision.valid = true
	case observation.Confirmed():
		decision.target = domain.StatusVerified
		decision.valid = true
	default:
		decision.target = domain.StatusConfirmed
	}
	return decision
}

func mismatch(reason string) verdict {
	return verdict{target: domain.StatusFailed, mismatch: true, reason: reason}
}

func terminalResult(payment *domain.PaymentRequest) *VerifyResult {
	result := &VerifyResult{
		IsValid: payment.Status == domain.StatusFinalized,
		Status:  payment.Status,
		Cached:  true,
	}
	if result.IsValid {
		amount := payment.AmountLamports
		result.Amount = &amount
		result.Destination = payment.Destination
	} else {
		result.Error = "payment already failed"
		result.ErrorKind = VerifyErrorMismatch
	}
	return result
}
