/**
 * @description
 * This file contains the Payment Request Service: idempotent creation of payment
 * requests, unsigned transaction building, status reads, and recording of the
 * payer's submitted signature.
 *
 * @dependencies
 * - internal/store: Payment persistence.
 * - internal/domain: Payment models and the status ladder.
 * - LedgerClient: Builds unsigned transfers (implemented in pkg/solanaledger).
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

const (
	maxMetadataEntries  = 32
	maxMetadataKeyLen   = 64
	maxMetadataValLen   = 512
	defaultBuildTimeout = 15 * time.Second
)

// LedgerClient is the ledger collaborator: it builds unsigned transfers and
// reports what the ledger knows about a signature.
type LedgerClient interface {
	BuildTransferTransaction(ctx context.Context, req domain.TransferRequest) ([]byte, error)
	QueryTransaction(ctx context.Context, signature string) (*domain.LedgerTransaction, error)
}

// StatusNotifier receives every committed status change.
type StatusNotifier interface {
	NotifyStatus(ctx context.Context, payment *domain.PaymentRequest)
}

type noopNotifier struct{}

func (noopNotifier) NotifyStatus(context.Context, *domain.PaymentRequest) {}

// CreatePaymentInput carries a create request after HTTP decoding.
type CreatePaymentInput struct {
	PaymentID      string
	UserID         string
	AmountLamports int64
	Destination    string
	ReferenceKey   string
	SPLToken       *domain.SPLToken
	Metadata       map[string]string
}

// CreatePaymentResult is the stored request plus the transaction to sign.
type CreatePaymentResult struct {
	Payment     *domain.PaymentRequest
	Transaction []byte
}

// PaymentLookup identifies a payment by id, reference key, or (paymentId, userId).
type PaymentLookup struct {
	PaymentID    string
	ReferenceKey string
	UserID       string
}

// PaymentView is a payment with its metadata and derived timeline.
type PaymentView struct {
	Payment  *domain.PaymentRequest
	Metadata map[string]string
	Timeline []domain.TimelineEntry
}

// Service is the Payment Request Service.
type Service struct {
	repo         store.Repository
	ledger       LedgerClient
	outbox       *OutboxPublisher
	notifier     StatusNotifier
	metrics      *Metrics
	buildTimeout time.Duration
}

// NewService wires the Payment Request Service.
func NewService(repo store.Repository, ledger LedgerClient, outbox *OutboxPublisher, notifier StatusNotifier, metrics *Metrics) *Service {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if outbox == nil {
		outbox = NewOutboxPublisher(repo, metrics)
	}
	return &Service{
		repo:         repo,
		ledger:       ledger,
		outbox:       outbox,
		notifier:     notifier,
		metrics:      metrics,
		buildTimeout: defaultBuildTimeout,
	}
}

// Create stores a new payment request and returns the unsigned transfer for it.
// A request whose reference key or (payment id, user) pair already exists is
// rejected before the ledger is touched.
func (s *Service) Create(ctx context.Context, input CreatePaymentInput) (*CreatePaymentResult, error) {
	if err := validateCreateInput(&input); err != nil {
		return nil, err
	}

	referenceKey := strings.TrimSpace(input.ReferenceKey)
	if referenceKey == "" {
		referenceKey = domain.DeriveReferenceKey(input.PaymentID, input.UserID)
	}

	existing, err := s.repo.FindPaymentByReferenceKey(ctx, referenceKey)
	if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, err
	}
	if existing != nil {
		log.Printf("level=info component=payments msg=\"duplicate create rejected\" reference_key=%s payment_id=%s", referenceKey, existing.ID)
		return nil, &ConflictError{ReferenceKey: referenceKey}
	}
	owned, err := s.repo.FindPaymentByExternalID(ctx, input.PaymentID, input.UserID)
	if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, err
	}
	if owned != nil {
		log.Printf("level=info component=payments msg=\"duplicate create rejected\" external_id=%s payment_id=%s reference_key=%s", input.PaymentID, owned.ID, owned.ReferenceKey)
		return nil, &ConflictError{ReferenceKey: owned.ReferenceKey}
	}

	payment := &domain.PaymentRequest{
		ID:             uuid.New(),
		ExternalID:     input.PaymentID,
		UserID:         input.UserID,
		ReferenceKey:   referenceKey,
		AmountLamports: input.AmountLamports,
		Destination:    input.Destination,
		SPLToken:       input.SPLToken,
		TxSignature:    domain.PlaceholderSignature,
		Status:         domain.StatusPending,
	}
	if err := s.repo.CreatePayment(ctx, payment, input.Metadata); err != nil {
		if errors.Is(err, store.ErrDuplicateReferenceKey) {
			return nil, &ConflictError{ReferenceKey: referenceKey}
		}
		if errors.Is(err, store.ErrDuplicatePayment) {
			if owned, findErr := s.repo.FindPaymentByExternalID(ctx, input.PaymentID, input.UserID); findErr == nil {
				return nil, &ConflictError{ReferenceKey: owned.ReferenceKey}
			}
			return nil, &ConflictError{ReferenceKey: referenceKey}
		}
		return nil, err
	}

	buildCtx, cancel := context.WithTimeout(ctx, s.buildTimeout)
	defer cancel()
	serialized, buildErr := s.ledger.BuildTransferTransaction(buildCtx, domain.TransferRequest{
		Payer:          payment.UserID,
		Destination:    payment.Destination,
		AmountLamports: payment.AmountLamports,
		ReferenceKey:   payment.ReferenceKey,
		SPLToken:       payment.SPLToken,
	})
	if buildErr != nil {
		log.Printf("level=error component=payments msg=\"transaction build failed\" payment_id=%s reference_key=%s err=%v", payment.ID, referenceKey, buildErr)
		buildFailure := fmt.Errorf("%w: %v", ErrTransactionBuild, buildErr)
		if auditErr := s.failBuild(ctx, payment, buildErr); auditErr != nil {
			return nil, errors.Join(buildFailure, auditErr)
		}
		return nil, buildFailure
	}

	s.metrics.PaymentsCreated.Inc()
	log.Printf("level=info component=payments msg=\"payment request created\" payment_id=%s reference_key=%s amount=%d", payment.ID, referenceKey, payment.AmountLamports)
	return &CreatePaymentResult{Payment: payment, Transaction: serialized}, nil
}

// failBuild records the build attempt and fails the request in one transition.
// When the transition cannot be stored the attempt is still recorded on its own,
// and any audit or event error is returned to the caller.
func (s *Service) failBuild(ctx context.Context, payment *domain.PaymentRequest, buildErr error) error {
	ctx = context.WithoutCancel(ctx)
	params := store.TransitionParams{
		PaymentID: payment.ID,
		To:        domain.StatusFailed,
		Attempt: &domain.PaymentAttempt{
			PaymentID:    payment.ID,
			AttemptType:  domain.AttemptTypeBuild,
			Status:       domain.AttemptStatusFailed,
			ErrorMessage: buildErr.Error(),
		},
	}
	event, eventErr := s.outbox.PaymentEvent(domain.EventPaymentFailed, payment, domain.StatusFailed, buildErr.Error())
	if eventErr != nil {
		log.Printf("level=error component=payments msg=\"failed to build PAYMENT_FAILED event\" payment_id=%s err=%v", payment.ID, eventErr)
		eventErr = fmt.Errorf("build PAYMENT_FAILED event: %w", eventErr)
	} else {
		params.Events = []domain.OutboxEvent{event}
	}

	result, err := s.repo.TransitionPayment(ctx, params)
	if err != nil {
		log.Printf("level=error component=payments msg=\"failed to mark payment failed after build error\" payment_id=%s err=%v", payment.ID, err)
		transitionErr := fmt.Errorf("mark payment failed: %w", err)
		attempt := *params.Attempt
		if recordErr := s.repo.RecordPaymentAttempt(ctx, &attempt); recordErr != nil {
			log.Printf("level=error component=payments msg=\"failed to record build attempt\" payment_id=%s err=%v", payment.ID, recordErr)
			return errors.Join(eventErr, transitionErr, fmt.Errorf("record build attempt: %w", recordErr))
		}
		return errors.Join(eventErr, transitionErr)
	}
	if result.Changed {
		*payment = *result.Payment
		if len(params.Events) > 0 {
			s.outbox.RecordedEvents(domain.EventPaymentFailed)
		}
		s.notifier.NotifyStatus(ctx, result.Payment)
	}
	return eventErr
}

// Resolve finds the payment a lookup points at. A user id that does not own the
// payment yields ErrNotFound.
func (s *Service) Resolve(ctx context.Context, lookup PaymentLookup) (*domain.PaymentRequest, error) {
	paymentID := strings.TrimSpace(lookup.PaymentID)
	referenceKey := strings.TrimSpace(lookup.ReferenceKey)
	userID := strings.TrimSpace(lookup.UserID)

	var (
		payment *domain.PaymentRequest
		err     error
	)
	switch {
	case referenceKey != "":
		payment, err = s.repo.FindPaymentByReferenceKey(ctx, referenceKey)
	case paymentID == "":
		return nil, validationError("paymentId or referenceKey is required")
	default:
		if id, parseErr := uuid.Parse(paymentID); parseErr == nil {
			payment, err = s.repo.FindPaymentByID(ctx, id)
		} else if userID != "" {
			payment, err = s.repo.FindPaymentByExternalID(ctx, paymentID, userID)
		} else {
			payment, err = s.repo.FindPaymentByReferenceKey(ctx, paymentID)
		}
	}
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if userID != "" && payment.UserID != userID {
		return nil, ErrNotFound
	}
	return payment, nil
}

// GetStatus returns the payment with its metadata and timeline.
func (s *Service) GetStatus(ctx context.Context, lookup PaymentLookup) (*PaymentView, error) {
	payment, err := s.Resolve(ctx, lookup)
	if err != nil {
		return nil, err
	}
	metadata, err := s.repo.FindPaymentMetadata(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	return &PaymentView{
		Payment:  payment,
		Metadata: metadata,
		Timeline: domain.BuildTimeline(payment),
	}, nil
}

// SubmitSignature records the payer's ledger signature and moves the request
// from pending to scanning. Resubmitting the same signature is a no-op.
func (s *Service) SubmitSignature(ctx context.Context, lookup PaymentLookup, signature string) (*domain.PaymentRequest, error) {
	signature = strings.TrimSpace(signature)
	if !domain.IsLedgerSignature(signature) {
		return nil, validationError("signature must be a base58 encoded 64-byte ledger signature")
	}

	payment, err := s.Resolve(ctx, lookup)
	if err != nil {
		return nil, err
	}
	if payment.HasSignature() {
		if payment.TxSignature == signature {
			return payment, nil
		}
		return nil, &ConflictError{ReferenceKey: payment.ReferenceKey, Reason: "a different signature is already recorded"}
	}
	if payment.Status.IsTerminal() {
		return nil, validationError("payment is already %s", payment.Status)
	}

	result, err := s.repo.TransitionPayment(ctx, store.TransitionParams{
		PaymentID:   payment.ID,
		To:          domain.StatusScanning,
		TxSignature: signature,
	})
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if result.Changed {
		log.Printf("level=info component=payments msg=\"signature recorded\" payment_id=%s reference_key=%s", payment.ID, payment.ReferenceKey)
		s.notifier.NotifyStatus(ctx, result.Payment)
	}
	return result.Payment, nil
}

func validateCreateInput(input *CreatePaymentInput) error {
	input.PaymentID = strings.TrimSpace(input.PaymentID)
	input.UserID = strings.TrimSpace(input.UserID)
	input.Destination = strings.TrimSpace(input.Destination)

	if input.PaymentID == "" {
		return validationError("payment id is required")
	}
	if input.UserID == "" {
		return validationError("userId is required")
	}
	if input.AmountLamports <= 0 {
		return validationError("amountLamports must be greater than zero")
	}
	if input.Destination == "" {
		return validationError("recipient is required")
	}
	if input.SPLToken != nil {
		input.SPLToken.Mint = strings.TrimSpace(input.SPLToken.Mint)
		if input.SPLToken.Mint == "" {
			return validationError("splToken.mint is required when splToken is set")
		}
	}
	if len(input.Metadata) > maxMetadataEntries {
		return validationError("at most %d metadata entries are allowed", maxMetadataEntries)
	}
	for key, value := range input.Metadata {
		if strings.TrimSpace(key) == "" || len(key) > maxMetadataKeyLen {
			return validationError("metadata keys must be 1-%d characters", maxMetadataKeyLen)
		}
		if len(value) > maxMetadataValLen {
			return validationError("metadata value for %q exceeds %d characters", key, maxMetadataValLen)
		}
	}
	return nil
}
