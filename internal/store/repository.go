/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the payment-service needs. The application layer depends only on this
 * interface, which keeps PostgreSQL out of the business logic and lets tests swap
 * in lightweight stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Payment and outbox identifiers.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/payment-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment request methods
	CreatePayment(ctx context.Context, payment *domain.PaymentRequest, metadata map[string]string) error
	FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error)
	FindPaymentByReferenceKey(ctx context.Context, referenceKey string) (*domain.PaymentRequest, error)
	FindPaymentByExternalID(ctx context.Context, externalID, userID string) (*domain.PaymentRequest, error)
	FindPayments(ctx context.Context, ids []uuid.UUID, referenceKeys []string) ([]domain.PaymentRequest, error)
	FindPaymentMetadata(ctx context.Context, paymentID uuid.UUID) (map[string]string, error)
	FindReconcilablePayments(ctx context.Context, untouchedSince time.Time, limit int) ([]domain.PaymentRequest, error)

	// TransitionPayment applies a status change, its audit attempt and its outbox
	// events as one atomic unit.
	TransitionPayment(ctx context.Context, params TransitionParams) (*TransitionResult, error)

	// Attempt methods
	RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	ListPaymentAttempts(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentAttempt, error)

	// Outbox methods
	InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) (bool, error)
	ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEvent, error)
	MarkOutboxEventPublished(ctx context.Context, eventID uuid.UUID) error
	MarkOutboxEventRetry(ctx context.Context, eventID uuid.UUID, retryAfterSeconds int, reason string) error
	MarkOutboxEventFailed(ctx context.Context, eventID uuid.UUID, reason string) error
	RequeueFailedOutboxEvents(ctx context.Context, aggregateID string) (int64, error)
}

// TransitionParams describes one requested status change.
type TransitionParams struct {
	PaymentID uuid.UUID
	To        domain.PaymentStatus
	// TxSignature is stored when non-empty and the row still holds the placeholder.
	TxSignature    string
	SetFinalizedAt bool
	// Attempt is recorded whether or not the status changes.
	Attempt *domain.PaymentAttempt
	// Events are recorded only when the status changes.
	Events []domain.OutboxEvent
}

// TransitionResult reports the row after the transition attempt.
type TransitionResult struct {
	Payment        *domain.PaymentRequest
	Changed        bool
	EventsRecorded int
}
