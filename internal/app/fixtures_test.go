package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/store"
)

// memoryRepo applies the same transition rules as the Postgres repository.
type memoryRepo struct {
	store.Repository

	mu       sync.Mutex
	payments map[uuid.UUID]*domain.PaymentRequest
	metadata map[uuid.UUID]map[string]string
	attempts []domain.PaymentAttempt
	outbox   []domain.OutboxEvent

	published []uuid.UUID
	retried   map[uuid.UUID]int
	failed    []uuid.UUID
	now       time.Time

	transitionErr error
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		payments: make(map[uuid.UUID]*domain.PaymentRequest),
		metadata: make(map[uuid.UUID]map[string]string),
		retried:  make(map[uuid.UUID]int),
		now:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func (r *memoryRepo) CreatePayment(ctx context.Context, payment *domain.PaymentRequest, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.payments {
		if existing.ReferenceKey == payment.ReferenceKey {
			return store.ErrDuplicateReferenceKey
		}
		if existing.ExternalID == payment.ExternalID && existing.UserID == payment.UserID {
			return store.ErrDuplicatePayment
		}
	}
	payment.CreatedAt = r.now
	payment.UpdatedAt = r.now
	stored := *payment
	r.payments[payment.ID] = &stored
	copied := make(map[string]string, len(metadata))
	for k, v := range metadata {
		copied[k] = v
	}
	r.metadata[payment.ID] = copied
	return nil
}

func (r *memoryRepo) FindPaymentByExternalID(ctx context.Context, externalID, userID string) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.ExternalID == externalID && payment.UserID == userID {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (r *memoryRepo) FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payment, ok := r.payments[id]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	copied := *payment
	return &copied, nil
}

func (r *memoryRepo) FindPaymentByReferenceKey(ctx context.Context, referenceKey string) (*domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, payment := range r.payments {
		if payment.ReferenceKey == referenceKey {
			copied := *payment
			return &copied, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (r *memoryRepo) FindPayments(ctx context.Context, ids []uuid.UUID, referenceKeys []string) ([]domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wantID := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wantID[id] = true
	}
	wantRef := make(map[string]bool, len(referenceKeys))
	for _, key := range referenceKeys {
		wantRef[key] = true
	}
	var out []domain.PaymentRequest
	for _, payment := range r.payments {
		if wantID[payment.ID] || wantRef[payment.ReferenceKey] {
			out = append(out, *payment)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReferenceKey < out[j].ReferenceKey })
	return out, nil
}

func (r *memoryRepo) FindPaymentMetadata(ctx context.Context, paymentID uuid.UUID) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadata[paymentID], nil
}

func (r *memoryRepo) FindReconcilablePayments(ctx context.Context, untouchedSince time.Time, limit int) ([]domain.PaymentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentRequest
	for _, payment := range r.payments {
		if payment.NeedsVerification() && payment.UpdatedAt.Before(untouchedSince) {
			out = append(out, *payment)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) TransitionPayment(ctx context.Context, params store.TransitionParams) (*store.TransitionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return nil, r.transitionErr
	}
	payment, ok := r.payments[params.PaymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	if params.Attempt != nil {
		attempt := *params.Attempt
		attempt.PaymentID = payment.ID
		attempt.ID = int64(len(r.attempts) + 1)
		r.attempts = append(r.attempts, attempt)
	}
	if !domain.CanTransition(payment.Status, params.To) {
		copied := *payment
		return &store.TransitionResult{Payment: &copied}, nil
	}

	payment.Status = params.To
	if params.TxSignature != "" && payment.TxSignature == domain.PlaceholderSignature {
		payment.TxSignature = params.TxSignature
	}
	if params.SetFinalizedAt && payment.FinalizedAt == nil {
		at := r.now
		payment.FinalizedAt = &at
	}
	payment.UpdatedAt = r.now

	recorded := 0
	for _, event := range params.Events {
		if r.insertOutboxLocked(event) {
			recorded++
		}
	}
	copied := *payment
	return &store.TransitionResult{Payment: &copied, Changed: true, EventsRecorded: recorded}, nil
}

func (r *memoryRepo) RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	attempt.ID = int64(len(r.attempts) + 1)
	r.attempts = append(r.attempts, *attempt)
	return nil
}

func (r *memoryRepo) ListPaymentAttempts(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.PaymentAttempt
	for _, attempt := range r.attempts {
		if attempt.PaymentID == paymentID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

func (r *memoryRepo) InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertOutboxLocked(*event), nil
}

func (r *memoryRepo) insertOutboxLocked(event domain.OutboxEvent) bool {
	for _, existing := range r.outbox {
		if existing.IdempotencyKey == event.IdempotencyKey {
			return false
		}
	}
	r.outbox = append(r.outbox, event)
	return true
}

func (r *memoryRepo) ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var claimed []domain.OutboxEvent
	for i := range r.outbox {
		if r.outbox[i].Status != domain.OutboxStatusPending {
			continue
		}
		r.outbox[i].Status = domain.OutboxStatusProcessing
		claimed = append(claimed, r.outbox[i])
		if len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

func (r *memoryRepo) setOutboxStatus(eventID uuid.UUID, status string) {
	for i := range r.outbox {
		if r.outbox[i].EventID == eventID {
			r.outbox[i].Status = status
		}
	}
}

func (r *memoryRepo) MarkOutboxEventPublished(ctx context.Context, eventID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, eventID)
	r.setOutboxStatus(eventID, domain.OutboxStatusPublished)
	return nil
}

func (r *memoryRepo) MarkOutboxEventRetry(ctx context.Context, eventID uuid.UUID, retryAfterSeconds int, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retried[eventID] = retryAfterSeconds
	r.setOutboxStatus(eventID, domain.OutboxStatusPending)
	return nil
}

func (r *memoryRepo) MarkOutboxEventFailed(ctx context.Context, eventID uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, eventID)
	r.setOutboxStatus(eventID, domain.OutboxStatusFailed)
	return nil
}

func (r *memoryRepo) outboxTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.outbox))
	for _, event := range r.outbox {
		types = append(types, event.EventType)
	}
	return types
}

func (r *memoryRepo) attemptsFor(paymentID uuid.UUID) []domain.PaymentAttempt {
	attempts, _ := r.ListPaymentAttempts(context.Background(), paymentID)
	return attempts
}

// fakeLedger returns a fixed observation. When gate is set, queries block
// until it is closed.
type fakeLedger struct {
	mu          sync.Mutex
	built       []domain.TransferRequest
	buildErr    error
	observation *domain.LedgerTransaction
	queryErr    error
	gate        chan struct{}
	queries     atomic.Int32
}

func (l *fakeLedger) BuildTransferTransaction(ctx context.Context, req domain.TransferRequest) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.built = append(l.built, req)
	if l.buildErr != nil {
		return nil, l.buildErr
	}
	return []byte("unsigned:" + req.ReferenceKey), nil
}

func (l *fakeLedger) QueryTransaction(ctx context.Context, signature string) (*domain.LedgerTransaction, error) {
	l.queries.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.queryErr != nil {
		return nil, l.queryErr
	}
	if l.observation == nil {
		return &domain.LedgerTransaction{Signature: signature}, nil
	}
	observation := *l.observation
	observation.Signature = signature
	return &observation, nil
}

func (l *fakeLedger) set(observation *domain.LedgerTransaction, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observation = observation
	l.queryErr = err
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []domain.PaymentStatus
}

func (n *recordingNotifier) NotifyStatus(ctx context.Context, payment *domain.PaymentRequest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, payment.Status)
}

func (n *recordingNotifier) seen() []domain.PaymentStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.PaymentStatus(nil), n.statuses...)
}

var errLedgerDown = errors.New("rpc: connection refused")

func testSignature(seed byte) string {
	raw := make([]byte, 64)
	for i := range raw {
		raw[i] = seed
	}
	return base58.Encode(raw)
}

const (
	testUser        = "payer-wallet"
	testDestination = "merchant-wallet"
	testAmount      = int64(1_500_000)
)

type harness struct {
	repo     *memoryRepo
	ledger   *fakeLedger
	notifier *recordingNotifier
	service  *Service
	verifier *Verifier
	metrics  *Metrics
}

func newHarness() *harness {
	repo := newMemoryRepo()
	ledger := &fakeLedger{}
	notifier := &recordingNotifier{}
	metrics := NewMetrics(nil)
	outbox := NewOutboxPublisher(repo, metrics)
	return &harness{
		repo:     repo,
		ledger:   ledger,
		notifier: notifier,
		service:  NewService(repo, ledger, outbox, notifier, metrics),
		verifier: NewVerifier(repo, ledger, NewVerificationCache(time.Minute), outbox, notifier, metrics),
		metrics:  metrics,
	}
}

func (h *harness) create(t *testing.T, paymentID string) *domain.PaymentRequest {
	t.Helper()
	result, err := h.service.Create(context.Background(), CreatePaymentInput{
		PaymentID:      paymentID,
		UserID:         testUser,
		AmountLamports: testAmount,
		Destination:    testDestination,
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return result.Payment
}

func (h *harness) createSigned(t *testing.T, paymentID string, signature string) *domain.PaymentRequest {
	t.Helper()
	payment := h.create(t, paymentID)
	signed, err := h.service.SubmitSignature(context.Background(), PaymentLookup{PaymentID: payment.ID.String()}, signature)
	if err != nil {
		t.Fatalf("submit signature: %v", err)
	}
	return signed
}

// matching returns an observation that satisfies payment at commitment.
func matching(payment *domain.PaymentRequest, commitment domain.Commitment, amount int64) *domain.LedgerTransaction {
	return &domain.LedgerTransaction{
		Found:       true,
		Commitment:  commitment,
		AccountKeys: []string{testUser, payment.Destination, payment.ReferenceKey},
		Transfers:   []domain.LedgerTransfer{{Destination: payment.Destination, Amount: amount}},
	}
}
