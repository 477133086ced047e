/**
 * @description
 * This file contains the PostgreSQL implementation of the Repository interface.
 * It handles all direct database interactions for payment requests, their
 * metadata and audit attempts, and the transactional outbox.
 *
 * @dependencies
 * - context, errors, fmt, strings, time, unicode/utf8: Standard Go libraries.
 * - github.com/jackc/pgx/v5: PostgreSQL driver, pool and error types.
 * - internal/domain: For the domain models.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payment-service/internal/domain"
)

var (
	ErrPaymentNotFound       = errors.New("payment request not found")
	ErrDuplicateReferenceKey = errors.New("payment reference key already exists")
	ErrDuplicatePayment      = errors.New("payment already exists for this payment id and user")
	ErrOutboxEventNotFound   = errors.New("outbox event not found")
)

//go:embed schema.sql
var schemaSQL string

const paymentColumns = `id, external_id, user_id, reference_key, amount_lamports, destination,
	spl_mint, spl_decimals, tx_signature, status, created_at, updated_at, finalized_at`

const outboxColumns = `event_id, event_type, aggregate_id, aggregate_type, event_data::text, status,
	priority, retry_count, max_retries, idempotency_key, last_error, created_at, scheduled_at, published_at`

// PostgresRepository is the concrete implementation of the Repository interface.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ApplySchema creates the tables this service owns when they are missing.
func (r *PostgresRepository) ApplySchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreatePayment inserts the payment row and its metadata in one transaction.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.PaymentRequest, metadata map[string]string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		splMint     *string
		splDecimals *int16
	)
	if payment.SPLToken != nil {
		mint := payment.SPLToken.Mint
		decimals := int16(payment.SPLToken.Decimals)
		splMint = &mint
		splDecimals = &decimals
	}

	query := `
		INSERT INTO payments (id, external_id, user_id, reference_key, amount_lamports, destination,
			spl_mint, spl_decimals, tx_signature, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		payment.ID,
		payment.ExternalID,
		payment.UserID,
		payment.ReferenceKey,
		payment.AmountLamports,
		payment.Destination,
		splMint,
		splDecimals,
		payment.TxSignature,
		string(payment.Status),
	).Scan(&payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return duplicateError(pgErr.ConstraintName)
		}
		return err
	}

	for key, value := range metadata {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_metadata (payment_id, key, value)
			VALUES ($1, $2, $3)
		`, payment.ID, key, value); err != nil {
			return fmt.Errorf("insert payment metadata: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// FindPaymentByID retrieves a payment request by its server-generated id.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, id uuid.UUID) (*domain.PaymentRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	payment, err := scanPayment(row)
	if err == pgx.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

// FindPaymentByReferenceKey retrieves a payment request by its reference key.
func (r *PostgresRepository) FindPaymentByReferenceKey(ctx context.Context, referenceKey string) (*domain.PaymentRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference_key = $1`, strings.TrimSpace(referenceKey))
	payment, err := scanPayment(row)
	if err == pgx.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

// FindPaymentByExternalID retrieves the payment a user created for a payment id.
func (r *PostgresRepository) FindPaymentByExternalID(ctx context.Context, externalID, userID string) (*domain.PaymentRequest, error) {
	row := r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_id = $1 AND user_id = $2`,
		strings.TrimSpace(externalID), strings.TrimSpace(userID))
	payment, err := scanPayment(row)
	if err == pgx.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

// FindPayments returns every payment matching one of the ids or reference keys.
func (r *PostgresRepository) FindPayments(ctx context.Context, ids []uuid.UUID, referenceKeys []string) ([]domain.PaymentRequest, error) {
	if len(ids) == 0 && len(referenceKeys) == 0 {
		return []domain.PaymentRequest{}, nil
	}
	idStrings := make([]string, 0, len(ids))
	for _, id := range ids {
		idStrings = append(idStrings, id.String())
	}
	if referenceKeys == nil {
		referenceKeys = []string{}
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE id = ANY($1::uuid[]) OR reference_key = ANY($2::text[])
		ORDER BY created_at
	`, idStrings, referenceKeys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.PaymentRequest, 0, len(ids)+len(referenceKeys))
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// FindPaymentMetadata returns the key/value annotations of a payment.
func (r *PostgresRepository) FindPaymentMetadata(ctx context.Context, paymentID uuid.UUID) (map[string]string, error) {
	rows, err := r.db.Query(ctx, `SELECT key, value FROM payment_metadata WHERE payment_id = $1`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		metadata[key] = value
	}
	return metadata, rows.Err()
}

// FindReconcilablePayments lists payments with a real signature that may still
// change status and have not been touched since untouchedSince.
func (r *PostgresRepository) FindReconcilablePayments(ctx context.Context, untouchedSince time.Time, limit int) ([]domain.PaymentRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE tx_signature <> $1
			AND status NOT IN ('finalized', 'failed')
			AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, domain.PlaceholderSignature, untouchedSince, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.PaymentRequest, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	return payments, rows.Err()
}

// TransitionPayment locks the payment row, records the attempt, and applies the
// status change plus its outbox events only when the move is allowed.
func (r *PostgresRepository) TransitionPayment(ctx context.Context, params TransitionParams) (*TransitionResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, params.PaymentID)
	current, err := scanPayment(row)
	if err == pgx.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}

	if params.Attempt != nil {
		if err := insertAttemptTx(ctx, tx, params.PaymentID, params.Attempt); err != nil {
			return nil, err
		}
	}

	result := &TransitionResult{Payment: current}
	if !domain.CanTransition(current.Status, params.To) {
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}

	signature := strings.TrimSpace(params.TxSignature)
	updated, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
			tx_signature = CASE WHEN $3 <> '' AND tx_signature = $4 THEN $3 ELSE tx_signature END,
			finalized_at = CASE WHEN $5 THEN COALESCE(finalized_at, NOW()) ELSE finalized_at END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+paymentColumns,
		params.PaymentID, string(params.To), signature, domain.PlaceholderSignature, params.SetFinalizedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("update payment status: %w", err)
	}
	result.Payment = updated
	result.Changed = true

	for i := range params.Events {
		inserted, err := insertOutboxEventTx(ctx, tx, &params.Events[i])
		if err != nil {
			return nil, err
		}
		if inserted {
			result.EventsRecorded++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return result, nil
}

// RecordPaymentAttempt appends one audit row outside of a status change.
func (r *PostgresRepository) RecordPaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertAttemptTx(ctx, tx, attempt.PaymentID, attempt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListPaymentAttempts returns the audit trail of a payment, oldest first.
func (r *PostgresRepository) ListPaymentAttempts(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, payment_id, attempt_type, status, error_message, retry_count, created_at
		FROM payment_attempts
		WHERE payment_id = $1
		ORDER BY created_at, id
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		var attempt domain.PaymentAttempt
		if err := rows.Scan(
			&attempt.ID,
			&attempt.PaymentID,
			&attempt.AttemptType,
			&attempt.Status,
			&attempt.ErrorMessage,
			&attempt.RetryCount,
			&attempt.CreatedAt,
		); err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// InsertOutboxEvent records an event outside of a status change. It returns
// false when an event with the same idempotency key already exists.
func (r *PostgresRepository) InsertOutboxEvent(ctx context.Context, event *domain.OutboxEvent) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	inserted, err := insertOutboxEventTx(ctx, tx, event)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return inserted, nil
}

// ClaimOutboxEvents moves due pending rows, and processing rows abandoned for
// longer than staleAfterSeconds, into processing for this dispatcher.
func (r *PostgresRepository) ClaimOutboxEvents(ctx context.Context, limit int, staleAfterSeconds int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT event_id
			FROM transactional_outbox
			WHERE (
				(status = 'pending' AND scheduled_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY priority DESC, created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE transactional_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW()
		FROM candidates
		WHERE o.event_id = candidates.event_id
		RETURNING ` + prefixColumns("o.", outboxColumns)

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.OutboxEvent, 0, limit)
	for rows.Next() {
		event, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// MarkOutboxEventPublished records a successful delivery.
func (r *PostgresRepository) MarkOutboxEventPublished(ctx context.Context, eventID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactional_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOutboxEventNotFound
	}
	return nil
}

// MarkOutboxEventRetry returns a row to pending with a delayed schedule.
func (r *PostgresRepository) MarkOutboxEventRetry(ctx context.Context, eventID uuid.UUID, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE transactional_outbox
		SET status = 'pending',
			retry_count = retry_count + 1,
			scheduled_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE event_id = $1
	`, eventID, retryAfterSeconds, truncateReason(reason))
	return err
}

// MarkOutboxEventFailed parks a row once its retries are exhausted.
func (r *PostgresRepository) MarkOutboxEventFailed(ctx context.Context, eventID uuid.UUID, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE transactional_outbox
		SET status = 'failed',
			retry_count = retry_count + 1,
			processing_started_at = NULL,
			last_error = $2
		WHERE event_id = $1
	`, eventID, truncateReason(reason))
	return err
}

// RequeueFailedOutboxEvents gives failed rows a fresh retry budget. An empty
// aggregateID requeues every failed row.
func (r *PostgresRepository) RequeueFailedOutboxEvents(ctx context.Context, aggregateID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactional_outbox
		SET status = 'pending',
			retry_count = 0,
			scheduled_at = NOW(),
			last_error = NULL
		WHERE status = 'failed'
			AND ($1 = '' OR aggregate_id = $1)
	`, strings.TrimSpace(aggregateID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func insertAttemptTx(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, attempt *domain.PaymentAttempt) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payment_attempts (payment_id, attempt_type, status, error_message, retry_count)
		SELECT $1, $2, $3, $4, COUNT(*)
		FROM payment_attempts
		WHERE payment_id = $1 AND attempt_type = $2
		RETURNING id, retry_count, created_at
	`, paymentID, attempt.AttemptType, attempt.Status, truncateReason(attempt.ErrorMessage)).Scan(
		&attempt.ID,
		&attempt.RetryCount,
		&attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	attempt.PaymentID = paymentID
	return nil
}

func insertOutboxEventTx(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO transactional_outbox (event_id, event_type, aggregate_id, aggregate_type, event_data,
			status, priority, retry_count, max_retries, scheduled_at, idempotency_key)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, 0, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		event.EventID,
		event.EventType,
		event.AggregateID,
		event.AggregateType,
		string(event.Payload),
		event.Status,
		event.Priority,
		event.MaxRetries,
		event.ScheduledAt,
		event.IdempotencyKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanPayment(row pgx.Row) (*domain.PaymentRequest, error) {
	var (
		payment     domain.PaymentRequest
		splMint     *string
		splDecimals *int16
		status      string
	)
	err := row.Scan(
		&payment.ID,
		&payment.ExternalID,
		&payment.UserID,
		&payment.ReferenceKey,
		&payment.AmountLamports,
		&payment.Destination,
		&splMint,
		&splDecimals,
		&payment.TxSignature,
		&status,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&payment.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	payment.Status = domain.PaymentStatus(status)
	if splMint != nil && *splMint != "" {
		token := &domain.SPLToken{Mint: *splMint}
		if splDecimals != nil {
			token.Decimals = uint8(*splDecimals)
		}
		payment.SPLToken = token
	}
	return &payment, nil
}

func scanOutboxEvent(row pgx.Row) (*domain.OutboxEvent, error) {
	var (
		event       domain.OutboxEvent
		payloadText string
	)
	err := row.Scan(
		&event.EventID,
		&event.EventType,
		&event.AggregateID,
		&event.AggregateType,
		&payloadText,
		&event.Status,
		&event.Priority,
		&event.RetryCount,
		&event.MaxRetries,
		&event.IdempotencyKey,
		&event.LastError,
		&event.CreatedAt,
		&event.ScheduledAt,
		&event.PublishedAt,
	)
	if err != nil {
		return nil, err
	}
	event.Payload = []byte(payloadText)
	return &event, nil
}

func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = prefix + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

func duplicateError(constraint string) error {
	if constraint == "payments_external_user_key" {
		return ErrDuplicatePayment
	}
	return ErrDuplicateReferenceKey
}

const maxReasonBytes = 2000

// truncateReason caps reason at maxReasonBytes without splitting a rune.
func truncateReason(reason string) string {
	if len(reason) <= maxReasonBytes {
		return reason
	}
	cut := maxReasonBytes
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
