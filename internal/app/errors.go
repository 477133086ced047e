package app

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrIdempotencyConflict  = errors.New("duplicate payment request")
	ErrNotFound             = errors.New("payment request not found")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrVerificationMismatch = errors.New("ledger data does not match payment request")
	ErrTransientLedger      = errors.New("ledger unavailable")
	ErrTransactionBuild     = errors.New("failed to build transfer transaction")
)

// ConflictError is returned when a payment request already exists for a reference key.
type ConflictError struct {
	ReferenceKey string
	Reason       string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (reference_key=%s)", ErrIdempotencyConflict, e.Reason, e.ReferenceKey)
	}
	return fmt.Sprintf("%s (reference_key=%s)", ErrIdempotencyConflict, e.ReferenceKey)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrIdempotencyConflict
}

// RateLimitError carries the hint a caller needs to retry after a rejected poll.
type RateLimitError struct {
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, never below one.
func (e *RateLimitError) RetryAfterSeconds() int {
	seconds := int((e.RetryAfter + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
