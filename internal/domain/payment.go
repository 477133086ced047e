/**
 * @description
 * This file defines the core domain models for the payment-service: the payment
 * request itself, its audit attempts, and the status ladder every request climbs.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest ledger unit (lamports, or the
 *   token's base unit for SPL payments).
 * - Status only ever moves forward. `CanTransition` is the single source of
 *   truth for that rule and is enforced again inside the store transaction.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the lifecycle state of a payment request.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusScanning  PaymentStatus = "scanning"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusVerified  PaymentStatus = "verified"
	StatusFinalized PaymentStatus = "finalized"
	StatusFailed    PaymentStatus = "failed"

	// StatusNotFound is never stored; streams report it for unknown payments.
	StatusNotFound PaymentStatus = "not_found"
)

// PlaceholderSignature is stored until the payer submits a real signature.
const PlaceholderSignature = "pending"

var statusRank = map[PaymentStatus]int{
	StatusPending:   0,
	StatusScanning:  1,
	StatusConfirmed: 2,
	StatusVerified:  3,
	StatusFinalized: 4,
}

// Rank orders the forward statuses. Failed and unknown statuses rank -1.
func (s PaymentStatus) Rank() int {
	if rank, ok := statusRank[s]; ok {
		return rank
	}
	return -1
}

// IsTerminal reports whether no further status writes are allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// IsSettled reports whether the ledger has confirmed the payment.
func (s PaymentStatus) IsSettled() bool {
	return s == StatusVerified || s == StatusFinalized
}

// Valid reports whether s is a storable status.
func (s PaymentStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

// CanTransition reports whether a request in status `from` may move to `to`.
// Forward moves along the ladder are allowed; failed is reachable from any
// status below verified; nothing leaves finalized or failed.
func CanTransition(from, to PaymentStatus) bool {
	if from.IsTerminal() || !to.Valid() || from == to {
		return false
	}
	if to == StatusFailed {
		return from.Rank() < StatusVerified.Rank()
	}
	return to.Rank() > from.Rank()
}

// SPLToken identifies the token a payment is denominated in when it is not native.
type SPLToken struct {
	Mint     string `json:"mint"`
	Decimals uint8  `json:"decimals"`
}

// PaymentRequest maps to the `payments` table.
type PaymentRequest struct {
	ID             uuid.UUID     `json:"id"`
	ExternalID     string        `json:"external_id"`
	UserID         string        `json:"user_id"`
	ReferenceKey   string        `json:"reference_key"`
	AmountLamports int64         `json:"amount_lamports"`
	Destination    string        `json:"destination"`
	SPLToken       *SPLToken     `json:"spl_token,omitempty"`
	TxSignature    string        `json:"tx_signature"`
	Status         PaymentStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	FinalizedAt    *time.Time    `json:"finalized_at,omitempty"`
}

// HasSignature reports whether a real ledger signature has been recorded.
func (p *PaymentRequest) HasSignature() bool {
	sig := strings.TrimSpace(p.TxSignature)
	return sig != "" && sig != PlaceholderSignature
}

// NeedsVerification reports whether a verify call can still change the request.
func (p *PaymentRequest) NeedsVerification() bool {
	return p.HasSignature() && !p.Status.IsTerminal()
}

// Attempt types and statuses recorded in `payment_attempts`.
const (
	AttemptTypeBuild  = "build"
	AttemptTypeVerify = "verify"

	AttemptStatusFailed   = "failed"
	AttemptStatusMismatch = "mismatch"
	AttemptStatusError    = "error"
)

// PaymentAttempt is an append-only audit row for a build or verify attempt.
type PaymentAttempt struct {
	ID           int64     `json:"id"`
	PaymentID    uuid.UUID `json:"payment_id"`
	AttemptType  string    `json:"attempt_type"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// TimelineEntry is one step in the status timeline returned to clients.
type TimelineEntry struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// BuildTimeline derives the status timeline from the request's status and timestamps.
func BuildTimeline(p *PaymentRequest) []TimelineEntry {
	if p == nil {
		return nil
	}
	timeline := []TimelineEntry{{Status: "created", At: p.CreatedAt}}
	if p.HasSignature() {
		timeline = append(timeline, TimelineEntry{Status: "submitted", At: p.UpdatedAt})
	}
	if p.Status.IsSettled() {
		at := p.UpdatedAt
		if p.FinalizedAt != nil {
			at = *p.FinalizedAt
		}
		timeline = append(timeline, TimelineEntry{Status: string(StatusVerified), At: at})
	}
	if p.Status == StatusFinalized {
		timeline = append(timeline, TimelineEntry{Status: string(StatusFinalized), At: p.UpdatedAt})
	}
	if p.Status == StatusFailed {
		timeline = append(timeline, TimelineEntry{Status: string(StatusFailed), At: p.UpdatedAt})
	}
	return timeline
}
