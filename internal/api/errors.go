package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/hub"
)

// Error kinds returned in the `error` field of every error body.
const (
	kindValidation   = "validation"
	kindDuplicate    = "duplicate"
	kindNotFound     = "not_found"
	kindRateLimited  = "rate_limited"
	kindMismatch     = "verification_mismatch"
	kindLedger       = "ledger_unavailable"
	kindCapacity     = "capacity"
	kindUnauthorized = "unauthorized"
	kindInternal     = "internal"
)

const streamCapacityRetryAfter = 5

var errForbidden = errors.New("session user does not match request user")

type errorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	RetryAfter   int    `json:"retry_after,omitempty"`
	ReferenceKey string `json:"reference_key,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeErrorBody(w http.ResponseWriter, status int, body errorResponse) {
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	writeJSON(w, status, body)
}

// writeAppError maps service errors to status codes in one place.
func writeAppError(w http.ResponseWriter, endpoint string, err error) {
	var conflict *app.ConflictError
	var limited *app.RateLimitError

	switch {
	case errors.As(err, &conflict):
		writeErrorBody(w, http.StatusConflict, errorResponse{Error: kindDuplicate, Message: err.Error(), ReferenceKey: conflict.ReferenceKey})
	case errors.As(err, &limited):
		writeErrorBody(w, http.StatusTooManyRequests, errorResponse{Error: kindRateLimited, Message: "too many status checks", RetryAfter: limited.RetryAfterSeconds()})
	case errors.Is(err, app.ErrValidation):
		writeErrorBody(w, http.StatusBadRequest, errorResponse{Error: kindValidation, Message: err.Error()})
	case errors.Is(err, app.ErrNotFound):
		writeErrorBody(w, http.StatusNotFound, errorResponse{Error: kindNotFound, Message: "payment request not found"})
	case errors.Is(err, app.ErrVerificationMismatch):
		writeErrorBody(w, http.StatusUnprocessableEntity, errorResponse{Error: kindMismatch, Message: err.Error()})
	case errors.Is(err, app.ErrTransactionBuild):
		log.Printf("level=error component=api endpoint=%s outcome=error reason=transaction_build err=%v", endpoint, err)
		writeErrorBody(w, http.StatusBadGateway, errorResponse{Error: kindLedger, Message: "could not build the transfer transaction"})
	case errors.Is(err, app.ErrTransientLedger):
		writeErrorBody(w, http.StatusServiceUnavailable, errorResponse{Error: kindLedger, Message: err.Error()})
	case errors.Is(err, hub.ErrCapacity):
		writeErrorBody(w, http.StatusTooManyRequests, errorResponse{Error: kindCapacity, Message: err.Error(), RetryAfter: streamCapacityRetryAfter})
	case errors.Is(err, app.ErrInvalidWebhookSignature):
		writeErrorBody(w, http.StatusUnauthorized, errorResponse{Error: kindUnauthorized, Message: err.Error()})
	case errors.Is(err, errForbidden):
		writeErrorBody(w, http.StatusForbidden, errorResponse{Error: kindUnauthorized, Message: err.Error()})
	default:
		log.Printf("level=error component=api endpoint=%s outcome=error err=%v", endpoint, err)
		writeErrorBody(w, http.StatusInternalServerError, errorResponse{Error: kindInternal, Message: "internal server error"})
	}
}
