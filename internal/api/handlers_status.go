package api

import (
	"net/http"
	"strconv"

	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/domain"
)

type rateLimitResponse struct {
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   string `json:"reset_at,omitempty"`
}

type pollStatusResponse struct {
	Payment        *domain.PaymentRequest `json:"payment"`
	StatusTimeline []domain.TimelineEntry `json:"status_timeline"`
	Verification   *app.VerifyResult      `json:"verification,omitempty"`
	RateLimit      rateLimitResponse      `json:"rate_limit"`
}

type bulkStatusRequest struct {
	IDs    []string `json:"ids"`
	UserID string   `json:"user_id"`
}

// PollStatusHandler handles GET /payments/status.
func (h *PaymentHandlers) PollStatusHandler(w http.ResponseWriter, r *http.Request) {
	lookup, err := lookupFromRequest(r, "")
	if err != nil {
		writeAppError(w, "poll_status", err)
		return
	}

	result, err := h.poller.CheckStatus(r.Context(), clientFingerprint(r), lookup)
	if err != nil {
		writeAppError(w, "poll_status", err)
		return
	}

	rate := rateLimitResponse{Limit: result.RateLimit.Limit, Remaining: result.RateLimit.Remaining}
	if !result.RateLimit.ResetAt.IsZero() {
		rate.ResetAt = formatTime(result.RateLimit.ResetAt)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rate.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rate.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.RateLimit.ResetAt.Unix(), 10))
	}

	writeJSON(w, http.StatusOK, pollStatusResponse{
		Payment:        result.Payment,
		StatusTimeline: result.Timeline,
		Verification:   result.Verification,
		RateLimit:      rate,
	})
}

// BulkStatusHandler handles POST /payments/status.
func (h *PaymentHandlers) BulkStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorResponse{Error: kindValidation, Message: "invalid request body"})
		return
	}

	userID, err := resolveUserID(r, req.UserID)
	if err != nil {
		writeAppError(w, "bulk_status", err)
		return
	}

	result, err := h.poller.BulkStatus(r.Context(), req.IDs, userID)
	if err != nil {
		writeAppError(w, "bulk_status", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
