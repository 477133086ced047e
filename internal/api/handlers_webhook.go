package api

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/transfa/payment-service/internal/app"
)

const webhookSignatureHeader = "X-Webhook-Signature"

type settlementWebhookRequest struct {
	Signature    string `json:"signature"`
	ReferenceKey string `json:"reference_key"`
}

// SettlementWebhookHandler handles POST /webhooks/settlement.
func (h *PaymentHandlers) SettlementWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil || !h.ingestor.Enabled() {
		writeErrorBody(w, http.StatusNotFound, errorResponse{Error: kindNotFound, Message: "settlement webhooks are not enabled"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorResponse{Error: kindValidation, Message: "could not read body"})
		return
	}
	if err := h.ingestor.Authenticate(body, r.Header.Get(webhookSignatureHeader)); err != nil {
		log.Printf("level=warn component=api endpoint=settlement_webhook outcome=reject reason=bad_signature remote=%s", getClientIP(r))
		writeAppError(w, "settlement_webhook", err)
		return
	}

	var req settlementWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorResponse{Error: kindValidation, Message: "invalid request body"})
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), app.SettlementNotice{
		Signature:    req.Signature,
		ReferenceKey: req.ReferenceKey,
	})
	if err != nil {
		writeAppError(w, "settlement_webhook", err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}
