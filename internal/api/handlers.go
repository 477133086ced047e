/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API endpoints.
 * Handlers parse incoming requests, call the application services, and write the
 * HTTP response.
 *
 * @dependencies
 * - internal/app: Payment, verification, polling and webhook services.
 * - internal/hub: Push side of the status hub.
 */

package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/hub"
)

const maxRequestBodyBytes = 64 << 10

// PaymentHandlers holds the application services that handlers will use.
type PaymentHandlers struct {
	service  *app.Service
	poller   *app.StatusPoller
	ingestor *app.WebhookIngestor
	hub      *hub.Hub
}

func NewPaymentHandlers(service *app.Service, poller *app.StatusPoller, ingestor *app.WebhookIngestor, h *hub.Hub) *PaymentHandlers {
	return &PaymentHandlers{
		service:  service,
		poller:   poller,
		ingestor: ingestor,
		hub:      h,
	}
}

type splTokenRequest struct {
	Mint     string `json:"mint"`
	Decimals uint8  `json:"decimals"`
}

type createPaymentRequest struct {
	UserID         string            `json:"user_id"`
	AmountLamports int64             `json:"amount_lamports"`
	Destination    string            `json:"destination"`
	Recipient      string            `json:"recipient"`
	ReferenceKey   string            `json:"reference_key"`
	SPLToken       *splTokenRequest  `json:"spl_token"`
	Metadata       map[string]string `json:"metadata"`
}

type transactionResponse struct {
	Serialized   string `json:"serialized"`
	ReferenceKey string `json:"reference_key"`
}

type createPaymentResponse struct {
	Payment     *domain.PaymentRequest `json:"payment"`
	Transaction transactionResponse    `json:"transaction"`
}

type paymentStatusResponse struct {
	Payment        *domain.PaymentRequest `json:"payment"`
	Metadata       map[string]string      `json:"metadata"`
	StatusTimeline []domain.TimelineEntry `json:"status_timeline"`
}

type submitSignatureRequest struct {
	UserID    string `json:"user_id"`
	Signature string `json:"signature"`
}

type paymentResponse struct {
	Payment *domain.PaymentRequest `json:"payment"`
}

// CreatePaymentHandler handles POST /payments/{id}.
func (h *PaymentHandlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorResponse{Error: kindValidation, Message: "invalid request body"})
		return
	}

	userID, err := resolveUserID(r, req.UserID)
	if err != nil {
		writeAppError(w, "create_payment", err)
		return
	}

	destination := strings.TrimSpace(req.Destination)
	if destination == "" {
		destination = strings.TrimSpace(req.Recipient)
	}
	input := app.CreatePaymentInput{
		PaymentID:      chi.URLParam(r, "id"),
		UserID:         userID,
		AmountLamports: req.AmountLamports,
		Destination:    destination,
		ReferenceKey:   req.ReferenceKey,
		Metadata:       req.Metadata,
	}
	if req.SPLToken != nil {
		input.SPLToken = &domain.SPLToken{Mint: req.SPLToken.Mint, Decimals: req.SPLToken.Decimals}
	}

	result, err := h.service.Create(r.Context(), input)
	if err != nil {
		writeAppError(w, "create_payment", err)
		return
	}

	writeJSON(w, http.StatusCreated, createPaymentResponse{
		Payment: result.Payment,
		Transaction: transactionResponse{
			Serialized:   base64.StdEncoding.EncodeToString(result.Transaction),
			ReferenceKey: result.Payment.ReferenceKey,
		},
	})
}

// GetPaymentHandler handles GET /payments/{id}.
func (h *PaymentHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	lookup, err := lookupFromRequest(r, chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, "get_payment", err)
		return
	}

	view, err := h.service.GetStatus(r.Context(), lookup)
	if err != nil {
		writeAppError(w, "get_payment", err)
		return
	}

	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Payment:        view.Payment,
		Metadata:       view.Metadata,
		StatusTimeline: view.Timeline,
	})
}

// SubmitSignatureHandler handles POST /payments/{id}/signature.
func (h *PaymentHandlers) SubmitSignatureHandler(w http.ResponseWriter, r *http.Request) {
	var req submitSignatureRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, errorResponse{Error: kindValidation, Message: "invalid request body"})
		return
	}

	userID, err := resolveUserID(r, req.UserID)
	if err != nil {
		writeAppError(w, "submit_signature", err)
		return
	}
	lookup := app.PaymentLookup{
		PaymentID:    chi.URLParam(r, "id"),
		ReferenceKey: r.URL.Query().Get("reference_key"),
		UserID:       userID,
	}

	payment, err := h.service.SubmitSignature(r.Context(), lookup, req.Signature)
	if err != nil {
		writeAppError(w, "submit_signature", err)
		return
	}
	writeJSON(w, http.StatusAccepted, paymentResponse{Payment: payment})
}

// HealthHandler handles HEAD /payments/health.
func (h *PaymentHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	active := 0
	if h.hub != nil {
		active = h.hub.ActiveConnections()
	}
	w.Header().Set("X-Active-Connections", strconv.Itoa(active))
	w.WriteHeader(http.StatusOK)
}

// lookupFromRequest builds a lookup from the path id and the `reference_key`
// and `user_id` query parameters, applying the session user when present.
func lookupFromRequest(r *http.Request, paymentID string) (app.PaymentLookup, error) {
	query := r.URL.Query()
	userID, err := resolveUserID(r, query.Get("user_id"))
	if err != nil {
		return app.PaymentLookup{}, err
	}
	if paymentID == "" {
		paymentID = query.Get("payment_id")
	}
	return app.PaymentLookup{
		PaymentID:    paymentID,
		ReferenceKey: query.Get("reference_key"),
		UserID:       userID,
	}, nil
}

// resolveUserID reconciles a user id from the request with the session user.
// Without a session the requested id is used as is.
func resolveUserID(r *http.Request, requested string) (string, error) {
	requested = strings.TrimSpace(requested)
	sessionUser, ok := GetSessionUserID(r.Context())
	if !ok {
		return requested, nil
	}
	if requested != "" && requested != sessionUser {
		return "", errForbidden
	}
	return sessionUser, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, dst)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
