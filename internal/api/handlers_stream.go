package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payment-service/internal/app"
	"github.com/transfa/payment-service/internal/domain"
	"github.com/transfa/payment-service/internal/hub"
)

type streamStatusFrame struct {
	PaymentID    string               `json:"payment_id"`
	ReferenceKey string               `json:"reference_key,omitempty"`
	Status       domain.PaymentStatus `json:"status"`
	TxSignature  string               `json:"tx_signature,omitempty"`
	UpdatedAt    *time.Time           `json:"updated_at,omitempty"`
	FinalizedAt  *time.Time           `json:"finalized_at,omitempty"`
}

func statusFrameFor(payment *domain.PaymentRequest) streamStatusFrame {
	frame := streamStatusFrame{
		PaymentID:    payment.ID.String(),
		ReferenceKey: payment.ReferenceKey,
		Status:       payment.Status,
		FinalizedAt:  payment.FinalizedAt,
	}
	if payment.HasSignature() {
		frame.TxSignature = payment.TxSignature
	}
	if !payment.UpdatedAt.IsZero() {
		updated := payment.UpdatedAt
		frame.UpdatedAt = &updated
	}
	return frame
}

// StreamStatusHandler handles GET /payments/{id}/stream as server-sent events.
// The first frame carries the current status; the stream ends on a terminal
// status, idle expiry, client disconnect or shutdown.
func (h *PaymentHandlers) StreamStatusHandler(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, errorResponse{Error: kindInternal, Message: "streaming unsupported"})
		return
	}

	rawID := chi.URLParam(r, "id")
	lookup, err := lookupFromRequest(r, rawID)
	if err != nil {
		writeAppError(w, "stream_status", err)
		return
	}

	payment, err := h.service.Resolve(r.Context(), lookup)
	if errors.Is(err, app.ErrNotFound) {
		startEventStream(w)
		writeStatusEvent(w, streamStatusFrame{PaymentID: rawID, Status: domain.StatusNotFound})
		flusher.Flush()
		return
	}
	if err != nil {
		writeAppError(w, "stream_status", err)
		return
	}

	sub, err := h.hub.Subscribe(payment.ID.String())
	if err != nil {
		writeAppError(w, "stream_status", err)
		return
	}
	defer sub.Close(hub.ReasonClientGone)

	// Re-read after registering so a change committed in between is not lost.
	if fresh, err := h.service.Resolve(r.Context(), app.PaymentLookup{PaymentID: payment.ID.String()}); err == nil {
		payment = fresh
	}

	startEventStream(w)
	if !sub.Offer(payment) {
		return
	}
	log.Printf("level=info component=api endpoint=stream_status outcome=open payment_id=%s", payment.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			log.Printf("level=info component=api endpoint=stream_status outcome=closed payment_id=%s reason=%s", payment.ID, sub.Reason())
			return
		case frame := <-sub.Frames():
			if frame.Kind == hub.FrameHeartbeat {
				fmt.Fprint(w, ": heartbeat\n\n")
				flusher.Flush()
				continue
			}
			writeStatusEvent(w, statusFrameFor(frame.Payment))
			flusher.Flush()
			if frame.Payment.Status.IsTerminal() {
				sub.Close(hub.ReasonTerminal)
				return
			}
		}
	}
}

func startEventStream(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeStatusEvent(w http.ResponseWriter, frame streamStatusFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("level=error component=api endpoint=stream_status msg=\"failed to encode frame\" err=%v", err)
		return
	}
	fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
}
