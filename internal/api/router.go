/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the API
 * endpoints, associates them with their handlers, and applies middleware for
 * logging, recovery, CORS, timeouts and sessions.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for browser and EventSource clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the router's optional pieces.
type RouterConfig struct {
	AllowedOrigins []string
	SessionSecret  string
	Metrics        http.Handler
}

// PaymentRoutes creates and returns the router for the payment service.
func PaymentRoutes(h *PaymentHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", webhookSignatureHeader},
		ExposedHeaders:   []string{"Retry-After", "X-Active-Connections", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Head("/payments/health", h.HealthHandler)

	// Streams stay open far longer than any request timeout.
	r.Group(func(r chi.Router) {
		r.Use(SessionAuthMiddleware(cfg.SessionSecret))
		r.Get("/payments/{id}/stream", h.StreamStatusHandler)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/webhooks/settlement", h.SettlementWebhookHandler)

		r.Group(func(r chi.Router) {
			r.Use(SessionAuthMiddleware(cfg.SessionSecret))

			r.Get("/payments/status", h.PollStatusHandler)
			r.Post("/payments/status", h.BulkStatusHandler)
			r.Post("/payments/{id}", h.CreatePaymentHandler)
			r.Get("/payments/{id}", h.GetPaymentHandler)
			r.Post("/payments/{id}/signature", h.SubmitSignatureHandler)
		})
	})

	return r
}
