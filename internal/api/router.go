/**
 * @description
 * This file sets up the HTTP router for the quote-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// QuoteRoutes creates and returns a new router for the quote service.
func QuoteRoutes(h *QuoteHandlers, jwtSecret string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Webhook ingress is authenticated by its HMAC signature, not a JWT.
	r.Post("/webhooks/processor", h.ProcessorWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwtSecret))

		r.Post("/quotes", h.CreateQuoteHandler)
		r.Get("/quotes/{id}", h.GetQuoteHandler)
		r.Put("/quotes/{id}", h.UpdateQuoteHandler)
		r.Post("/quotes/{id}/send", h.SendQuoteHandler)
		r.Post("/quotes/{id}/view", h.ViewQuoteHandler)
		r.Post("/quotes/{id}/accept", h.AcceptQuoteHandler)
		r.Post("/quotes/{id}/reject", h.RejectQuoteHandler)
		r.Post("/quotes/{id}/cancel", h.CancelQuoteHandler)

		// Payment endpoints
		r.Post("/quotes/{id}/payment-intent", h.CreatePaymentIntentHandler)
		r.Post("/quotes/{id}/confirm-payment", h.ConfirmPaymentHandler)
		r.Post("/quotes/{id}/refund", h.RefundPaymentHandler)
	})

	return r
}
