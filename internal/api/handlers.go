/**
 * @description
 * This file contains the HTTP handlers for the quote-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quoteflow/quote-service/internal/app"
	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/store"
	"github.com/quoteflow/quote-service/pkg/processorclient"
)

// QuoteHandlers holds the application service that handlers will use.
type QuoteHandlers struct {
	service *app.Service
	limiter *app.RedisRateLimiter

	quoteViewLimitPerMinute int
	webhookLimitPerMinute   int
}

// NewQuoteHandlers creates a new instance of QuoteHandlers.
func NewQuoteHandlers(service *app.Service, limiter *app.RedisRateLimiter, quoteViewLimit, webhookLimit int) *QuoteHandlers {
	return &QuoteHandlers{
		service:                 service,
		limiter:                 limiter,
		quoteViewLimitPerMinute: quoteViewLimit,
		webhookLimitPerMinute:   webhookLimit,
	}
}

// CreateQuoteHandler handles requests to create a new draft quote.
func (h *QuoteHandlers) CreateQuoteHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}

	var payload domain.CreateQuotePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	quote, err := h.service.CreateQuote(r.Context(), actor, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, quote)
}

// GetQuoteHandler handles fetching a single quote by its ID.
func (h *QuoteHandlers) GetQuoteHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}

	quote, err := h.service.GetQuote(r.Context(), actor, quoteID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// UpdateQuoteHandler handles editing a draft quote.
func (h *QuoteHandlers) UpdateQuoteHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}

	var payload domain.UpdateQuotePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	quote, err := h.service.UpdateQuote(r.Context(), actor, quoteID, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// SendQuoteHandler moves a draft quote to sent.
func (h *QuoteHandlers) SendQuoteHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, h.service.SendQuote)
}

// ViewQuoteHandler records the client viewing a quote. It is rate limited per
// client to keep a polling client from hammering the state machine.
func (h *QuoteHandlers) ViewQuoteHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	if h.limiter != nil {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "quote_view", actor.ID.String(), h.quoteViewLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing request\" err=%v", err)
		} else if h.quoteViewLimitPerMinute > 0 && count > h.quoteViewLimitPerMinute {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
	}

	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}
	quote, err := h.service.MarkQuoteViewed(r.Context(), actor, quoteID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// AcceptQuoteHandler records the client's acceptance.
func (h *QuoteHandlers) AcceptQuoteHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, h.service.AcceptQuote)
}

// RejectQuoteHandler records the client's rejection.
func (h *QuoteHandlers) RejectQuoteHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, h.service.RejectQuote)
}

// CancelQuoteHandler withdraws an open quote.
func (h *QuoteHandlers) CancelQuoteHandler(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, h.service.CancelQuote)
}

// CreatePaymentIntentHandler registers a payment intent for a quote.
func (h *QuoteHandlers) CreatePaymentIntentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}

	intent, err := h.service.CreatePaymentIntentForQuote(r.Context(), actor, quoteID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, intent)
}

// ConfirmPaymentHandler asks the processor to capture the quote's payment.
func (h *QuoteHandlers) ConfirmPaymentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}

	var payload domain.ConfirmPaymentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	quote, err := h.service.ConfirmPayment(r.Context(), actor, quoteID, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

// RefundPaymentHandler reverses a captured payment, fully or partially.
func (h *QuoteHandlers) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}

	var payload domain.RefundPaymentPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	refund, err := h.service.RefundPayment(r.Context(), actor, quoteID, payload)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, refund)
}

// transitionHandler is the shared shape of the simple lifecycle endpoints.
func (h *QuoteHandlers) transitionHandler(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error)) {
	actor, ok := GetActor(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Could not get actor from context")
		return
	}
	quoteID, ok := h.parseQuoteID(w, r)
	if !ok {
		return
	}

	quote, err := fn(r.Context(), actor, quoteID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func (h *QuoteHandlers) parseQuoteID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	quoteID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid quote ID")
		return uuid.Nil, false
	}
	return quoteID, true
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (h *QuoteHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrQuoteNotFound), errors.Is(err, store.ErrIntentNotFound), errors.Is(err, store.ErrRefundNotFound):
		h.writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, app.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, app.ErrInvalidTransition), errors.Is(err, store.ErrQuoteNotDraft), errors.Is(err, app.ErrQuoteNotPayable), errors.Is(err, app.ErrQuoteNotPaid), errors.Is(err, app.ErrAlreadyRefunded):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrQuoteExpired):
		h.writeError(w, http.StatusGone, "Quote has expired")
	case errors.Is(err, store.ErrQuoteConflict), errors.Is(err, store.ErrIntentAlreadyActive):
		h.writeError(w, http.StatusConflict, "Concurrent modification, please retry")
	case errors.Is(err, app.ErrNoLineItems), errors.Is(err, app.ErrRefundTooLarge), errors.Is(err, app.ErrIntentMismatch):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, processorclient.ErrServiceUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "Payment processor temporarily unavailable")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *QuoteHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *QuoteHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
