/**
 * @description
 * This file contains the HTTP handler for the payment processor's webhook
 * endpoint. It reads the raw body, applies the ingress rate limit, and hands
 * the delivery to the ingestion pipeline. The pipeline's outcome and error are
 * mapped onto HTTP statuses here; the pipeline itself knows nothing about HTTP.
 *
 * Status mapping:
 * - applied / already processed -> 200 (the sender stops redelivering)
 * - bad or stale signature      -> 401
 * - malformed envelope          -> 400
 * - same event id in flight     -> 409 (redeliver later)
 * - handler failure             -> 500 (redeliver later; record marked failed)
 */

package api

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/quoteflow/quote-service/internal/app"
)

// maxWebhookBodyBytes bounds inbound payloads; processor events are small.
const maxWebhookBodyBytes = 1 << 20

// ProcessorWebhookHandler receives signed payment processor notifications.
func (h *QuoteHandlers) ProcessorWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil {
		subject := r.Header.Get("X-Forwarded-For")
		if subject == "" {
			subject = r.RemoteAddr
		}
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "webhook", subject, h.webhookLimitPerMinute, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing webhook\" err=%v", err)
		} else if h.webhookLimitPerMinute > 0 && count > h.webhookLimitPerMinute {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			h.writeError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Could not read request body")
		return
	}

	outcome, err := h.service.IngestEvent(r.Context(), r.Header.Get("Processor-Signature"), body)
	switch outcome {
	case app.IngestApplied, app.IngestAlreadyProcessed:
		h.writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
	case app.IngestInFlight:
		h.writeError(w, http.StatusConflict, "Event is being processed")
	default:
		switch {
		case errors.Is(err, app.ErrSignatureMalformed), errors.Is(err, app.ErrSignatureInvalid), errors.Is(err, app.ErrSignatureStale):
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, app.ErrEnvelopeMalformed):
			h.writeError(w, http.StatusBadRequest, "Malformed event payload")
		default:
			h.writeError(w, http.StatusInternalServerError, "Event processing failed")
		}
	}
}
