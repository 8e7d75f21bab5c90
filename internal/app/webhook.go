/**
 * @description
 * This file contains the webhook ingestion pipeline: signed processor
 * notifications enter here, pass the signature and freshness checks, the
 * durable dedup gate, and finally the per-event-type handlers that apply
 * payment outcomes to quotes.
 *
 * Pipeline stages:
 *  1. Verify the HMAC signature and its timestamp freshness.
 *  2. Parse the envelope and require an event id and type.
 *  3. Insert the dedup record; duplicates short-circuit here.
 *  4. Dispatch the event to its handler.
 *  5. On handler failure, mark the record failed so a redelivery retries it.
 *  6. On success, mark the record processed.
 *
 * The handlers only ever call the repository's idempotent Mark* primitives,
 * so a webhook racing the direct confirmation path applies at most one
 * logical change.
 */

package app

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/quoteflow/quote-service/internal/domain"
)

var (
	ErrSignatureMalformed = errors.New("webhook signature header is malformed")
	ErrSignatureInvalid   = errors.New("webhook signature does not match")
	ErrSignatureStale     = errors.New("webhook timestamp is outside the accepted tolerance")
	ErrEnvelopeMalformed  = errors.New("webhook payload is not a valid event envelope")
)

// IngestOutcome classifies what the pipeline did with a delivery. HTTP status
// mapping happens at the API layer.
type IngestOutcome int

const (
	// IngestApplied means this delivery won the dedup gate and its side
	// effect was applied.
	IngestApplied IngestOutcome = iota
	// IngestAlreadyProcessed means the event id was seen and settled before;
	// nothing was re-applied.
	IngestAlreadyProcessed
	// IngestInFlight means another delivery of the same event id is being
	// processed right now; the caller should have the sender retry later.
	IngestInFlight
	// IngestApplyFailed means the handler errored; the record is marked
	// failed and a redelivery will retry it.
	IngestApplyFailed
)

// IngestEvent runs one raw webhook delivery through the full pipeline.
// Nothing is written to the event store before the signature check passes.
func (s *Service) IngestEvent(ctx context.Context, signatureHeader string, body []byte) (IngestOutcome, error) {
	if err := s.verifySignature(signatureHeader, body); err != nil {
		log.Printf("level=warn component=webhook_pipeline msg=\"signature rejected\" err=%v", err)
		return IngestApplyFailed, err
	}

	var envelope domain.WebhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return IngestApplyFailed, fmt.Errorf("%w: %v", ErrEnvelopeMalformed, err)
	}
	if envelope.ID == "" || envelope.Type == "" {
		return IngestApplyFailed, fmt.Errorf("%w: missing id or type", ErrEnvelopeMalformed)
	}
	envelope.Raw = json.RawMessage(body)

	// Dedup gate. Exactly one of N concurrent deliveries of the same event id
	// gets inserted=true and proceeds to the handler.
	inserted, existing, err := s.repo.InsertWebhookEventIfAbsent(ctx, &domain.WebhookEventRecord{
		EventID:    envelope.ID,
		EventType:  envelope.Type,
		Status:     domain.WebhookEventReceived,
		RawPayload: envelope.Raw,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return IngestApplyFailed, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !inserted {
		switch existing.Status {
		case domain.WebhookEventProcessed:
			log.Printf("level=info component=webhook_pipeline event_id=%s type=%s msg=\"duplicate delivery of processed event\"", envelope.ID, envelope.Type)
			return IngestAlreadyProcessed, nil
		case domain.WebhookEventReceived:
			return IngestInFlight, nil
		case domain.WebhookEventFailed:
			claimed, err := s.repo.ClaimFailedWebhookEventForRetry(ctx, envelope.ID)
			if err != nil {
				return IngestApplyFailed, err
			}
			if !claimed {
				// A concurrent redelivery claimed it first.
				return IngestInFlight, nil
			}
			log.Printf("level=info component=webhook_pipeline event_id=%s type=%s msg=\"reprocessing previously failed event\"", envelope.ID, envelope.Type)
		}
	}

	if err := s.applyEvent(ctx, envelope); err != nil {
		log.Printf("level=error component=webhook_pipeline event_id=%s type=%s msg=\"handler failed\" err=%v", envelope.ID, envelope.Type, err)
		if markErr := s.repo.MarkWebhookEventFailed(ctx, envelope.ID, err.Error()); markErr != nil {
			log.Printf("level=error component=webhook_pipeline event_id=%s msg=\"failed to mark event failed\" err=%v", envelope.ID, markErr)
		}
		return IngestApplyFailed, err
	}

	if err := s.repo.MarkWebhookEventProcessed(ctx, envelope.ID); err != nil {
		return IngestApplyFailed, err
	}
	log.Printf("level=info component=webhook_pipeline event_id=%s type=%s msg=\"event applied\"", envelope.ID, envelope.Type)
	return IngestApplied, nil
}

// applyEvent dispatches one event to its handler. Unknown event types are
// acknowledged without side effects so the sender stops redelivering them.
func (s *Service) applyEvent(ctx context.Context, envelope domain.WebhookEnvelope) error {
	obj := envelope.Data.Object
	switch envelope.Type {
	case "payment_intent.succeeded":
		quote, err := s.repo.FindQuoteByIntentRef(ctx, obj.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve quote for intent %s: %w", obj.ID, err)
		}
		applied, updated, err := s.repo.MarkQuotePaidAtomic(ctx, quote.ID, obj.ID, obj.TransactionID, s.now())
		if err != nil {
			return err
		}
		if applied {
			s.publishQuoteEvent(ctx, updated, "quote.payment.paid")
		}
		return nil

	case "payment_intent.payment_failed":
		quote, err := s.repo.FindQuoteByIntentRef(ctx, obj.ID)
		if err != nil {
			return fmt.Errorf("failed to resolve quote for intent %s: %w", obj.ID, err)
		}
		applied, err := s.repo.MarkQuotePaymentFailedAtomic(ctx, quote.ID, obj.ID, obj.FailureReason)
		if err != nil {
			return err
		}
		if applied {
			updated, err := s.repo.FindQuoteByID(ctx, quote.ID)
			if err != nil {
				return err
			}
			s.publishQuoteEvent(ctx, updated, "quote.payment.failed")
		}
		return nil

	case "payment_intent.canceled":
		return s.repo.UpdatePaymentIntentStatus(ctx, obj.ID, domain.IntentStatusCanceled, nil)

	case "refund.succeeded":
		quote, err := s.repo.FindQuoteByIntentRef(ctx, obj.IntentRef)
		if err != nil {
			return fmt.Errorf("failed to resolve quote for refund %s: %w", obj.ID, err)
		}
		return s.applyRefundSucceeded(ctx, quote.ID, obj.ID)

	case "refund.failed":
		return s.repo.UpdateRefundStatus(ctx, obj.ID, domain.RefundStatusFailed)

	case "invoice.created", "invoice.paid", "invoice.payment_failed":
		// The payment outcome itself arrives on the payment_intent events;
		// invoice events only attach the invoice reference to the quote.
		quote, err := s.repo.FindQuoteByIntentRef(ctx, obj.IntentRef)
		if err != nil {
			return fmt.Errorf("failed to resolve quote for invoice %s: %w", obj.ID, err)
		}
		return s.repo.SetQuoteInvoiceRef(ctx, quote.ID, obj.ID)

	case "dispute.created":
		// No dispute state is kept; surface it loudly for manual follow-up.
		log.Printf("level=warn component=webhook_pipeline event_id=%s dispute_id=%s intent_ref=%s reason=%q msg=\"payment disputed\"", envelope.ID, obj.ID, obj.IntentRef, obj.Reason)
		return nil

	default:
		log.Printf("level=info component=webhook_pipeline event_id=%s type=%s msg=\"unhandled event type acknowledged\"", envelope.ID, envelope.Type)
		return nil
	}
}

// verifySignature checks the `t=<unix>,v1=<hex>` header against
// HMAC-SHA256(secret, "<t>.<body>") and rejects timestamps outside the
// configured tolerance. Comparison is constant-time.
func (s *Service) verifySignature(header string, body []byte) error {
	if s.webhookSecret == "" {
		// No secret means no delivery can be authenticated. Fail closed.
		log.Printf("level=error component=webhook_pipeline msg=\"signing secret not configured; rejecting delivery\"")
		return ErrSignatureInvalid
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrSignatureMalformed
	}

	var tsPart, sigPart string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			tsPart = kv[1]
		case "v1":
			sigPart = kv[1]
		}
	}
	if tsPart == "" || sigPart == "" {
		return ErrSignatureMalformed
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return ErrSignatureMalformed
	}
	provided, err := hex.DecodeString(sigPart)
	if err != nil {
		return ErrSignatureMalformed
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write([]byte(tsPart))
	mac.Write([]byte("."))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrSignatureInvalid
	}

	// Freshness is checked after authenticity so a forger learns nothing
	// about which check failed first.
	age := s.now().Unix() - ts
	if age < 0 {
		age = -age
	}
	if age > int64(s.tolerance.Seconds()) {
		return ErrSignatureStale
	}
	return nil
}
