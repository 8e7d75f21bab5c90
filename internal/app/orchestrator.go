/**
 * @description
 * This file contains the payment orchestration logic: creating payment intents
 * against the external processor, confirming them, and issuing refunds. All
 * quote-side effects of payment outcomes flow through the repository's
 * idempotent Mark* primitives, which the webhook pipeline shares, so a direct
 * confirmation racing a webhook delivery converges on one applied change.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/money"
	"github.com/quoteflow/quote-service/internal/store"
	"github.com/quoteflow/quote-service/pkg/processorclient"
)

// CreatePaymentIntentForQuote registers a payment intent for an open quote.
// At most one intent may be active per quote; calling it again while one is
// active is rejected with store.ErrIntentAlreadyActive.
func (s *Service) CreatePaymentIntentForQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.PaymentIntent, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "system" && actor.ID != quote.ClientID {
		return nil, ErrForbidden
	}
	if quote.PaymentStatus == domain.PaymentStatusPaid || quote.PaymentStatus == domain.PaymentStatusRefunded {
		return nil, ErrQuoteNotPayable
	}
	switch quote.Status {
	case domain.QuoteStatusSent, domain.QuoteStatusViewed, domain.QuoteStatusAccepted:
	default:
		return nil, ErrQuoteNotPayable
	}
	if expired, err := s.expireIfPastDeadline(ctx, quote); err != nil {
		return nil, err
	} else if expired != nil {
		return nil, ErrQuoteExpired
	}

	if existing, err := s.repo.FindActivePaymentIntentByQuoteID(ctx, quoteID); err == nil {
		log.Printf("level=warn component=payment_orchestrator op=create_intent quote_id=%s msg=\"intent already active\" intent_ref=%s", quoteID, existing.ExternalRef)
		return nil, store.ErrIntentAlreadyActive
	} else if !errors.Is(err, store.ErrIntentNotFound) {
		return nil, err
	}

	// The quote version increments on every state change, including a prior
	// payment failure, so it doubles as the attempt counter: a retry after a
	// failed attempt derives a fresh idempotency key.
	attempt := int(quote.Version)
	idemKey := processorclient.IdempotencyKey("create_intent", quoteID.String(), attempt)

	resp, err := s.processor.CreateIntent(ctx, processorclient.CreateIntentRequest{
		Amount:      quote.Total,
		Currency:    quote.Currency,
		Description: "Quote " + quote.QuoteNumber,
		Metadata:    map[string]string{"quote_id": quoteID.String()},
	}, idemKey)
	if err != nil {
		log.Printf("level=error component=payment_orchestrator op=create_intent quote_id=%s err=%v", quoteID, err)
		return nil, fmt.Errorf("failed to create processor intent: %w", err)
	}

	intent := &domain.PaymentIntent{
		ID:             uuid.New(),
		QuoteID:        quoteID,
		ExternalRef:    resp.ID,
		Amount:         quote.Total,
		Currency:       quote.Currency,
		Status:         domain.IntentStatusPending,
		IdempotencyKey: idemKey,
		AttemptNumber:  attempt,
	}
	if err := s.repo.CreatePaymentIntent(ctx, intent); err != nil {
		// Includes losing the unique-index race against a concurrent caller.
		return nil, err
	}

	if fees, feeErr := money.CalculateFees(quote.Total, s.pricing.ProcessorFeeBps, s.pricing.ProcessorFeeFixedCents, s.pricing.PlatformFeeBps); feeErr == nil {
		log.Printf("level=info component=payment_orchestrator op=create_intent quote_id=%s intent_ref=%s amount=%d attempt=%d processor_fee=%d platform_fee=%d net_payable=%d",
			quoteID, resp.ID, quote.Total, attempt, fees.ProcessorFee, fees.PlatformFee, fees.NetPayable)
	} else {
		log.Printf("level=info component=payment_orchestrator op=create_intent quote_id=%s intent_ref=%s amount=%d attempt=%d", quoteID, resp.ID, quote.Total, attempt)
	}
	return intent, nil
}

// ConfirmPayment asks the processor to capture the quote's active intent and
// applies the synchronous outcome. The asynchronous webhook carrying the same
// outcome later lands on the same idempotent primitive and no-ops.
func (s *Service) ConfirmPayment(ctx context.Context, actor domain.Actor, quoteID uuid.UUID, payload domain.ConfirmPaymentPayload) (*domain.Quote, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "system" && actor.ID != quote.ClientID {
		return nil, ErrForbidden
	}
	if quote.PaymentStatus == domain.PaymentStatusPaid {
		// Confirming an already-paid quote is a clean no-op.
		return quote, nil
	}
	switch quote.Status {
	case domain.QuoteStatusCancelled, domain.QuoteStatusRejected, domain.QuoteStatusExpired:
		// The commercial agreement is dead; never capture against it even if
		// the intent void on cancellation did not go through.
		return nil, ErrQuoteNotPayable
	}

	intent, err := s.repo.FindActivePaymentIntentByQuoteID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if payload.IntentExternalRef != "" && payload.IntentExternalRef != intent.ExternalRef {
		return nil, ErrIntentMismatch
	}

	idemKey := processorclient.IdempotencyKey("confirm", quoteID.String(), intent.AttemptNumber)
	resp, err := s.processor.ConfirmIntent(ctx, intent.ExternalRef, processorclient.ConfirmIntentRequest{
		PaymentMethod: payload.PaymentMethodRef,
	}, idemKey)
	if err != nil {
		log.Printf("level=error component=payment_orchestrator op=confirm quote_id=%s intent_ref=%s err=%v", quoteID, intent.ExternalRef, err)
		return nil, fmt.Errorf("failed to confirm processor intent: %w", err)
	}

	switch resp.Status {
	case "succeeded":
		applied, updated, err := s.repo.MarkQuotePaidAtomic(ctx, quoteID, intent.ExternalRef, resp.TransactionID, s.now())
		if err != nil {
			return nil, err
		}
		if applied {
			log.Printf("level=info component=payment_orchestrator op=confirm quote_id=%s intent_ref=%s transaction_id=%s msg=\"payment captured\"", quoteID, intent.ExternalRef, resp.TransactionID)
			s.publishQuoteEvent(ctx, updated, "quote.payment.paid")
		}
		return updated, nil
	case "failed":
		applied, err := s.repo.MarkQuotePaymentFailedAtomic(ctx, quoteID, intent.ExternalRef, resp.FailureReason)
		if err != nil {
			return nil, err
		}
		if applied {
			log.Printf("level=warn component=payment_orchestrator op=confirm quote_id=%s intent_ref=%s reason=%q msg=\"payment failed\"", quoteID, intent.ExternalRef, resp.FailureReason)
		}
		updated, err := s.repo.FindQuoteByID(ctx, quoteID)
		if err != nil {
			return nil, err
		}
		if applied {
			s.publishQuoteEvent(ctx, updated, "quote.payment.failed")
		}
		return updated, nil
	default:
		// Still pending or awaiting client action; the webhook will settle it.
		if err := s.repo.UpdatePaymentIntentStatus(ctx, intent.ExternalRef, domain.IntentStatus(resp.Status), nil); err != nil {
			return nil, err
		}
		return s.repo.FindQuoteByID(ctx, quoteID)
	}
}

// RefundPayment reverses a captured payment, in full or in part, through the
// processor. Only the provider may initiate a refund. A second refund attempt
// against the same quote is rejected.
func (s *Service) RefundPayment(ctx context.Context, actor domain.Actor, quoteID uuid.UUID, payload domain.RefundPaymentPayload) (*domain.Refund, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "system" && actor.ID != quote.ProviderID {
		return nil, ErrForbidden
	}
	if quote.PaymentStatus == domain.PaymentStatusRefunded {
		return nil, ErrAlreadyRefunded
	}
	if quote.PaymentStatus != domain.PaymentStatusPaid || quote.TransactionID == nil || quote.PaymentIntentID == nil {
		return nil, ErrQuoteNotPaid
	}

	amount := payload.Amount
	if amount == 0 {
		amount = quote.Total
	}
	if amount < 0 || amount > quote.Total {
		return nil, ErrRefundTooLarge
	}

	idemKey := processorclient.IdempotencyKey("refund", quoteID.String(), int(quote.Version))
	resp, err := s.processor.CreateRefund(ctx, processorclient.RefundRequest{
		PaymentIntent: *quote.PaymentIntentID,
		Amount:        amount,
		Reason:        payload.Reason,
	}, idemKey)
	if err != nil {
		log.Printf("level=error component=payment_orchestrator op=refund quote_id=%s err=%v", quoteID, err)
		return nil, fmt.Errorf("failed to create processor refund: %w", err)
	}

	refund := &domain.Refund{
		ID:            uuid.New(),
		QuoteID:       quoteID,
		ExternalRef:   resp.ID,
		TransactionID: *quote.TransactionID,
		Amount:        amount,
		Reason:        payload.Reason,
		Status:        domain.RefundStatusPending,
	}
	if err := s.repo.CreateRefund(ctx, refund); err != nil {
		return nil, err
	}

	if resp.Status == "succeeded" {
		if err := s.applyRefundSucceeded(ctx, quoteID, resp.ID); err != nil {
			return nil, err
		}
		refund.Status = domain.RefundStatusSucceeded
	}

	log.Printf("level=info component=payment_orchestrator op=refund quote_id=%s refund_ref=%s amount=%d status=%s", quoteID, resp.ID, amount, refund.Status)
	return refund, nil
}

// applyRefundSucceeded is the shared settlement step for synchronous refund
// responses and refund webhooks.
func (s *Service) applyRefundSucceeded(ctx context.Context, quoteID uuid.UUID, refundRef string) error {
	applied, err := s.repo.MarkQuoteRefundedAtomic(ctx, quoteID, refundRef, s.now())
	if err != nil {
		return err
	}
	if err := s.repo.UpdateRefundStatus(ctx, refundRef, domain.RefundStatusSucceeded); err != nil {
		return err
	}
	if applied {
		quote, err := s.repo.FindQuoteByID(ctx, quoteID)
		if err != nil {
			return err
		}
		s.publishQuoteEvent(ctx, quote, "quote.payment.refunded")
	}
	return nil
}
