/**
 * @description
 * This file contains the core business logic for the quote-service. The `Service`
 * struct orchestrates the quote lifecycle, coordinating between the database
 * repository, the payment processor client, and the message broker.
 *
 * Key features:
 * - Implements the commercial state machine for quotes (draft -> sent ->
 *   viewed -> accepted/rejected/expired/cancelled) with validity-deadline
 *   guards applied at transition time.
 * - Computes all money amounts through the integer-only calculator before
 *   anything is persisted.
 * - Publishes lifecycle events to RabbitMQ for asynchronous processing by
 *   other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/money, internal/store: For domain models,
 *   money arithmetic, and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/money"
	"github.com/quoteflow/quote-service/internal/store"
	"github.com/quoteflow/quote-service/pkg/processorclient"
	"github.com/quoteflow/quote-service/pkg/rabbitmq"
)

var (
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrQuoteExpired      = errors.New("quote validity deadline has passed")
	ErrForbidden         = errors.New("actor is not allowed to perform this operation")
	ErrNoLineItems       = errors.New("quote must have at least one line item")
	ErrQuoteNotPayable   = errors.New("quote is not in a payable state")
	ErrQuoteNotPaid      = errors.New("quote has no captured payment to refund")
	ErrAlreadyRefunded   = errors.New("quote payment has already been refunded")
	ErrRefundTooLarge    = errors.New("refund amount exceeds the captured amount")
	ErrIntentMismatch    = errors.New("intent reference does not match the quote's active intent")
)

// ProcessorClient is the subset of the payment processor API the service uses.
type ProcessorClient interface {
	CreateIntent(ctx context.Context, req processorclient.CreateIntentRequest, idempotencyKey string) (*processorclient.IntentResponse, error)
	ConfirmIntent(ctx context.Context, intentRef string, req processorclient.ConfirmIntentRequest, idempotencyKey string) (*processorclient.IntentResponse, error)
	CancelIntent(ctx context.Context, intentRef string, idempotencyKey string) (*processorclient.IntentResponse, error)
	CreateRefund(ctx context.Context, req processorclient.RefundRequest, idempotencyKey string) (*processorclient.RefundResponse, error)
}

// PricingParams carries the integer fee/tax configuration applied to quotes.
type PricingParams struct {
	TaxRateBps             int64
	ProcessorFeeBps        int64
	ProcessorFeeFixedCents int64
	PlatformFeeBps         int64
}

// Service provides the core business logic for quotes and payments.
type Service struct {
	repo          store.Repository
	processor     ProcessorClient
	eventProducer rabbitmq.Publisher
	pricing       PricingParams
	validity      time.Duration
	webhookSecret string
	tolerance     time.Duration

	// now is swapped out in tests to pin transition-deadline behavior.
	now func() time.Time
}

// NewService creates a new quote service instance.
func NewService(repo store.Repository, processor ProcessorClient, producer rabbitmq.Publisher, pricing PricingParams, validity time.Duration, webhookSecret string, tolerance time.Duration) *Service {
	return &Service{
		repo:          repo,
		processor:     processor,
		eventProducer: producer,
		pricing:       pricing,
		validity:      validity,
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
		now:           time.Now,
	}
}

// quoteTransitions is the commercial state machine. A target status missing
// from a source's list is an illegal edge regardless of actor.
var quoteTransitions = map[domain.QuoteStatus][]domain.QuoteStatus{
	domain.QuoteStatusDraft:  {domain.QuoteStatusSent, domain.QuoteStatusCancelled},
	domain.QuoteStatusViewed: {domain.QuoteStatusAccepted, domain.QuoteStatusRejected, domain.QuoteStatusExpired, domain.QuoteStatusCancelled},
	domain.QuoteStatusSent: {
		domain.QuoteStatusViewed, domain.QuoteStatusAccepted, domain.QuoteStatusRejected,
		domain.QuoteStatusExpired, domain.QuoteStatusCancelled,
	},
}

func transitionAllowed(from, to domain.QuoteStatus) bool {
	for _, target := range quoteTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// CreateQuote creates a new draft quote for the given provider. Totals are
// computed server-side; any client-side totals in the payload are ignored.
func (s *Service) CreateQuote(ctx context.Context, actor domain.Actor, payload domain.CreateQuotePayload) (*domain.Quote, error) {
	if len(payload.LineItems) == 0 {
		return nil, ErrNoLineItems
	}

	taxRate := int64(0)
	if payload.TaxEnabled {
		taxRate = s.pricing.TaxRateBps
	}
	totals, err := money.CalculateQuoteTotals(toCalcItems(payload.LineItems), payload.TaxEnabled, taxRate)
	if err != nil {
		return nil, fmt.Errorf("failed to price quote: %w", err)
	}

	validity := s.validity
	if payload.ValidForHours > 0 {
		validity = time.Duration(payload.ValidForHours) * time.Hour
	}

	quote := &domain.Quote{
		ID:            uuid.New(),
		ProviderID:    actor.ID,
		ClientID:      payload.ClientID,
		JobID:         payload.JobID,
		LineItems:     payload.LineItems,
		TaxEnabled:    payload.TaxEnabled,
		Subtotal:      totals.Subtotal,
		Tax:           totals.Tax,
		Total:         totals.Total,
		Currency:      payload.Currency,
		ValidUntil:    s.now().Add(validity),
		Status:        domain.QuoteStatusDraft,
		PaymentStatus: domain.PaymentStatusUnpaid,
	}

	created, err := s.repo.CreateQuote(ctx, quote)
	if err != nil {
		log.Printf("level=error component=quote_service op=create_quote provider_id=%s err=%v", actor.ID, err)
		return nil, fmt.Errorf("failed to create quote: %w", err)
	}
	log.Printf("level=info component=quote_service op=create_quote quote_id=%s quote_number=%s total=%d currency=%s", created.ID, created.QuoteNumber, created.Total, created.Currency)
	return created, nil
}

// UpdateQuote edits a draft quote's content. Once a quote leaves draft its
// priced content is frozen.
func (s *Service) UpdateQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID, payload domain.UpdateQuotePayload) (*domain.Quote, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "system" && actor.ID != quote.ProviderID {
		return nil, ErrForbidden
	}
	if len(payload.LineItems) == 0 {
		return nil, ErrNoLineItems
	}

	taxEnabled := quote.TaxEnabled
	if payload.TaxEnabled != nil {
		taxEnabled = *payload.TaxEnabled
	}
	taxRate := int64(0)
	if taxEnabled {
		taxRate = s.pricing.TaxRateBps
	}
	totals, err := money.CalculateQuoteTotals(toCalcItems(payload.LineItems), taxEnabled, taxRate)
	if err != nil {
		return nil, fmt.Errorf("failed to price quote: %w", err)
	}

	updated, err := s.repo.UpdateDraftQuote(ctx, quoteID, store.UpdateDraftQuoteParams{
		LineItems:  payload.LineItems,
		TaxEnabled: taxEnabled,
		Subtotal:   totals.Subtotal,
		Tax:        totals.Tax,
		Total:      totals.Total,
		ValidUntil: payload.ValidUntil,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=quote_service op=update_quote quote_id=%s total=%d", updated.ID, updated.Total)
	return updated, nil
}

// GetQuote fetches a quote visible to the actor.
func (s *Service) GetQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "system" && actor.ID != quote.ProviderID && actor.ID != quote.ClientID {
		return nil, ErrForbidden
	}
	return quote, nil
}

// SendQuote moves a draft to sent, making it visible to the client.
func (s *Service) SendQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error) {
	return s.transition(ctx, actor, quoteID, domain.QuoteStatusSent, func(q *domain.Quote) error {
		if actor.Role != "system" && actor.ID != q.ProviderID {
			return ErrForbidden
		}
		if !s.now().Before(q.ValidUntil) {
			return ErrQuoteExpired
		}
		return nil
	})
}

// MarkQuoteViewed records the client opening the quote. Re-viewing an already
// viewed quote is a no-op rather than an error.
func (s *Service) MarkQuoteViewed(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if actor.Role != "system" && actor.ID != quote.ClientID {
		return nil, ErrForbidden
	}
	if quote.Status == domain.QuoteStatusViewed {
		return quote, nil
	}
	return s.transition(ctx, actor, quoteID, domain.QuoteStatusViewed, func(q *domain.Quote) error {
		if expired, err := s.expireIfPastDeadline(ctx, q); expired != nil || err != nil {
			if err != nil {
				return err
			}
			return ErrQuoteExpired
		}
		return nil
	})
}

// AcceptQuote records the client's acceptance. Accepting past the validity
// deadline forces the quote to expired instead.
func (s *Service) AcceptQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error) {
	return s.transition(ctx, actor, quoteID, domain.QuoteStatusAccepted, func(q *domain.Quote) error {
		if actor.Role != "system" && actor.ID != q.ClientID {
			return ErrForbidden
		}
		if expired, err := s.expireIfPastDeadline(ctx, q); expired != nil || err != nil {
			if err != nil {
				return err
			}
			return ErrQuoteExpired
		}
		return nil
	})
}

// RejectQuote records the client's rejection. Like acceptance, it is guarded
// by the validity deadline.
func (s *Service) RejectQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error) {
	return s.transition(ctx, actor, quoteID, domain.QuoteStatusRejected, func(q *domain.Quote) error {
		if actor.Role != "system" && actor.ID != q.ClientID {
			return ErrForbidden
		}
		if expired, err := s.expireIfPastDeadline(ctx, q); expired != nil || err != nil {
			if err != nil {
				return err
			}
			return ErrQuoteExpired
		}
		return nil
	})
}

// CancelQuote withdraws an open quote. Only the provider (or the system) may
// cancel, and only before a terminal state is reached. Any active payment
// intent is voided at the processor so the client cannot pay a dead quote.
func (s *Service) CancelQuote(ctx context.Context, actor domain.Actor, quoteID uuid.UUID) (*domain.Quote, error) {
	cancelled, err := s.transition(ctx, actor, quoteID, domain.QuoteStatusCancelled, func(q *domain.Quote) error {
		if actor.Role != "system" && actor.ID != q.ProviderID {
			return ErrForbidden
		}
		if q.PaymentStatus == domain.PaymentStatusPaid {
			return ErrInvalidTransition
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.voidActiveIntent(ctx, cancelled)
	return cancelled, nil
}

// voidActiveIntent cancels the quote's active payment intent, if any. The
// quote-side cancellation has already committed, so processor failures are
// logged and left for the processor's own expiry to clean up.
func (s *Service) voidActiveIntent(ctx context.Context, quote *domain.Quote) {
	intent, err := s.repo.FindActivePaymentIntentByQuoteID(ctx, quote.ID)
	if err != nil {
		if !errors.Is(err, store.ErrIntentNotFound) {
			log.Printf("level=warn component=quote_service op=void_intent quote_id=%s err=%v", quote.ID, err)
		}
		return
	}
	idemKey := processorclient.IdempotencyKey("cancel_intent", quote.ID.String(), intent.AttemptNumber)
	if _, err := s.processor.CancelIntent(ctx, intent.ExternalRef, idemKey); err != nil {
		log.Printf("level=warn component=quote_service op=void_intent quote_id=%s intent_ref=%s msg=\"processor cancel failed\" err=%v", quote.ID, intent.ExternalRef, err)
		return
	}
	if err := s.repo.UpdatePaymentIntentStatus(ctx, intent.ExternalRef, domain.IntentStatusCanceled, nil); err != nil {
		log.Printf("level=warn component=quote_service op=void_intent quote_id=%s intent_ref=%s err=%v", quote.ID, intent.ExternalRef, err)
		return
	}
	log.Printf("level=info component=quote_service op=void_intent quote_id=%s intent_ref=%s msg=\"intent voided\"", quote.ID, intent.ExternalRef)
}

// transition applies one commercial state change guarded by the transition
// table and the caller-supplied check, then publishes the lifecycle event.
func (s *Service) transition(ctx context.Context, actor domain.Actor, quoteID uuid.UUID, target domain.QuoteStatus, check func(*domain.Quote) error) (*domain.Quote, error) {
	quote, err := s.repo.FindQuoteByID(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(quote.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, quote.Status, target)
	}
	if check != nil {
		if err := check(quote); err != nil {
			return nil, err
		}
	}

	updated, err := s.repo.UpdateQuoteStatusAtomic(ctx, quoteID, quote.Version, target)
	if err != nil {
		if errors.Is(err, store.ErrQuoteConflict) {
			log.Printf("level=warn component=quote_service op=transition quote_id=%s target=%s msg=\"lost version race\"", quoteID, target)
		}
		return nil, err
	}

	log.Printf("level=info component=quote_service op=transition quote_id=%s from=%s to=%s actor_role=%s", quoteID, quote.Status, target, actor.Role)
	s.publishQuoteEvent(ctx, updated, "quote."+string(target))
	return updated, nil
}

// expireIfPastDeadline force-expires an open quote whose deadline has passed.
// Returns the expired quote when it fired, nil when the deadline is still in
// the future.
func (s *Service) expireIfPastDeadline(ctx context.Context, quote *domain.Quote) (*domain.Quote, error) {
	if s.now().Before(quote.ValidUntil) {
		return nil, nil
	}
	expired, err := s.repo.UpdateQuoteStatusAtomic(ctx, quote.ID, quote.Version, domain.QuoteStatusExpired)
	if err != nil {
		if errors.Is(err, store.ErrQuoteConflict) {
			// Someone else moved the quote first; re-read and let the caller
			// re-evaluate against the fresh state.
			return s.repo.FindQuoteByID(ctx, quote.ID)
		}
		return nil, err
	}
	log.Printf("level=info component=quote_service op=force_expire quote_id=%s valid_until=%s", quote.ID, quote.ValidUntil.Format(time.RFC3339))
	s.publishQuoteEvent(ctx, expired, "quote.expired")
	return expired, nil
}

// publishQuoteEvent emits a lifecycle event. Publication is best-effort: a
// broker outage must never roll back a committed state change.
func (s *Service) publishQuoteEvent(ctx context.Context, quote *domain.Quote, routingKey string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.QuoteStatusEvent{
		QuoteID:       quote.ID,
		QuoteNumber:   quote.QuoteNumber,
		Status:        quote.Status,
		PaymentStatus: quote.PaymentStatus,
		Amount:        quote.Total,
		Currency:      quote.Currency,
		OccurredAt:    s.now(),
	}
	if err := s.eventProducer.Publish(ctx, rabbitmq.QuoteEventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=quote_service msg=\"event publish failed\" quote_id=%s routing_key=%s err=%v", quote.ID, routingKey, err)
	}
}

func toCalcItems(items []domain.LineItem) []money.LineItem {
	out := make([]money.LineItem, len(items))
	for i, item := range items {
		out[i] = money.LineItem{Quantity: item.Quantity, UnitPrice: item.UnitPrice}
	}
	return out
}
