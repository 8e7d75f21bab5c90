/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the quote-service. Defining an
 * interface decouples the business logic from the PostgreSQL implementation
 * and lets tests substitute in-memory stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/quoteflow/quote-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
//
// Atomicity contract: the *Atomic methods run their read-modify-write inside
// a single transaction holding a row lock on the quote, so concurrent callers
// for the same quote serialize and exactly one logical change wins.
type Repository interface {
	// Quote methods
	CreateQuote(ctx context.Context, quote *domain.Quote) (*domain.Quote, error)
	FindQuoteByID(ctx context.Context, quoteID uuid.UUID) (*domain.Quote, error)
	FindQuoteByIntentRef(ctx context.Context, intentRef string) (*domain.Quote, error)
	// UpdateDraftQuote replaces line items and recomputed totals; only rows
	// still in `draft` are touched.
	UpdateDraftQuote(ctx context.Context, quoteID uuid.UUID, params UpdateDraftQuoteParams) (*domain.Quote, error)
	// UpdateQuoteStatusAtomic moves the quote to `target` only if its version
	// still matches expectedVersion. A concurrent writer winning the race
	// surfaces as ErrQuoteConflict.
	UpdateQuoteStatusAtomic(ctx context.Context, quoteID uuid.UUID, expectedVersion int64, target domain.QuoteStatus) (*domain.Quote, error)
	ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.Quote, error)
	SetQuoteInvoiceRef(ctx context.Context, quoteID uuid.UUID, invoiceRef string) error

	// Payment state primitives. These are the single convergence point for
	// the orchestrator and the webhook pipeline: applying the same outcome
	// twice is a no-op, reported via the `applied` flag.
	MarkQuotePaidAtomic(ctx context.Context, quoteID uuid.UUID, intentRef, transactionRef string, paidAt time.Time) (applied bool, quote *domain.Quote, err error)
	MarkQuotePaymentFailedAtomic(ctx context.Context, quoteID uuid.UUID, intentRef, failureReason string) (applied bool, err error)
	MarkQuoteRefundedAtomic(ctx context.Context, quoteID uuid.UUID, refundRef string, refundedAt time.Time) (applied bool, err error)

	// Payment intent methods
	CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error
	FindActivePaymentIntentByQuoteID(ctx context.Context, quoteID uuid.UUID) (*domain.PaymentIntent, error)
	FindPaymentIntentByExternalRef(ctx context.Context, externalRef string) (*domain.PaymentIntent, error)
	UpdatePaymentIntentStatus(ctx context.Context, externalRef string, status domain.IntentStatus, failureReason *string) error

	// Refund methods
	CreateRefund(ctx context.Context, refund *domain.Refund) error
	FindRefundByExternalRef(ctx context.Context, externalRef string) (*domain.Refund, error)
	UpdateRefundStatus(ctx context.Context, externalRef string, status domain.RefundStatus) error

	// Webhook event store methods
	// InsertWebhookEventIfAbsent is the idempotency gate: the insert uses the
	// event-id unique constraint so two concurrent deliveries cannot both
	// pass. When the record already exists, the existing row is returned.
	InsertWebhookEventIfAbsent(ctx context.Context, record *domain.WebhookEventRecord) (inserted bool, existing *domain.WebhookEventRecord, err error)
	MarkWebhookEventProcessed(ctx context.Context, eventID string) error
	MarkWebhookEventFailed(ctx context.Context, eventID string, errorDetail string) error
	// ClaimFailedWebhookEventForRetry atomically flips a `failed` record back
	// to `received`, claiming it for exactly one reprocessing attempt.
	ClaimFailedWebhookEventForRetry(ctx context.Context, eventID string) (claimed bool, err error)
}

// UpdateDraftQuoteParams carries the recomputed draft content. Totals must
// come from the money calculator, never from the caller's request.
type UpdateDraftQuoteParams struct {
	LineItems  []domain.LineItem
	TaxEnabled bool
	Subtotal   int64
	Tax        int64
	Total      int64
	ValidUntil *time.Time
}
