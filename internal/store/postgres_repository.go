/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed to manage quotes, payment
 * intents, refunds, and the webhook event ledger.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quoteflow/quote-service/internal/domain"
)

var (
	ErrQuoteNotFound       = errors.New("quote not found")
	ErrQuoteNotDraft       = errors.New("quote is not editable")
	ErrQuoteConflict       = errors.New("quote was modified concurrently")
	ErrIntentNotFound      = errors.New("payment intent not found")
	ErrIntentAlreadyActive = errors.New("an active payment intent already exists for this quote")
	ErrRefundNotFound      = errors.New("refund not found")
	ErrEventNotFound       = errors.New("webhook event not found")
)

const quoteColumns = `
	id, quote_number, provider_id, client_id, job_id, line_items, tax_enabled,
	subtotal, tax, total, currency, valid_until, status, version,
	payment_intent_id, transaction_id, payment_status, paid_at,
	refund_id, refunded_at, invoice_id, created_at, updated_at
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*domain.Quote, error) {
	var quote domain.Quote
	var lineItems []byte
	err := row.Scan(
		&quote.ID,
		&quote.QuoteNumber,
		&quote.ProviderID,
		&quote.ClientID,
		&quote.JobID,
		&lineItems,
		&quote.TaxEnabled,
		&quote.Subtotal,
		&quote.Tax,
		&quote.Total,
		&quote.Currency,
		&quote.ValidUntil,
		&quote.Status,
		&quote.Version,
		&quote.PaymentIntentID,
		&quote.TransactionID,
		&quote.PaymentStatus,
		&quote.PaidAt,
		&quote.RefundID,
		&quote.RefundedAt,
		&quote.InvoiceID,
		&quote.CreatedAt,
		&quote.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &quote.LineItems); err != nil {
			return nil, fmt.Errorf("decode line items for quote %s: %w", quote.ID, err)
		}
	}
	return &quote, nil
}

// CreateQuote inserts a new draft quote. The human-readable quote number is
// assigned from a database sequence so it is unique and immutable.
func (r *PostgresRepository) CreateQuote(ctx context.Context, quote *domain.Quote) (*domain.Quote, error) {
	lineItems, err := json.Marshal(quote.LineItems)
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}

	query := `
		INSERT INTO quotes (
			id, quote_number, provider_id, client_id, job_id, line_items, tax_enabled,
			subtotal, tax, total, currency, valid_until, status, version, payment_status
		)
		VALUES (
			$1,
			'Q-' || to_char(NOW(), 'YYYY') || '-' || lpad(nextval('quote_number_seq')::text, 6, '0'),
			$2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13
		)
		RETURNING ` + quoteColumns
	row := r.db.QueryRow(ctx, query,
		quote.ID,
		quote.ProviderID,
		quote.ClientID,
		quote.JobID,
		lineItems,
		quote.TaxEnabled,
		quote.Subtotal,
		quote.Tax,
		quote.Total,
		quote.Currency,
		quote.ValidUntil,
		quote.Status,
		quote.PaymentStatus,
	)
	return scanQuote(row)
}

// FindQuoteByID retrieves a quote by its id.
func (r *PostgresRepository) FindQuoteByID(ctx context.Context, quoteID uuid.UUID) (*domain.Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1`
	quote, err := scanQuote(r.db.QueryRow(ctx, query, quoteID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	return quote, nil
}

// FindQuoteByIntentRef resolves the quote linked to a processor intent
// reference. Used by the webhook pipeline to route events. The intent table
// is consulted as well as the quote's own link, so an event still routes when
// the quote's pointer has been cleared or not yet observed.
func (r *PostgresRepository) FindQuoteByIntentRef(ctx context.Context, intentRef string) (*domain.Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes
		WHERE payment_intent_id = $1
		   OR id IN (SELECT quote_id FROM payment_intents WHERE external_ref = $1)
		LIMIT 1`
	quote, err := scanQuote(r.db.QueryRow(ctx, query, intentRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrQuoteNotFound
		}
		return nil, err
	}
	return quote, nil
}

// UpdateDraftQuote replaces a draft quote's content and recomputed totals.
// The status predicate in the WHERE clause keeps sent quotes immutable even
// under concurrent edits.
func (r *PostgresRepository) UpdateDraftQuote(ctx context.Context, quoteID uuid.UUID, params UpdateDraftQuoteParams) (*domain.Quote, error) {
	lineItems, err := json.Marshal(params.LineItems)
	if err != nil {
		return nil, fmt.Errorf("encode line items: %w", err)
	}

	query := `
		UPDATE quotes
		SET line_items = $1, tax_enabled = $2, subtotal = $3, tax = $4, total = $5,
		    valid_until = COALESCE($6, valid_until), version = version + 1, updated_at = NOW()
		WHERE id = $7 AND status = 'draft'
		RETURNING ` + quoteColumns
	quote, err := scanQuote(r.db.QueryRow(ctx, query,
		lineItems,
		params.TaxEnabled,
		params.Subtotal,
		params.Tax,
		params.Total,
		params.ValidUntil,
		quoteID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			// Either missing or no longer a draft; disambiguate for the caller.
			if _, findErr := r.FindQuoteByID(ctx, quoteID); findErr != nil {
				return nil, findErr
			}
			return nil, ErrQuoteNotDraft
		}
		return nil, err
	}
	return quote, nil
}

// UpdateQuoteStatusAtomic persists a commercial status transition guarded by
// the version column. A zero-row update means another writer got there first.
func (r *PostgresRepository) UpdateQuoteStatusAtomic(ctx context.Context, quoteID uuid.UUID, expectedVersion int64, target domain.QuoteStatus) (*domain.Quote, error) {
	query := `
		UPDATE quotes
		SET status = $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3
		RETURNING ` + quoteColumns
	quote, err := scanQuote(r.db.QueryRow(ctx, query, target, quoteID, expectedVersion))
	if err != nil {
		if err == pgx.ErrNoRows {
			if _, findErr := r.FindQuoteByID(ctx, quoteID); findErr != nil {
				return nil, findErr
			}
			return nil, ErrQuoteConflict
		}
		return nil, err
	}
	return quote, nil
}

// ListExpiryCandidates returns open quotes whose validity deadline has passed.
func (r *PostgresRepository) ListExpiryCandidates(ctx context.Context, cutoff time.Time, limit int) ([]domain.Quote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM quotes
		WHERE status IN ('sent', 'viewed') AND valid_until < $1
		ORDER BY valid_until ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quotes []domain.Quote
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, *quote)
	}
	return quotes, rows.Err()
}

// SetQuoteInvoiceRef records the processor invoice reference on the quote.
func (r *PostgresRepository) SetQuoteInvoiceRef(ctx context.Context, quoteID uuid.UUID, invoiceRef string) error {
	tag, err := r.db.Exec(ctx, `UPDATE quotes SET invoice_id = $1, updated_at = NOW() WHERE id = $2`, invoiceRef, quoteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQuoteNotFound
	}
	return nil
}

// MarkQuotePaidAtomic is the single idempotent primitive both the direct
// confirmation path and the webhook path converge on. Under the quote row
// lock it:
//   - no-ops when the quote is already paid with the same transaction ref,
//   - records payment status, paid-at, and the transaction ref,
//   - promotes the commercial status to accepted when still legal,
//   - marks the linked intent succeeded.
func (r *PostgresRepository) MarkQuotePaidAtomic(ctx context.Context, quoteID uuid.UUID, intentRef, transactionRef string, paidAt time.Time) (bool, *domain.Quote, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the quote row so concurrent confirmations serialize here.
	quote, err := scanQuote(tx.QueryRow(ctx, `SELECT `+quoteColumns+` FROM quotes WHERE id = $1 FOR UPDATE`, quoteID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, nil, ErrQuoteNotFound
		}
		return false, nil, err
	}

	if quote.PaymentStatus == domain.PaymentStatusPaid {
		// Already applied; the losing caller observes a clean no-op.
		return false, quote, tx.Commit(ctx)
	}

	newStatus := quote.Status
	if quote.Status == domain.QuoteStatusSent || quote.Status == domain.QuoteStatusViewed {
		newStatus = domain.QuoteStatusAccepted
	}

	quote, err = scanQuote(tx.QueryRow(ctx, `
		UPDATE quotes
		SET payment_status = 'paid', paid_at = $1, transaction_id = $2, status = $3,
		    version = version + 1, updated_at = NOW()
		WHERE id = $4
		RETURNING `+quoteColumns,
		paidAt, transactionRef, newStatus, quoteID,
	))
	if err != nil {
		return false, nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE payment_intents
		SET status = 'succeeded', updated_at = NOW()
		WHERE external_ref = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')
	`, intentRef)
	if err != nil {
		return false, nil, err
	}

	return true, quote, tx.Commit(ctx)
}

// MarkQuotePaymentFailedAtomic records a failed collection attempt. The
// commercial status is left untouched: a failed payment keeps the quote in
// its last good state.
func (r *PostgresRepository) MarkQuotePaymentFailedAtomic(ctx context.Context, quoteID uuid.UUID, intentRef, failureReason string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var paymentStatus domain.PaymentStatus
	err = tx.QueryRow(ctx, `SELECT payment_status FROM quotes WHERE id = $1 FOR UPDATE`, quoteID).Scan(&paymentStatus)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrQuoteNotFound
		}
		return false, err
	}

	// A failure report never downgrades a captured payment.
	if paymentStatus == domain.PaymentStatusPaid || paymentStatus == domain.PaymentStatusRefunded {
		return false, tx.Commit(ctx)
	}
	if paymentStatus == domain.PaymentStatusFailed {
		return false, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `UPDATE quotes SET payment_status = 'failed', version = version + 1, updated_at = NOW() WHERE id = $1`, quoteID)
	if err != nil {
		return false, err
	}

	var reason *string
	if failureReason != "" {
		reason = &failureReason
	}
	_, err = tx.Exec(ctx, `
		UPDATE payment_intents
		SET status = 'failed', failure_reason = $1, updated_at = NOW()
		WHERE external_ref = $2 AND status NOT IN ('succeeded', 'failed', 'canceled')
	`, reason, intentRef)
	if err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// MarkQuoteRefundedAtomic moves payment status from paid to refunded. Applying
// the same refund twice, or refunding an unpaid quote, is reported rather than
// silently overwritten.
func (r *PostgresRepository) MarkQuoteRefundedAtomic(ctx context.Context, quoteID uuid.UUID, refundRef string, refundedAt time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var paymentStatus domain.PaymentStatus
	var existingRefund *string
	err = tx.QueryRow(ctx, `SELECT payment_status, refund_id FROM quotes WHERE id = $1 FOR UPDATE`, quoteID).Scan(&paymentStatus, &existingRefund)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrQuoteNotFound
		}
		return false, err
	}

	if paymentStatus == domain.PaymentStatusRefunded {
		if existingRefund != nil && *existingRefund == refundRef {
			return false, tx.Commit(ctx)
		}
		return false, tx.Commit(ctx)
	}
	if paymentStatus != domain.PaymentStatusPaid {
		return false, ErrQuoteConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE quotes
		SET payment_status = 'refunded', refund_id = $1, refunded_at = $2,
		    version = version + 1, updated_at = NOW()
		WHERE id = $3
	`, refundRef, refundedAt, quoteID)
	if err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// CreatePaymentIntent inserts a new intent and links it to its quote in one
// transaction, so an intent row can never exist without the quote pointing at
// it. A partial unique index on payment_intents(quote_id) WHERE status NOT IN
// (terminal states) enforces the one-active-intent rule; the unique violation
// maps to ErrIntentAlreadyActive.
func (r *PostgresRepository) CreatePaymentIntent(ctx context.Context, intent *domain.PaymentIntent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO payment_intents (
			id, quote_id, external_ref, amount, currency, status,
			idempotency_key, attempt_number
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = tx.Exec(ctx, query,
		intent.ID,
		intent.QuoteID,
		intent.ExternalRef,
		intent.Amount,
		intent.Currency,
		intent.Status,
		intent.IdempotencyKey,
		intent.AttemptNumber,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIntentAlreadyActive
		}
		return err
	}

	_, err = tx.Exec(ctx, `UPDATE quotes SET payment_intent_id = $1, payment_status = 'pending', updated_at = NOW() WHERE id = $2`, intent.ExternalRef, intent.QuoteID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindActivePaymentIntentByQuoteID returns the quote's current non-terminal
// intent, if any.
func (r *PostgresRepository) FindActivePaymentIntentByQuoteID(ctx context.Context, quoteID uuid.UUID) (*domain.PaymentIntent, error) {
	query := `
		SELECT id, quote_id, external_ref, amount, currency, status,
		       idempotency_key, attempt_number, failure_reason, created_at, updated_at
		FROM payment_intents
		WHERE quote_id = $1 AND status NOT IN ('succeeded', 'failed', 'canceled')
	`
	intent, err := scanIntent(r.db.QueryRow(ctx, query, quoteID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

// FindPaymentIntentByExternalRef resolves an intent by its processor reference.
func (r *PostgresRepository) FindPaymentIntentByExternalRef(ctx context.Context, externalRef string) (*domain.PaymentIntent, error) {
	query := `
		SELECT id, quote_id, external_ref, amount, currency, status,
		       idempotency_key, attempt_number, failure_reason, created_at, updated_at
		FROM payment_intents
		WHERE external_ref = $1
	`
	intent, err := scanIntent(r.db.QueryRow(ctx, query, externalRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

func scanIntent(row rowScanner) (*domain.PaymentIntent, error) {
	var intent domain.PaymentIntent
	err := row.Scan(
		&intent.ID,
		&intent.QuoteID,
		&intent.ExternalRef,
		&intent.Amount,
		&intent.Currency,
		&intent.Status,
		&intent.IdempotencyKey,
		&intent.AttemptNumber,
		&intent.FailureReason,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// UpdatePaymentIntentStatus persists a processor-reported intent status.
// Terminal intents are never resurrected by late status reports.
func (r *PostgresRepository) UpdatePaymentIntentStatus(ctx context.Context, externalRef string, status domain.IntentStatus, failureReason *string) error {
	query := `
		UPDATE payment_intents
		SET status = $1, failure_reason = COALESCE($2, failure_reason), updated_at = NOW()
		WHERE external_ref = $3 AND status NOT IN ('succeeded', 'failed', 'canceled')
	`
	_, err := r.db.Exec(ctx, query, status, failureReason, externalRef)
	return err
}

// CreateRefund inserts a refund record.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	query := `
		INSERT INTO refunds (id, quote_id, external_ref, transaction_id, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		refund.ID,
		refund.QuoteID,
		refund.ExternalRef,
		refund.TransactionID,
		refund.Amount,
		refund.Reason,
		refund.Status,
	)
	return err
}

// FindRefundByExternalRef resolves a refund by its processor reference.
func (r *PostgresRepository) FindRefundByExternalRef(ctx context.Context, externalRef string) (*domain.Refund, error) {
	query := `
		SELECT id, quote_id, external_ref, transaction_id, amount, reason, status, created_at, updated_at
		FROM refunds
		WHERE external_ref = $1
	`
	var refund domain.Refund
	err := r.db.QueryRow(ctx, query, externalRef).Scan(
		&refund.ID,
		&refund.QuoteID,
		&refund.ExternalRef,
		&refund.TransactionID,
		&refund.Amount,
		&refund.Reason,
		&refund.Status,
		&refund.CreatedAt,
		&refund.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &refund, nil
}

// UpdateRefundStatus persists a processor-reported refund status.
func (r *PostgresRepository) UpdateRefundStatus(ctx context.Context, externalRef string, status domain.RefundStatus) error {
	_, err := r.db.Exec(ctx, `UPDATE refunds SET status = $1, updated_at = NOW() WHERE external_ref = $2`, status, externalRef)
	return err
}

// InsertWebhookEventIfAbsent is the webhook idempotency gate. The unique
// constraint on event_id makes the insert race-free: of two concurrent
// deliveries exactly one observes inserted=true.
func (r *PostgresRepository) InsertWebhookEventIfAbsent(ctx context.Context, record *domain.WebhookEventRecord) (bool, *domain.WebhookEventRecord, error) {
	insert := `
		INSERT INTO webhook_events (event_id, event_type, status, raw_payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, insert,
		record.EventID,
		record.EventType,
		record.Status,
		[]byte(record.RawPayload),
		record.ReceivedAt,
	)
	if err != nil {
		return false, nil, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil, nil
	}

	existing, err := r.findWebhookEvent(ctx, record.EventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *PostgresRepository) findWebhookEvent(ctx context.Context, eventID string) (*domain.WebhookEventRecord, error) {
	query := `
		SELECT event_id, event_type, status, error, raw_payload, received_at, processed_at
		FROM webhook_events
		WHERE event_id = $1
	`
	var record domain.WebhookEventRecord
	var raw []byte
	err := r.db.QueryRow(ctx, query, eventID).Scan(
		&record.EventID,
		&record.EventType,
		&record.Status,
		&record.Error,
		&raw,
		&record.ReceivedAt,
		&record.ProcessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	record.RawPayload = json.RawMessage(raw)
	return &record, nil
}

// MarkWebhookEventProcessed finalizes a successfully applied event.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, eventID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processed', error = NULL, processed_at = NOW()
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkWebhookEventFailed records a handler failure so a retried delivery is
// reprocessed instead of dropped.
func (r *PostgresRepository) MarkWebhookEventFailed(ctx context.Context, eventID string, errorDetail string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'failed', error = $1
		WHERE event_id = $2
	`, errorDetail, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ClaimFailedWebhookEventForRetry flips failed back to received atomically so
// only one of several concurrent redeliveries re-runs the handler.
func (r *PostgresRepository) ClaimFailedWebhookEventForRetry(ctx context.Context, eventID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'received', error = NULL
		WHERE event_id = $1 AND status = 'failed'
	`, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
