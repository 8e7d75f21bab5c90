/**
 * @description
 * This file defines the core domain models for the quote-service. These structs
 * represent the main entities and data transfer objects (DTOs) used throughout
 * the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), which
 *   avoids floating-point inaccuracies with financial data. Conversion to and
 *   from decimal display form happens only at the API boundary.
 * - Quote commercial status and payment status are distinct fields: `accepted`
 *   is terminal for the commercial state machine while the payment sub-state
 *   keeps evolving (unpaid -> pending -> paid -> refunded).
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// QuoteStatus is the commercial lifecycle state of a quote.
type QuoteStatus string

const (
	QuoteStatusDraft     QuoteStatus = "draft"
	QuoteStatusSent      QuoteStatus = "sent"
	QuoteStatusViewed    QuoteStatus = "viewed"
	QuoteStatusAccepted  QuoteStatus = "accepted"
	QuoteStatusRejected  QuoteStatus = "rejected"
	QuoteStatusExpired   QuoteStatus = "expired"
	QuoteStatusCancelled QuoteStatus = "cancelled"
)

// IsTerminal reports whether no further commercial transition is allowed.
func (s QuoteStatus) IsTerminal() bool {
	switch s {
	case QuoteStatusAccepted, QuoteStatusRejected, QuoteStatusExpired, QuoteStatusCancelled:
		return true
	}
	return false
}

// PaymentStatus is the payment sub-state of a quote. It mirrors but is
// distinct from the commercial status.
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// LineItem is one priced row on a quote. Quantity and UnitPrice are validated
// by the money calculator before totals are persisted.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"` // in cents
}

// Quote represents a priced, time-bounded commercial offer from a provider to
// a client. This struct maps directly to the `quotes` table.
//
// Payment-linked fields (PaymentIntentID, TransactionID, PaymentStatus,
// PaidAt, RefundID, RefundedAt, InvoiceID) are written only by the payment
// orchestrator or the webhook ingestion pipeline, never by direct client edit.
type Quote struct {
	ID              uuid.UUID     `json:"id"`
	QuoteNumber     string        `json:"quote_number"` // unique, immutable once assigned
	ProviderID      uuid.UUID     `json:"provider_id"`
	ClientID        uuid.UUID     `json:"client_id"`
	JobID           *uuid.UUID    `json:"job_id,omitempty"`
	LineItems       []LineItem    `json:"line_items"`
	TaxEnabled      bool          `json:"tax_enabled"`
	Subtotal        int64         `json:"subtotal"` // in cents
	Tax             int64         `json:"tax"`      // in cents
	Total           int64         `json:"total"`    // in cents, always subtotal + tax
	Currency        string        `json:"currency"`
	ValidUntil      time.Time     `json:"valid_until"`
	Status          QuoteStatus   `json:"status"`
	Version         int64         `json:"version"` // optimistic concurrency guard
	PaymentIntentID *string       `json:"payment_intent_id,omitempty"`
	TransactionID   *string       `json:"transaction_id,omitempty"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	RefundID        *string       `json:"refund_id,omitempty"`
	RefundedAt      *time.Time    `json:"refunded_at,omitempty"`
	InvoiceID       *string       `json:"invoice_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Actor is the authenticated identity performing an operation, supplied by the
// auth layer. The service trusts it without re-verifying credentials.
type Actor struct {
	ID   uuid.UUID
	Role string // e.g., 'provider', 'client', 'system'
}

// SystemActor is used for transitions driven by the service itself (expiry
// sweeps, webhook-applied payment events).
var SystemActor = Actor{ID: uuid.Nil, Role: "system"}

// CreateQuotePayload is the DTO for creating a new quote.
type CreateQuotePayload struct {
	ClientID      uuid.UUID  `json:"client_id"`
	JobID         *uuid.UUID `json:"job_id,omitempty"`
	LineItems     []LineItem `json:"line_items"`
	TaxEnabled    bool       `json:"tax_enabled"`
	Currency      string     `json:"currency"`
	ValidForHours int        `json:"valid_for_hours,omitempty"`
}

// UpdateQuotePayload is the DTO for editing a draft quote. Only draft quotes
// accept edits; totals are recomputed from the submitted line items.
type UpdateQuotePayload struct {
	LineItems  []LineItem `json:"line_items"`
	TaxEnabled *bool      `json:"tax_enabled,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// QuoteStatusEvent is the message published to RabbitMQ when a quote's
// commercial or payment state changes.
type QuoteStatusEvent struct {
	QuoteID       uuid.UUID     `json:"quote_id"`
	QuoteNumber   string        `json:"quote_number"`
	Status        QuoteStatus   `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Amount        int64         `json:"amount"`
	Currency      string        `json:"currency"`
	OccurredAt    time.Time     `json:"occurred_at"`
}
