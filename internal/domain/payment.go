package domain

import (
	"time"

	"github.com/google/uuid"
)

// IntentStatus is the lifecycle state of a payment intent as reported by the
// external processor.
type IntentStatus string

const (
	IntentStatusPending        IntentStatus = "pending"
	IntentStatusRequiresAction IntentStatus = "requires_action"
	IntentStatusSucceeded      IntentStatus = "succeeded"
	IntentStatusFailed         IntentStatus = "failed"
	IntentStatusCanceled       IntentStatus = "canceled"
)

// IsTerminal reports whether the intent can no longer move. Exactly one
// non-terminal intent may exist per quote at a time.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusSucceeded, IntentStatusFailed, IntentStatusCanceled:
		return true
	}
	return false
}

// PaymentIntent is the provider-side record of one attempt to collect money
// for a quote. It is owned by the payment orchestrator and mutated only
// through confirmed gateway responses or inbound webhook events.
type PaymentIntent struct {
	ID             uuid.UUID    `json:"id"`
	QuoteID        uuid.UUID    `json:"quote_id"`
	ExternalRef    string       `json:"external_ref"` // processor-side intent id
	Amount         int64        `json:"amount"`       // in cents
	Currency       string       `json:"currency"`
	Status         IntentStatus `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	AttemptNumber  int          `json:"attempt_number"`
	FailureReason  *string      `json:"failure_reason,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// RefundStatus is the lifecycle state of a refund.
type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
	RefundStatusCanceled  RefundStatus = "canceled"
)

// Refund is a reversal of a prior successful payment. It is only ever created
// against a quote whose payment status is `paid`, for at most the captured
// amount.
type Refund struct {
	ID            uuid.UUID    `json:"id"`
	QuoteID       uuid.UUID    `json:"quote_id"`
	ExternalRef   string       `json:"external_ref"`   // processor-side refund id
	TransactionID string       `json:"transaction_id"` // the captured payment being reversed
	Amount        int64        `json:"amount"`         // in cents, <= captured amount
	Reason        string       `json:"reason"`
	Status        RefundStatus `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ConfirmPaymentPayload is the DTO for the direct payment confirmation API.
type ConfirmPaymentPayload struct {
	IntentExternalRef string `json:"intent_id"`
	PaymentMethodRef  string `json:"payment_method_ref"`
}

// RefundPaymentPayload is the DTO for the refund API.
type RefundPaymentPayload struct {
	Amount int64  `json:"amount"` // in cents; 0 means full captured amount
	Reason string `json:"reason"`
}
