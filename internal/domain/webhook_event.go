package domain

import (
	"encoding/json"
	"time"
)

// WebhookEventStatus is the processing state of a stored inbound event.
type WebhookEventStatus string

const (
	// WebhookEventReceived marks an event whose handler has not completed yet.
	// A concurrent delivery of the same event id must back off while a record
	// is in this state.
	WebhookEventReceived WebhookEventStatus = "received"
	// WebhookEventProcessed marks an event whose side effect has been applied.
	// Further deliveries short-circuit without re-running any handler.
	WebhookEventProcessed WebhookEventStatus = "processed"
	// WebhookEventFailed marks an event whose handler errored. A retried
	// delivery is reprocessed rather than silently dropped.
	WebhookEventFailed WebhookEventStatus = "failed"
)

// WebhookEventRecord is the durable dedup/audit record for every inbound
// processor notification, keyed by the processor's globally unique event id.
// Records are created on first sight of an event id and never deleted.
type WebhookEventRecord struct {
	EventID     string             `json:"event_id"` // natural key
	EventType   string             `json:"event_type"`
	Status      WebhookEventStatus `json:"status"`
	Error       *string            `json:"error,omitempty"`
	RawPayload  json.RawMessage    `json:"raw_payload"`
	ReceivedAt  time.Time          `json:"received_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty"`
}

// WebhookEnvelope is the parsed shape of an inbound processor notification.
type WebhookEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"` // unix seconds
	Data    WebhookData     `json:"data"`
	Raw     json.RawMessage `json:"-"`
}

// WebhookData carries the event object. The processor nests the affected
// resource under data.object, Stripe-style.
type WebhookData struct {
	Object WebhookObject `json:"object"`
}

// WebhookObject is the union of fields the handled event types reference.
// Unknown event types are acknowledged without reading any of these.
type WebhookObject struct {
	ID            string `json:"id"`             // intent / refund / invoice / dispute id
	IntentRef     string `json:"payment_intent"` // set on refund and dispute objects
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason"`
	Reason        string `json:"reason"`
}
