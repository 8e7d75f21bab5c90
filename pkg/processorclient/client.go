/**
 * @description
 * This package provides a client for interacting with the external payment
 * processor's API. It encapsulates authenticated HTTP requests, idempotency
 * key derivation, and a bounded retry policy for transient failures.
 *
 * @notes
 * - Retries are attempted only for transport errors and retryable statuses
 *   (5xx, 429). 4xx responses other than 429 are deterministic rejections and
 *   are surfaced immediately.
 * - Every attempt of the same logical operation carries the same
 *   Idempotency-Key header, so a retry after an ambiguous timeout cannot
 *   create a second charge on the processor side.
 *
 * @dependencies
 * - bytes, context, crypto/sha256, encoding/json, fmt, net/http, time:
 *   Standard Go libraries.
 */
package processorclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ErrServiceUnavailable marks an operation that exhausted its retry budget on
// transient failures. Callers can distinguish it from a definitive
// *ErrorResponse rejection.
var ErrServiceUnavailable = errors.New("payment processor unavailable")

const (
	maxAttempts       = 3
	baseBackoff       = 200 * time.Millisecond
	maxBackoff        = 2 * time.Second
	backoffFactor     = 2
	defaultReqTimeout = 30 * time.Second
)

// Client is a client for the payment processor API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new payment processor API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: defaultReqTimeout,
		},
	}
}

// CreateIntentRequest is the payload for creating a payment intent.
type CreateIntentRequest struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ConfirmIntentRequest is the payload for confirming a payment intent.
type ConfirmIntentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

// IntentResponse is the processor's representation of a payment intent.
type IntentResponse struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// RefundRequest is the payload for creating a refund against a captured payment.
type RefundRequest struct {
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason,omitempty"`
}

// RefundResponse is the processor's representation of a refund.
type RefundResponse struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
}

// ErrorResponse represents an error from the processor API.
type ErrorResponse struct {
	StatusCode int `json:"-"`
	Err        struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.Err.Message != "" {
		return fmt.Sprintf("processor api error: %s - %s", e.Err.Code, e.Err.Message)
	}
	return fmt.Sprintf("processor api error (status %d)", e.StatusCode)
}

// IdempotencyKey derives the stable key for one logical operation attempt.
// The same (operation, quoteID, attempt) triple always produces the same key,
// so in-process retries of the same attempt reuse it while a deliberate new
// attempt gets a fresh one.
func IdempotencyKey(operation, quoteID string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", operation, quoteID, attempt)))
	return hex.EncodeToString(sum[:])
}

// CreateIntent registers a new payment intent with the processor.
func (c *Client) CreateIntent(ctx context.Context, req CreateIntentRequest, idempotencyKey string) (*IntentResponse, error) {
	var resp IntentResponse
	if err := c.do(ctx, "POST", "/v1/payment_intents", req, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfirmIntent asks the processor to capture the funds for an intent.
func (c *Client) ConfirmIntent(ctx context.Context, intentRef string, req ConfirmIntentRequest, idempotencyKey string) (*IntentResponse, error) {
	var resp IntentResponse
	path := "/v1/payment_intents/" + intentRef + "/confirm"
	if err := c.do(ctx, "POST", path, req, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelIntent voids a not-yet-captured intent.
func (c *Client) CancelIntent(ctx context.Context, intentRef string, idempotencyKey string) (*IntentResponse, error) {
	var resp IntentResponse
	path := "/v1/payment_intents/" + intentRef + "/cancel"
	if err := c.do(ctx, "POST", path, struct{}{}, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateRefund reverses up to the captured amount of a successful payment.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest, idempotencyKey string) (*RefundResponse, error) {
	var resp RefundResponse
	if err := c.do(ctx, "POST", "/v1/refunds", req, idempotencyKey, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do executes one logical request with bounded retries. The caller's payload
// is marshalled once and replayed on every attempt.
func (c *Client) do(ctx context.Context, method, path string, payload any, idempotencyKey string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal processor request: %w", err)
	}

	backoff := baseBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= backoffFactor
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		retryable, err := c.doOnce(ctx, method, path, body, idempotencyKey, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		log.Printf("level=warn component=processor_client op=%s path=%s attempt=%d msg=\"retryable failure\" err=%v", method, path, attempt, err)
	}
	return fmt.Errorf("%w: request failed after %d attempts: %v", ErrServiceUnavailable, maxAttempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body []byte, idempotencyKey string, out any) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Transport errors (including timeouts) are ambiguous; the
		// idempotency key makes the replay safe.
		return true, fmt.Errorf("failed to execute processor request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read processor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(bodyBytes, errResp); jsonErr != nil {
			log.Printf("level=warn component=processor_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
		}
		return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return false, fmt.Errorf("failed to decode processor response: %w", err)
		}
	}
	return false, nil
}
