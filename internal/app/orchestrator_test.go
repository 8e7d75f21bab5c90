package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/store"
)

func TestCreatePaymentIntent_HappyPath(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, _ := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntentForQuote returned error: %v", err)
	}
	if intent.Amount != quote.Total {
		t.Fatalf("expected intent amount %d, got %d", quote.Total, intent.Amount)
	}
	if intent.Status != domain.IntentStatusPending {
		t.Fatalf("expected pending intent, got %s", intent.Status)
	}

	stored, _ := repo.FindQuoteByID(context.Background(), quote.ID)
	if stored.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("expected quote payment status pending, got %s", stored.PaymentStatus)
	}
	if stored.PaymentIntentID == nil || *stored.PaymentIntentID != intent.ExternalRef {
		t.Fatal("expected intent ref recorded on the quote")
	}
}

func TestCreatePaymentIntent_SecondIntentRejectedWhileActive(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, _ := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	first, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("first create returned error: %v", err)
	}
	if _, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID); !errors.Is(err, store.ErrIntentAlreadyActive) {
		t.Fatalf("expected ErrIntentAlreadyActive, got %v", err)
	}
	if processor.createIntentCalls != 1 {
		t.Fatalf("expected exactly one processor call, got %d", processor.createIntentCalls)
	}

	// The first intent is untouched and still confirmable.
	active, err := repo.FindActivePaymentIntentByQuoteID(context.Background(), quote.ID)
	if err != nil {
		t.Fatalf("FindActivePaymentIntentByQuoteID returned error: %v", err)
	}
	if active.ExternalRef != first.ExternalRef {
		t.Fatalf("expected intent %s to stay active, got %s", first.ExternalRef, active.ExternalRef)
	}
}

func TestCreatePaymentIntent_DraftQuoteRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusDraft)

	if _, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID); !errors.Is(err, ErrQuoteNotPayable) {
		t.Fatalf("expected ErrQuoteNotPayable, got %v", err)
	}
}

func TestCreatePaymentIntent_ExpiredQuoteRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	svc.now = func() time.Time { return quote.ValidUntil.Add(time.Hour) }

	if _, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID); !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
	stored, _ := repo.FindQuoteByID(context.Background(), quote.ID)
	if stored.Status != domain.QuoteStatusExpired {
		t.Fatalf("expected quote forced to expired, got %s", stored.Status)
	}
}

func TestConfirmPayment_HappyPath(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{transactionID: "txn_42"}
	svc, publisher := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntentForQuote returned error: %v", err)
	}

	updated, err := svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{
		IntentExternalRef: intent.ExternalRef,
		PaymentMethodRef:  "pm_card",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", updated.PaymentStatus)
	}
	if updated.Status != domain.QuoteStatusAccepted {
		t.Fatalf("expected accepted after payment, got %s", updated.Status)
	}
	if updated.TransactionID == nil || *updated.TransactionID != "txn_42" {
		t.Fatal("expected transaction ref recorded on the quote")
	}

	storedIntent, _ := repo.FindPaymentIntentByExternalRef(context.Background(), intent.ExternalRef)
	if storedIntent.Status != domain.IntentStatusSucceeded {
		t.Fatalf("expected intent succeeded, got %s", storedIntent.Status)
	}

	keys := publisher.published()
	if keys[len(keys)-1] != "quote.payment.paid" {
		t.Fatalf("expected quote.payment.paid event, got %v", keys)
	}
}

func TestConfirmPayment_AlreadyPaidIsNoOp(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, _ := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, _ := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	payload := domain.ConfirmPaymentPayload{IntentExternalRef: intent.ExternalRef, PaymentMethodRef: "pm_card"}

	if _, err := svc.ConfirmPayment(context.Background(), client, quote.ID, payload); err != nil {
		t.Fatalf("first confirm returned error: %v", err)
	}
	confirms := processor.confirmCalls

	again, err := svc.ConfirmPayment(context.Background(), client, quote.ID, payload)
	if err != nil {
		t.Fatalf("second confirm returned error: %v", err)
	}
	if again.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", again.PaymentStatus)
	}
	if processor.confirmCalls != confirms {
		t.Fatal("expected no additional processor call for an already-paid quote")
	}
}

func TestConfirmPayment_ConcurrentCallersConverge(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, publisher := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, _ := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	payload := domain.ConfirmPaymentPayload{IntentExternalRef: intent.ExternalRef, PaymentMethodRef: "pm_card"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.ConfirmPayment(context.Background(), client, quote.ID, payload)
		}()
	}
	wg.Wait()

	stored, _ := repo.FindQuoteByID(context.Background(), quote.ID)
	if stored.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", stored.PaymentStatus)
	}

	paidEvents := 0
	for _, key := range publisher.published() {
		if key == "quote.payment.paid" {
			paidEvents++
		}
	}
	if paidEvents != 1 {
		t.Fatalf("expected exactly one quote.payment.paid event, got %d", paidEvents)
	}
}

func TestConfirmPayment_FailureKeepsCommercialStatus(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{intentStatus: "failed", failureReason: "card_declined"}
	svc, _ := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, _ := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	updated, err := svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{
		IntentExternalRef: intent.ExternalRef,
		PaymentMethodRef:  "pm_card",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("expected payment status failed, got %s", updated.PaymentStatus)
	}
	if updated.Status != domain.QuoteStatusViewed {
		t.Fatalf("expected commercial status untouched, got %s", updated.Status)
	}

	storedIntent, _ := repo.FindPaymentIntentByExternalRef(context.Background(), intent.ExternalRef)
	if storedIntent.Status != domain.IntentStatusFailed {
		t.Fatalf("expected intent failed, got %s", storedIntent.Status)
	}
	if storedIntent.FailureReason == nil || *storedIntent.FailureReason != "card_declined" {
		t.Fatal("expected failure reason recorded on the intent")
	}
}

func TestConfirmPayment_IntentMismatchRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	if _, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID); err != nil {
		t.Fatalf("CreatePaymentIntentForQuote returned error: %v", err)
	}
	_, err := svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{
		IntentExternalRef: "pi_other",
		PaymentMethodRef:  "pm_card",
	})
	if !errors.Is(err, ErrIntentMismatch) {
		t.Fatalf("expected ErrIntentMismatch, got %v", err)
	}
}

func TestConfirmPayment_CancelledQuoteRejected(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, _ := newTestService(repo, processor)
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntentForQuote returned error: %v", err)
	}

	// Cancel the quote behind the orchestrator's back so the intent void never
	// ran, as if the processor was unreachable during cancellation.
	repo.mu.Lock()
	repo.quotes[quote.ID].Status = domain.QuoteStatusCancelled
	repo.mu.Unlock()

	_, err = svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{
		IntentExternalRef: intent.ExternalRef,
		PaymentMethodRef:  "pm_card",
	})
	if !errors.Is(err, ErrQuoteNotPayable) {
		t.Fatalf("expected ErrQuoteNotPayable for cancelled quote, got %v", err)
	}
	if processor.confirmCalls != 0 {
		t.Fatalf("expected no capture attempt against a cancelled quote, got %d", processor.confirmCalls)
	}
}

func TestRefundPayment_HappyPath(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, publisher := newTestService(repo, processor)
	quote, provider, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, _ := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if _, err := svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{IntentExternalRef: intent.ExternalRef, PaymentMethodRef: "pm_card"}); err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}

	refund, err := svc.RefundPayment(context.Background(), provider, quote.ID, domain.RefundPaymentPayload{Reason: "job cancelled"})
	if err != nil {
		t.Fatalf("RefundPayment returned error: %v", err)
	}
	if refund.Amount != quote.Total {
		t.Fatalf("expected full refund of %d, got %d", quote.Total, refund.Amount)
	}
	if refund.Status != domain.RefundStatusSucceeded {
		t.Fatalf("expected refund succeeded, got %s", refund.Status)
	}

	stored, _ := repo.FindQuoteByID(context.Background(), quote.ID)
	if stored.PaymentStatus != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", stored.PaymentStatus)
	}

	keys := publisher.published()
	if keys[len(keys)-1] != "quote.payment.refunded" {
		t.Fatalf("expected quote.payment.refunded event, got %v", keys)
	}
}

func TestRefundPayment_SecondRefundRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, provider, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, _ := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if _, err := svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{IntentExternalRef: intent.ExternalRef, PaymentMethodRef: "pm_card"}); err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if _, err := svc.RefundPayment(context.Background(), provider, quote.ID, domain.RefundPaymentPayload{}); err != nil {
		t.Fatalf("first refund returned error: %v", err)
	}
	if _, err := svc.RefundPayment(context.Background(), provider, quote.ID, domain.RefundPaymentPayload{}); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestRefundPayment_UnpaidQuoteRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, provider, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	if _, err := svc.RefundPayment(context.Background(), provider, quote.ID, domain.RefundPaymentPayload{}); !errors.Is(err, ErrQuoteNotPaid) {
		t.Fatalf("expected ErrQuoteNotPaid, got %v", err)
	}
}

func TestRefundPayment_AmountExceedingCapturedRejected(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, provider, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, _ := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if _, err := svc.ConfirmPayment(context.Background(), client, quote.ID, domain.ConfirmPaymentPayload{IntentExternalRef: intent.ExternalRef, PaymentMethodRef: "pm_card"}); err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if _, err := svc.RefundPayment(context.Background(), provider, quote.ID, domain.RefundPaymentPayload{Amount: quote.Total + 1}); !errors.Is(err, ErrRefundTooLarge) {
		t.Fatalf("expected ErrRefundTooLarge, got %v", err)
	}
}

func TestCancelQuote_VoidsActiveIntent(t *testing.T) {
	repo := newMemoryRepo()
	processor := &stubProcessor{}
	svc, _ := newTestService(repo, processor)
	quote, provider, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	intent, err := svc.CreatePaymentIntentForQuote(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntentForQuote returned error: %v", err)
	}

	cancelled, err := svc.CancelQuote(context.Background(), provider, quote.ID)
	if err != nil {
		t.Fatalf("CancelQuote returned error: %v", err)
	}
	if cancelled.Status != domain.QuoteStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if processor.cancelCalls != 1 {
		t.Fatalf("expected one processor cancel call, got %d", processor.cancelCalls)
	}
	storedIntent, _ := repo.FindPaymentIntentByExternalRef(context.Background(), intent.ExternalRef)
	if storedIntent.Status != domain.IntentStatusCanceled {
		t.Fatalf("expected intent canceled, got %s", storedIntent.Status)
	}
}

func TestRefundPayment_OnlyProvider(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	if _, err := svc.RefundPayment(context.Background(), client, quote.ID, domain.RefundPaymentPayload{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
