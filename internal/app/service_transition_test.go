package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/store"
)

func TestTransitionTable_LegalEdges(t *testing.T) {
	tests := []struct {
		from    domain.QuoteStatus
		to      domain.QuoteStatus
		allowed bool
	}{
		{domain.QuoteStatusDraft, domain.QuoteStatusSent, true},
		{domain.QuoteStatusDraft, domain.QuoteStatusCancelled, true},
		{domain.QuoteStatusDraft, domain.QuoteStatusAccepted, false},
		{domain.QuoteStatusDraft, domain.QuoteStatusViewed, false},
		{domain.QuoteStatusSent, domain.QuoteStatusViewed, true},
		{domain.QuoteStatusSent, domain.QuoteStatusAccepted, true},
		{domain.QuoteStatusSent, domain.QuoteStatusRejected, true},
		{domain.QuoteStatusSent, domain.QuoteStatusExpired, true},
		{domain.QuoteStatusSent, domain.QuoteStatusCancelled, true},
		{domain.QuoteStatusSent, domain.QuoteStatusDraft, false},
		{domain.QuoteStatusViewed, domain.QuoteStatusAccepted, true},
		{domain.QuoteStatusViewed, domain.QuoteStatusRejected, true},
		{domain.QuoteStatusViewed, domain.QuoteStatusExpired, true},
		{domain.QuoteStatusViewed, domain.QuoteStatusCancelled, true},
		{domain.QuoteStatusViewed, domain.QuoteStatusSent, false},
		{domain.QuoteStatusAccepted, domain.QuoteStatusRejected, false},
		{domain.QuoteStatusAccepted, domain.QuoteStatusCancelled, false},
		{domain.QuoteStatusRejected, domain.QuoteStatusAccepted, false},
		{domain.QuoteStatusExpired, domain.QuoteStatusAccepted, false},
		{domain.QuoteStatusCancelled, domain.QuoteStatusSent, false},
	}

	for _, tt := range tests {
		if got := transitionAllowed(tt.from, tt.to); got != tt.allowed {
			t.Errorf("transition %s -> %s: expected allowed=%v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestSendQuote_DraftToSent(t *testing.T) {
	repo := newMemoryRepo()
	svc, publisher := newTestService(repo, &stubProcessor{})
	quote, provider, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusDraft)

	sent, err := svc.SendQuote(context.Background(), provider, quote.ID)
	if err != nil {
		t.Fatalf("SendQuote returned error: %v", err)
	}
	if sent.Status != domain.QuoteStatusSent {
		t.Fatalf("expected status sent, got %s", sent.Status)
	}
	keys := publisher.published()
	if len(keys) != 1 || keys[0] != "quote.sent" {
		t.Fatalf("expected quote.sent event, got %v", keys)
	}
}

func TestSendQuote_OnlyProvider(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusDraft)

	if _, err := svc.SendQuote(context.Background(), client, quote.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for client sending a quote, got %v", err)
	}
}

func TestAcceptQuote_PastDeadlineForcesExpired(t *testing.T) {
	repo := newMemoryRepo()
	svc, publisher := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	svc.now = func() time.Time { return quote.ValidUntil.Add(time.Hour) }

	_, err := svc.AcceptQuote(context.Background(), client, quote.ID)
	if !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}

	stored, err := repo.FindQuoteByID(context.Background(), quote.ID)
	if err != nil {
		t.Fatalf("FindQuoteByID returned error: %v", err)
	}
	if stored.Status != domain.QuoteStatusExpired {
		t.Fatalf("expected quote forced to expired, got %s", stored.Status)
	}
	keys := publisher.published()
	if len(keys) != 1 || keys[0] != "quote.expired" {
		t.Fatalf("expected quote.expired event, got %v", keys)
	}
}

func TestRejectQuote_PastDeadlineForcesExpired(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	svc.now = func() time.Time { return quote.ValidUntil.Add(time.Minute) }

	if _, err := svc.RejectQuote(context.Background(), client, quote.ID); !errors.Is(err, ErrQuoteExpired) {
		t.Fatalf("expected ErrQuoteExpired, got %v", err)
	}
	stored, _ := repo.FindQuoteByID(context.Background(), quote.ID)
	if stored.Status != domain.QuoteStatusExpired {
		t.Fatalf("expected quote forced to expired, got %s", stored.Status)
	}
}

func TestAcceptQuote_BeforeDeadlineSucceeds(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)

	accepted, err := svc.AcceptQuote(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("AcceptQuote returned error: %v", err)
	}
	if accepted.Status != domain.QuoteStatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
}

func TestMarkQuoteViewed_Idempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc, publisher := newTestService(repo, &stubProcessor{})
	quote, _, client := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	first, err := svc.MarkQuoteViewed(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("first view returned error: %v", err)
	}
	if first.Status != domain.QuoteStatusViewed {
		t.Fatalf("expected viewed, got %s", first.Status)
	}

	second, err := svc.MarkQuoteViewed(context.Background(), client, quote.ID)
	if err != nil {
		t.Fatalf("second view returned error: %v", err)
	}
	if second.Status != domain.QuoteStatusViewed {
		t.Fatalf("expected viewed, got %s", second.Status)
	}
	if keys := publisher.published(); len(keys) != 1 {
		t.Fatalf("expected exactly one quote.viewed event, got %v", keys)
	}
}

func TestCancelQuote_RejectedWhenPaid(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, provider, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	repo.mu.Lock()
	repo.quotes[quote.ID].PaymentStatus = domain.PaymentStatusPaid
	repo.mu.Unlock()

	if _, err := svc.CancelQuote(context.Background(), provider, quote.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for cancelling a paid quote, got %v", err)
	}
}

func TestTransition_TerminalStatesFrozen(t *testing.T) {
	for _, status := range []domain.QuoteStatus{
		domain.QuoteStatusAccepted,
		domain.QuoteStatusRejected,
		domain.QuoteStatusExpired,
		domain.QuoteStatusCancelled,
	} {
		repo := newMemoryRepo()
		svc, _ := newTestService(repo, &stubProcessor{})
		quote, provider, client := seedOpenQuote(t, repo, svc, status)

		if _, err := svc.AcceptQuote(context.Background(), client, quote.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("accept from %s: expected ErrInvalidTransition, got %v", status, err)
		}
		if _, err := svc.CancelQuote(context.Background(), provider, quote.ID); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("cancel from %s: expected ErrInvalidTransition, got %v", status, err)
		}
	}
}

func TestTransition_VersionConflictSurfaces(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	// Simulate a concurrent writer bumping the version between a read and the
	// guarded update.
	repo.mu.Lock()
	repo.quotes[quote.ID].Version++
	repo.mu.Unlock()

	_, err := repo.UpdateQuoteStatusAtomic(context.Background(), quote.ID, quote.Version, domain.QuoteStatusAccepted)
	if !errors.Is(err, store.ErrQuoteConflict) {
		t.Fatalf("expected ErrQuoteConflict for stale version, got %v", err)
	}
}
