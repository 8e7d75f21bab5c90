package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/store"
)

func TestSweepExpiredQuotes_ExpiresOverdueOpenQuotes(t *testing.T) {
	repo := newMemoryRepo()
	svc, publisher := newTestService(repo, &stubProcessor{})

	overdueSent, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)
	overdueViewed, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusViewed)
	draft, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusDraft)
	accepted, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusAccepted)

	// Jump the clock past every quote's validity window.
	svc.now = func() time.Time { return overdueSent.ValidUntil.Add(24 * time.Hour) }

	expired := svc.SweepExpiredQuotes(context.Background(), 50)
	if expired != 2 {
		t.Fatalf("expected 2 quotes expired, got %d", expired)
	}

	for _, id := range []struct {
		quote *domain.Quote
		want  domain.QuoteStatus
	}{
		{overdueSent, domain.QuoteStatusExpired},
		{overdueViewed, domain.QuoteStatusExpired},
		{draft, domain.QuoteStatusDraft},
		{accepted, domain.QuoteStatusAccepted},
	} {
		stored, err := repo.FindQuoteByID(context.Background(), id.quote.ID)
		if err != nil {
			t.Fatalf("FindQuoteByID returned error: %v", err)
		}
		if stored.Status != id.want {
			t.Fatalf("quote %s: expected %s, got %s", id.quote.ID, id.want, stored.Status)
		}
	}

	expiredEvents := 0
	for _, key := range publisher.published() {
		if key == "quote.expired" {
			expiredEvents++
		}
	}
	if expiredEvents != 2 {
		t.Fatalf("expected 2 quote.expired events, got %d", expiredEvents)
	}
}

func TestSweepExpiredQuotes_LeavesFreshQuotesAlone(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	if expired := svc.SweepExpiredQuotes(context.Background(), 50); expired != 0 {
		t.Fatalf("expected no expiries, got %d", expired)
	}
	stored, _ := repo.FindQuoteByID(context.Background(), quote.ID)
	if stored.Status != domain.QuoteStatusSent {
		t.Fatalf("expected sent, got %s", stored.Status)
	}
}

func TestSweepExpiredQuotes_SecondSweepIsIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})
	quote, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)

	svc.now = func() time.Time { return quote.ValidUntil.Add(time.Hour) }

	if expired := svc.SweepExpiredQuotes(context.Background(), 50); expired != 1 {
		t.Fatalf("expected 1 expiry on first sweep, got %d", expired)
	}
	if expired := svc.SweepExpiredQuotes(context.Background(), 50); expired != 0 {
		t.Fatalf("expected 0 expiries on second sweep, got %d", expired)
	}
}

// conflictOnceRepo makes the first status update lose its optimistic version
// check, wrapping the conflict the way callers see it from deeper layers.
type conflictOnceRepo struct {
	*memoryRepo
	conflicted bool
}

func (c *conflictOnceRepo) UpdateQuoteStatusAtomic(ctx context.Context, quoteID uuid.UUID, expectedVersion int64, target domain.QuoteStatus) (*domain.Quote, error) {
	if !c.conflicted {
		c.conflicted = true
		return nil, fmt.Errorf("quote %s: %w", quoteID, store.ErrQuoteConflict)
	}
	return c.memoryRepo.UpdateQuoteStatusAtomic(ctx, quoteID, expectedVersion, target)
}

func TestSweepExpiredQuotes_SkipsConcurrentlyModifiedQuotes(t *testing.T) {
	inner := newMemoryRepo()
	repo := &conflictOnceRepo{memoryRepo: inner}
	svc, _ := newTestService(repo, &stubProcessor{})

	first, _, _ := seedOpenQuote(t, inner, svc, domain.QuoteStatusSent)
	seedOpenQuote(t, inner, svc, domain.QuoteStatusSent)
	svc.now = func() time.Time { return first.ValidUntil.Add(time.Hour) }

	// The losing quote is skipped without aborting the sweep.
	if expired := svc.SweepExpiredQuotes(context.Background(), 50); expired != 1 {
		t.Fatalf("expected 1 expiry with one conflicted candidate, got %d", expired)
	}
	if expired := svc.SweepExpiredQuotes(context.Background(), 50); expired != 1 {
		t.Fatalf("expected the skipped quote expired on the next sweep, got %d", expired)
	}
}

func TestSweepExpiredQuotes_RespectsBatchSize(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo, &stubProcessor{})

	var deadline time.Time
	for i := 0; i < 5; i++ {
		quote, _, _ := seedOpenQuote(t, repo, svc, domain.QuoteStatusSent)
		deadline = quote.ValidUntil
	}
	svc.now = func() time.Time { return deadline.Add(24 * time.Hour) }

	if expired := svc.SweepExpiredQuotes(context.Background(), 2); expired != 2 {
		t.Fatalf("expected batch of 2, got %d", expired)
	}
	if expired := svc.SweepExpiredQuotes(context.Background(), 50); expired != 3 {
		t.Fatalf("expected remaining 3, got %d", expired)
	}
}
