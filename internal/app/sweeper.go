/**
 * @description
 * This file contains the quote expiry sweeper: a cron-driven background job
 * that force-expires open quotes whose validity deadline has passed. The
 * sweeper is a safety net behind the transition-time deadline guards, so a
 * quote nobody touches still lands in `expired`.
 */

package app

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/quoteflow/quote-service/internal/domain"
	"github.com/quoteflow/quote-service/internal/store"
	"github.com/robfig/cron/v3"
)

// ExpirySweeper periodically expires overdue open quotes.
type ExpirySweeper struct {
	service   *Service
	cron      *cron.Cron
	schedule  string
	batchSize int
}

// NewExpirySweeper creates a sweeper running on the given cron schedule.
func NewExpirySweeper(service *Service, schedule string, batchSize int) *ExpirySweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	return &ExpirySweeper{
		service:   service,
		cron:      cron.New(cron.WithChain(cron.Recover(cronLogger))),
		schedule:  schedule,
		batchSize: batchSize,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *ExpirySweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		s.service.SweepExpiredQuotes(ctx, s.batchSize)
	}); err != nil {
		return err
	}
	s.cron.Start()
	log.Printf("level=info component=expiry_sweeper msg=\"sweeper started\" schedule=%q batch_size=%d", s.schedule, s.batchSize)
	return nil
}

// Stop gracefully stops the scheduler and returns a context that is done when
// the running job (if any) finishes.
func (s *ExpirySweeper) Stop() context.Context {
	return s.cron.Stop()
}

// SweepExpiredQuotes expires one batch of overdue quotes. Version conflicts
// are skipped, not retried: a conflicting quote was just touched by someone
// else and the next sweep will pick it up if it is still overdue.
func (s *Service) SweepExpiredQuotes(ctx context.Context, batchSize int) (expired int) {
	if batchSize <= 0 {
		batchSize = 200
	}
	candidates, err := s.repo.ListExpiryCandidates(ctx, s.now(), batchSize)
	if err != nil {
		log.Printf("level=error component=expiry_sweeper msg=\"failed to list candidates\" err=%v", err)
		return 0
	}

	for _, quote := range candidates {
		updated, err := s.repo.UpdateQuoteStatusAtomic(ctx, quote.ID, quote.Version, domain.QuoteStatusExpired)
		if err != nil {
			if errors.Is(err, store.ErrQuoteConflict) {
				continue
			}
			log.Printf("level=error component=expiry_sweeper quote_id=%s err=%v", quote.ID, err)
			continue
		}
		expired++
		s.publishQuoteEvent(ctx, updated, "quote.expired")
	}
	if expired > 0 {
		log.Printf("level=info component=expiry_sweeper msg=\"sweep complete\" candidates=%d expired=%d", len(candidates), expired)
	}
	return expired
}
