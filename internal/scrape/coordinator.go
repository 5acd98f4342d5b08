// Package scrape implements the single-session listing walk that feeds the
// download workers.
package scrape

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	"github.com/hcmtools/hcmfetch/internal/metrics"
)

// Coordinator pages through the remote listing with one dedicated
// authenticated session, registers every discovered document in the ledger,
// and enqueues the ones that still need downloading.
type Coordinator struct {
	adapter hcm.Adapter
	store   hcm.StateStore
	queue   hcm.Queue
	logger  *zap.Logger
}

// New constructs a Coordinator.
func New(adapter hcm.Adapter, store hcm.StateStore, queue hcm.Queue, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		adapter: adapter,
		store:   store,
		queue:   queue,
		logger:  logger.Named("scrape"),
	}
}

// Run walks the listing from startPage until the driver reports no further
// page. It returns the total number of records observed, including ones that
// were already completed and therefore not enqueued.
//
// Resume policy: a resumed run fast-forwards to startPage and scrapes from
// there; earlier pages are not revisited. Registration is idempotent, so a
// fresh run re-registering everything is harmless.
func (c *Coordinator) Run(ctx context.Context, startPage int) (int, error) {
	if startPage < 1 {
		startPage = 1
	}

	if err := c.adapter.NavigateToListing(ctx); err != nil {
		return 0, fmt.Errorf("navigate to listing: %w", err)
	}

	// The listing can be shorter than the saved resume point; scrape and
	// label from the page actually reached, never the requested one.
	page, err := c.fastForward(ctx, startPage)
	if err != nil {
		return 0, err
	}
	if page < startPage {
		c.logger.Warn("listing ends before saved resume point",
			zap.Int("resume_page", startPage), zap.Int("page", page))
	}
	first := page

	total := 0
	for {
		c.logger.Info("scraping listing page", zap.Int("page", page))

		// Persist the resume point before the page is processed so a crash
		// mid-page resumes here, not past it.
		if err := c.store.SetLastPage(ctx, page); err != nil {
			return total, fmt.Errorf("persist resume point: %w", err)
		}

		records, err := c.adapter.ListRecords(ctx, page)
		if err != nil {
			return total, fmt.Errorf("list records on page %d: %w", page, err)
		}
		c.logger.Info("found records", zap.Int("page", page), zap.Int("count", len(records)))
		metrics.PageScraped()

		for _, rec := range records {
			if err := c.store.Register(ctx, rec); err != nil {
				return total, fmt.Errorf("register %s: %w", rec.ID, err)
			}
			done, err := c.store.IsCompleted(ctx, rec.ID)
			if err != nil {
				return total, fmt.Errorf("check completion of %s: %w", rec.ID, err)
			}
			if !done {
				if err := c.queue.Enqueue(ctx, rec); err != nil {
					return total, fmt.Errorf("enqueue %s: %w", rec.ID, err)
				}
			} else {
				c.logger.Debug("already completed", zap.String("id", rec.ID))
			}
			total++
		}

		more, err := c.adapter.HasNextPage(ctx)
		if err != nil {
			return total, fmt.Errorf("check next page after %d: %w", page, err)
		}
		if !more {
			break
		}
		if err := c.adapter.AdvanceToNextPage(ctx); err != nil {
			return total, fmt.Errorf("advance past page %d: %w", page, err)
		}
		page++
	}

	c.logger.Info("scrape complete", zap.Int("pages", page-first+1), zap.Int("records", total))
	return total, nil
}

// fastForward advances from page 1 toward startPage and returns the page it
// actually reached, which is lower than startPage when the listing has
// shrunk since the resume point was saved.
func (c *Coordinator) fastForward(ctx context.Context, startPage int) (int, error) {
	page := 1
	for page < startPage {
		more, err := c.adapter.HasNextPage(ctx)
		if err != nil {
			return page, fmt.Errorf("fast-forward check at page %d: %w", page, err)
		}
		if !more {
			break
		}
		if err := c.adapter.AdvanceToNextPage(ctx); err != nil {
			return page, fmt.Errorf("fast-forward advance at page %d: %w", page, err)
		}
		page++
	}
	return page, nil
}
