package scrape

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	queuemem "github.com/hcmtools/hcmfetch/internal/queue/memory"
	statemem "github.com/hcmtools/hcmfetch/internal/state/memory"
)

// fakeAdapter serves canned listing pages and records navigation calls.
type fakeAdapter struct {
	pages    [][]hcm.DocumentRecord
	current  int // 0-based index into pages
	advances int
	navigate int
}

func (f *fakeAdapter) NavigateToListing(context.Context) error {
	f.navigate++
	f.current = 0
	return nil
}

func (f *fakeAdapter) GoToListingPage(_ context.Context, page int) error {
	f.current = page - 1
	return nil
}

func (f *fakeAdapter) ListRecords(_ context.Context, page int) ([]hcm.DocumentRecord, error) {
	if f.current >= len(f.pages) {
		return nil, nil
	}
	out := make([]hcm.DocumentRecord, len(f.pages[f.current]))
	copy(out, f.pages[f.current])
	for i := range out {
		out[i].ListingPage = page
		out[i].RowIndex = i
	}
	return out, nil
}

func (f *fakeAdapter) HasNextPage(context.Context) (bool, error) {
	return f.current < len(f.pages)-1, nil
}

func (f *fakeAdapter) AdvanceToNextPage(context.Context) error {
	f.advances++
	f.current++
	return nil
}

func (f *fakeAdapter) DownloadRecord(context.Context, hcm.DocumentRecord, string) (string, error) {
	return "", fmt.Errorf("not a download session")
}

func (f *fakeAdapter) SessionExpired(context.Context) (bool, error) { return false, nil }
func (f *fakeAdapter) Close() error                                 { return nil }

func pagesOf(counts ...int) [][]hcm.DocumentRecord {
	pages := make([][]hcm.DocumentRecord, len(counts))
	n := 0
	for p, count := range counts {
		for i := 0; i < count; i++ {
			pages[p] = append(pages[p], hcm.DocumentRecord{
				ID:           fmt.Sprintf("doc-%d", n),
				EmployeeID:   fmt.Sprintf("EMP%03d", n),
				EmployeeName: "Pat Doe",
				DocType:      "PAYSTUB",
				DocDate:      "2024-06",
			})
			n++
		}
	}
	return pages
}

func TestRunRegistersAndEnqueuesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	adapter := &fakeAdapter{pages: pagesOf(3, 3, 2)}
	store := statemem.New()
	queue := queuemem.New(16)

	total, err := New(adapter, store, queue, zap.NewNop()).Run(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 8, total)
	require.Equal(t, 8, queue.Len())
	require.Equal(t, 1, adapter.navigate)
	require.Equal(t, 2, adapter.advances)

	sum, err := store.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 8, sum.Pending)

	// Locators embed the page the record was found on.
	rec, ok := queue.TryDequeue()
	require.True(t, ok)
	require.Equal(t, 1, rec.ListingPage)
	require.Equal(t, 0, rec.RowIndex)

	page, err := store.GetLastPage(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, page, "resume point tracks the last scraped page")
}

func TestRunSkipsEnqueueForCompletedDocuments(t *testing.T) {
	t.Parallel()

	// Scenario: resuming with 4 of 10 ids already completed re-registers all
	// 10 but enqueues only the other 6.
	ctx := context.Background()
	adapter := &fakeAdapter{pages: pagesOf(5, 5)}
	store := statemem.New()
	queue := queuemem.New(16)

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("doc-%d", i)
		require.NoError(t, store.Register(ctx, hcm.DocumentRecord{ID: id}))
		require.NoError(t, store.MarkInProgress(ctx, id))
		require.NoError(t, store.MarkCompleted(ctx, id, id+".pdf"))
	}

	total, err := New(adapter, store, queue, zap.NewNop()).Run(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 10, total, "completed records still count toward the total observed")
	require.Equal(t, 6, queue.Len())

	sum, err := store.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, sum.Total())
	require.Equal(t, 4, sum.Completed)
}

func TestRunFastForwardsToStartPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	adapter := &fakeAdapter{pages: pagesOf(2, 2, 2, 2)}
	store := statemem.New()
	queue := queuemem.New(16)

	total, err := New(adapter, store, queue, zap.NewNop()).Run(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 4, total, "only pages 3 and 4 are scraped on resume")
	require.Equal(t, 4, queue.Len())
	require.Equal(t, 3, adapter.advances, "2 fast-forward advances + 1 scrape advance")
}

func TestRunResumesPastShrunkenListing(t *testing.T) {
	t.Parallel()

	// Saved resume point beyond the end of the (shrunk) listing: the walk
	// stops at the real last page, and the records scraped there carry the
	// page they were actually found on, not the stale resume point.
	ctx := context.Background()
	adapter := &fakeAdapter{pages: pagesOf(2, 2)}
	store := statemem.New()
	queue := queuemem.New(16)

	total, err := New(adapter, store, queue, zap.NewNop()).Run(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 2, total, "only the real last page is scraped")

	for i := 0; i < 2; i++ {
		rec, ok := queue.TryDequeue()
		require.True(t, ok)
		require.Equal(t, 2, rec.ListingPage, "locator must point at a reachable page")
	}

	page, err := store.GetLastPage(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, page, "resume point tracks the page actually reached")
}

func TestRunEnqueuesMoreRecordsThanQueueCapacity(t *testing.T) {
	t.Parallel()

	// The scrape phase finishes before any worker drains, so the queue must
	// absorb every outstanding record regardless of its initial capacity.
	ctx := context.Background()
	adapter := &fakeAdapter{pages: pagesOf(4, 4, 4)}
	store := statemem.New()
	queue := queuemem.New(2)

	done := make(chan error, 1)
	var total int
	go func() {
		var err error
		total, err = New(adapter, store, queue, zap.NewNop()).Run(ctx, 1)
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scrape stalled with outstanding records exceeding queue capacity")
	}
	require.Equal(t, 12, total)
	require.Equal(t, 12, queue.Len())
}

func TestRunRegistrationIsIdempotentAcrossRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := statemem.New()

	first := &fakeAdapter{pages: pagesOf(3)}
	_, err := New(first, store, queuemem.New(8), zap.NewNop()).Run(ctx, 1)
	require.NoError(t, err)

	second := &fakeAdapter{pages: pagesOf(3)}
	queue := queuemem.New(8)
	total, err := New(second, store, queue, zap.NewNop()).Run(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, 3, queue.Len(), "pending documents are re-enqueued, not duplicated in the ledger")

	sum, err := store.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, sum.Total())
}
