package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	"github.com/hcmtools/hcmfetch/internal/state"
)

func record(id string) hcm.DocumentRecord {
	return hcm.DocumentRecord{
		ID:           id,
		EmployeeName: "Pat Doe",
		EmployeeID:   "EMP001",
		DocType:      "W2",
		DocDate:      "2024",
		ListingPage:  2,
		RowIndex:     4,
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	rec := record("EMP001_W2_2024")
	require.NoError(t, s.Register(ctx, rec))

	// Mutate status, then re-register: the existing row must survive intact.
	require.NoError(t, s.MarkInProgress(ctx, rec.ID))
	require.NoError(t, s.MarkCompleted(ctx, rec.ID, "/tmp/out.pdf"))

	second := rec
	second.EmployeeName = "someone else"
	second.ListingPage = 9
	require.NoError(t, s.Register(ctx, second))

	row, ok := s.Get(rec.ID)
	require.True(t, ok)
	require.Equal(t, "Pat Doe", row.EmployeeName)
	require.Equal(t, 2, row.ListingPage)
	require.Equal(t, hcm.StatusCompleted, row.Status)
	require.Equal(t, 1, row.Attempts)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	t.Parallel()
	require.Error(t, New().Register(context.Background(), hcm.DocumentRecord{}))
}

func TestStatusLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	rec := record("doc-1")
	require.NoError(t, s.Register(ctx, rec))

	row, _ := s.Get(rec.ID)
	require.Equal(t, hcm.StatusPending, row.Status)
	require.False(t, row.DiscoveredAt.IsZero())
	require.Nil(t, row.CompletedAt)

	require.NoError(t, s.MarkInProgress(ctx, rec.ID))
	attempts, err := s.GetAttempts(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, attempts)

	require.NoError(t, s.MarkFailed(ctx, rec.ID, "element not found"))
	row, _ = s.Get(rec.ID)
	require.Equal(t, hcm.StatusFailed, row.Status)
	require.Equal(t, "element not found", row.LastError)
	require.Nil(t, row.CompletedAt, "completed_at set only on success")

	// Re-queue path: failed rows go through in_progress again.
	require.NoError(t, s.MarkInProgress(ctx, rec.ID))
	require.NoError(t, s.MarkCompleted(ctx, rec.ID, "/docs/w2.pdf"))

	row, _ = s.Get(rec.ID)
	require.Equal(t, hcm.StatusCompleted, row.Status)
	require.Equal(t, "/docs/w2.pdf", row.FilePath)
	require.Empty(t, row.LastError, "success clears the error")
	require.NotNil(t, row.CompletedAt)
	require.Equal(t, 2, row.Attempts)

	done, err := s.IsCompleted(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, done)
}

func TestMutationsOnUnknownIDReturnNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	require.ErrorIs(t, s.MarkInProgress(ctx, "ghost"), state.ErrNotFound)
	require.ErrorIs(t, s.MarkCompleted(ctx, "ghost", "p"), state.ErrNotFound)
	require.ErrorIs(t, s.MarkFailed(ctx, "ghost", "e"), state.ErrNotFound)

	attempts, err := s.GetAttempts(ctx, "ghost")
	require.NoError(t, err)
	require.Zero(t, attempts)

	done, err := s.IsCompleted(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, done)
}

func TestLastPageDefaultsAndReset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	page, err := s.GetLastPage(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, page)

	require.NoError(t, s.SetLastPage(ctx, 7))
	require.NoError(t, s.Register(ctx, record("doc-reset")))

	require.NoError(t, s.Reset(ctx))

	page, err = s.GetLastPage(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, page)

	sum, err := s.GetSummary(ctx)
	require.NoError(t, err)
	require.Zero(t, sum.Total())
}

func TestGetSummaryCountsAndFailureDetails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.Register(ctx, record(fmt.Sprintf("doc-%d", i))))
	}
	require.NoError(t, s.MarkInProgress(ctx, "doc-0"))
	require.NoError(t, s.MarkCompleted(ctx, "doc-0", "a.pdf"))
	require.NoError(t, s.MarkInProgress(ctx, "doc-1"))
	require.NoError(t, s.MarkCompleted(ctx, "doc-1", "b.pdf"))
	require.NoError(t, s.MarkInProgress(ctx, "doc-2"))
	require.NoError(t, s.MarkFailed(ctx, "doc-2", "timeout"))
	require.NoError(t, s.MarkInProgress(ctx, "doc-3"))

	sum, err := s.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, sum.Completed)
	require.Equal(t, 1, sum.Failed)
	require.Equal(t, 1, sum.InProgress)
	require.Equal(t, 2, sum.Pending)
	require.Len(t, sum.Failures, 1)
	require.Equal(t, "doc-2", sum.Failures[0].ID)
	require.Equal(t, "timeout", sum.Failures[0].LastError)
	require.Equal(t, 1, sum.Failures[0].Attempts)
}

func TestConcurrentMutationsKeepCountsConsistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()

	const docs = 40
	for i := 0; i < docs; i++ {
		require.NoError(t, s.Register(ctx, record(fmt.Sprintf("doc-%d", i))))
	}

	var wg sync.WaitGroup
	for i := 0; i < docs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("doc-%d", i)
			require.NoError(t, s.MarkInProgress(ctx, id))
			if i%4 == 0 {
				require.NoError(t, s.MarkFailed(ctx, id, "boom"))
			} else {
				require.NoError(t, s.MarkCompleted(ctx, id, id+".pdf"))
			}
		}(i)
	}
	wg.Wait()

	sum, err := s.GetSummary(ctx)
	require.NoError(t, err)
	require.Equal(t, docs, sum.Total())
	require.Equal(t, 10, sum.Failed)
	require.Equal(t, 30, sum.Completed)
}
