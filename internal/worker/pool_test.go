package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	queuemem "github.com/hcmtools/hcmfetch/internal/queue/memory"
	"github.com/hcmtools/hcmfetch/internal/ratelimit"
	"github.com/hcmtools/hcmfetch/internal/retry"
	"github.com/hcmtools/hcmfetch/internal/sessionguard"
	memstore "github.com/hcmtools/hcmfetch/internal/state/memory"
)

// fakeAdapter is a driver whose download behavior is scripted per test.
type fakeAdapter struct {
	download func(ctx context.Context, rec hcm.DocumentRecord) (string, error)

	mu     sync.Mutex
	calls  map[string]int
	closed bool
}

func newFakeAdapter(download func(ctx context.Context, rec hcm.DocumentRecord) (string, error)) *fakeAdapter {
	return &fakeAdapter{download: download, calls: make(map[string]int)}
}

func (f *fakeAdapter) NavigateToListing(context.Context) error      { return nil }
func (f *fakeAdapter) GoToListingPage(context.Context, int) error   { return nil }
func (f *fakeAdapter) HasNextPage(context.Context) (bool, error)    { return false, nil }
func (f *fakeAdapter) AdvanceToNextPage(context.Context) error      { return nil }
func (f *fakeAdapter) SessionExpired(context.Context) (bool, error) { return false, nil }
func (f *fakeAdapter) ListRecords(context.Context, int) ([]hcm.DocumentRecord, error) {
	return nil, nil
}

func (f *fakeAdapter) DownloadRecord(ctx context.Context, rec hcm.DocumentRecord, _ string) (string, error) {
	f.mu.Lock()
	f.calls[rec.ID]++
	f.mu.Unlock()
	return f.download(ctx, rec)
}

func (f *fakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeAdapter) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func record(i int) hcm.DocumentRecord {
	return hcm.DocumentRecord{
		ID:           fmt.Sprintf("doc-%03d", i),
		EmployeeName: "Dana Smith",
		EmployeeID:   "E1001",
		DocType:      "Pay Statement",
		DocDate:      "2026-01-15",
		ListingPage:  1 + i/25,
		RowIndex:     i % 25,
	}
}

type poolFixture struct {
	queue *queuemem.Queue
	store *memstore.Store
	guard *sessionguard.Guard
	pool  *Pool
}

func newFixture(t *testing.T, factory AdapterFactory, cfg Config, reauth sessionguard.ReauthFunc) *poolFixture {
	t.Helper()

	limiter, err := ratelimit.New(1000, time.Second)
	require.NoError(t, err)

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	if reauth == nil {
		reauth = func(context.Context) error { return nil }
	}

	f := &poolFixture{
		queue: queuemem.New(256),
		store: memstore.New(),
		guard: sessionguard.New(),
	}
	f.pool = New(factory, f.queue, f.store, limiter, f.guard, reauth, cfg, zap.NewNop())
	return f
}

func (f *poolFixture) seed(t *testing.T, records ...hcm.DocumentRecord) {
	t.Helper()
	ctx := context.Background()
	for _, rec := range records {
		require.NoError(t, f.store.Register(ctx, rec))
		require.NoError(t, f.queue.Enqueue(ctx, rec))
	}
}

func TestRunDownloadsAllRecords(t *testing.T) {
	t.Parallel()

	var created atomic.Int32
	factory := func(context.Context) (hcm.Adapter, error) {
		created.Add(1)
		return newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
			return "/out/" + rec.ID + ".pdf", nil
		}), nil
	}

	f := newFixture(t, factory, Config{Workers: 3, OutputDir: "/out"}, nil)
	records := make([]hcm.DocumentRecord, 10)
	for i := range records {
		records[i] = record(i)
	}
	f.seed(t, records...)

	tally, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 10, tally.Downloaded)
	assert.Zero(t, tally.Skipped)
	assert.Zero(t, tally.Failed)
	assert.Equal(t, int32(3), created.Load())
	assert.Zero(t, f.queue.Len())

	for _, rec := range records {
		row, ok := f.store.Get(rec.ID)
		require.True(t, ok)
		assert.Equal(t, hcm.StatusCompleted, row.Status)
		assert.Equal(t, "/out/"+rec.ID+".pdf", row.FilePath)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	adapter := newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
		if attempts.Add(1) <= 2 {
			return "", errors.New("portal hiccup")
		}
		return "/out/" + rec.ID + ".pdf", nil
	})
	factory := func(context.Context) (hcm.Adapter, error) { return adapter, nil }

	f := newFixture(t, factory, Config{Workers: 1, OutputDir: "/out"}, nil)
	f.seed(t, record(0))

	tally, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, tally.Downloaded)
	assert.Zero(t, tally.Failed)
	assert.Equal(t, 3, adapter.callCount("doc-000"))

	// One in_progress transition covers the whole retry budget.
	n, err := f.store.GetAttempts(context.Background(), "doc-000")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunMarksFailureAfterExhaustion(t *testing.T) {
	t.Parallel()

	adapter := newFakeAdapter(func(context.Context, hcm.DocumentRecord) (string, error) {
		return "", errors.New("download control missing")
	})
	factory := func(context.Context) (hcm.Adapter, error) { return adapter, nil }

	f := newFixture(t, factory, Config{Workers: 1, OutputDir: "/out"}, nil)
	f.seed(t, record(0))

	tally, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, tally.Downloaded)
	assert.Equal(t, 1, tally.Failed)
	assert.Equal(t, 3, adapter.callCount("doc-000"))

	row, ok := f.store.Get("doc-000")
	require.True(t, ok)
	assert.Equal(t, hcm.StatusFailed, row.Status)
	assert.Equal(t, "download control missing", row.LastError)
}

func TestRunSkipsRecordsCompletedAfterEnqueue(t *testing.T) {
	t.Parallel()

	factory := func(context.Context) (hcm.Adapter, error) {
		return newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
			return "/out/" + rec.ID + ".pdf", nil
		}), nil
	}

	f := newFixture(t, factory, Config{Workers: 1, OutputDir: "/out"}, nil)
	records := []hcm.DocumentRecord{record(0), record(1), record(2), record(3)}
	f.seed(t, records...)

	// Simulate another run completing two records between enqueue and dequeue.
	ctx := context.Background()
	for _, id := range []string{"doc-001", "doc-003"} {
		require.NoError(t, f.store.MarkInProgress(ctx, id))
		require.NoError(t, f.store.MarkCompleted(ctx, id, "/out/"+id+".pdf"))
	}

	tally, err := f.pool.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, tally.Downloaded)
	assert.Equal(t, 2, tally.Skipped)
	assert.Zero(t, tally.Failed)
}

func TestRunSessionExpiryPromptsOnceAndRequeues(t *testing.T) {
	t.Parallel()

	var expired atomic.Bool
	expired.Store(true)
	var prompts atomic.Int32

	adapter := newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
		if expired.Load() {
			return "", fmt.Errorf("redirected to login: %w", hcm.ErrSessionExpired)
		}
		return "/out/" + rec.ID + ".pdf", nil
	})
	factory := func(context.Context) (hcm.Adapter, error) { return adapter, nil }
	reauth := func(context.Context) error {
		prompts.Add(1)
		expired.Store(false)
		return nil
	}

	f := newFixture(t, factory, Config{Workers: 1, OutputDir: "/out"}, reauth)
	f.seed(t, record(0), record(1), record(2))

	tally, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, tally.Downloaded)
	assert.Zero(t, tally.Failed)
	assert.Equal(t, int32(1), prompts.Load())
	assert.Equal(t, 1, f.guard.Recoveries())
	// The triggering record went back through the queue, not into failed.
	assert.Equal(t, 2, adapter.callCount("doc-000"))
}

func TestRunConcurrentExpiryRecoversWithoutLoss(t *testing.T) {
	t.Parallel()

	var expired atomic.Bool
	expired.Store(true)

	factory := func(context.Context) (hcm.Adapter, error) {
		return newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
			if expired.Load() {
				return "", fmt.Errorf("redirected to login: %w", hcm.ErrSessionExpired)
			}
			return "/out/" + rec.ID + ".pdf", nil
		}), nil
	}
	reauth := func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		expired.Store(false)
		return nil
	}

	f := newFixture(t, factory, Config{Workers: 3, OutputDir: "/out"}, reauth)
	records := make([]hcm.DocumentRecord, 6)
	for i := range records {
		records[i] = record(i)
	}
	f.seed(t, records...)

	tally, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, tally.Downloaded)
	assert.Zero(t, tally.Failed)
	assert.GreaterOrEqual(t, f.guard.Recoveries(), 1)
	assert.Zero(t, f.queue.Len())
	for _, rec := range records {
		row, ok := f.store.Get(rec.ID)
		require.True(t, ok)
		assert.Equal(t, hcm.StatusCompleted, row.Status)
	}
}

func TestRunTalliesPartitionEveryRecord(t *testing.T) {
	t.Parallel()

	factory := func(context.Context) (hcm.Adapter, error) {
		return newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
			if rec.RowIndex%3 == 0 {
				return "", errors.New("render timeout")
			}
			return "/out/" + rec.ID + ".pdf", nil
		}), nil
	}

	f := newFixture(t, factory, Config{
		Workers: 4,
		Retry:   retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, nil)
	records := make([]hcm.DocumentRecord, 12)
	for i := range records {
		records[i] = record(i)
	}
	f.seed(t, records...)

	tally, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 12, tally.Downloaded+tally.Skipped+tally.Failed)
	assert.Equal(t, 4, tally.Failed)
	assert.Equal(t, 8, tally.Downloaded)

	summary, err := f.store.GetSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Completed)
	assert.Equal(t, 4, summary.Failed)
}

func TestRunReturnsFactoryError(t *testing.T) {
	t.Parallel()

	factory := func(context.Context) (hcm.Adapter, error) {
		return nil, errors.New("browser did not start")
	}

	f := newFixture(t, factory, Config{Workers: 2}, nil)
	f.seed(t, record(0))

	_, err := f.pool.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser did not start")
}

func TestInterItemPauseStaysWithinBounds(t *testing.T) {
	t.Parallel()

	factory := func(context.Context) (hcm.Adapter, error) {
		return newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
			return "/out/" + rec.ID + ".pdf", nil
		}), nil
	}

	f := newFixture(t, factory, Config{
		Workers:  1,
		DelayMin: 2 * time.Second,
		DelayMax: 6 * time.Second,
	}, nil)

	var mu sync.Mutex
	var pauses []time.Duration
	f.pool.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		pauses = append(pauses, d)
		mu.Unlock()
		return nil
	}
	f.pool.randf = func() float64 { return 0.25 }

	f.seed(t, record(0), record(1))

	_, err := f.pool.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, pauses, 2)
	for _, d := range pauses {
		assert.Equal(t, 3*time.Second, d)
	}
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	factory := func(context.Context) (hcm.Adapter, error) {
		return newFakeAdapter(func(_ context.Context, rec hcm.DocumentRecord) (string, error) {
			return "/out/" + rec.ID + ".pdf", nil
		}), nil
	}

	f := newFixture(t, factory, Config{Workers: 1}, nil)
	f.seed(t, record(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pool.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
