package hcm

import (
	"context"
	"time"
)

// StateStore is the durable ledger of discovered documents and run state.
// Implementations must make every mutation durable before returning and must
// be safe under concurrent readers and writers.
type StateStore interface {
	// Register inserts a newly discovered document. It is idempotent: a
	// second registration of the same ID is a no-op and never mutates the
	// existing row.
	Register(ctx context.Context, rec DocumentRecord) error
	IsCompleted(ctx context.Context, id string) (bool, error)
	GetAttempts(ctx context.Context, id string) (int, error)
	// MarkInProgress sets status to in_progress and increments attempts.
	MarkInProgress(ctx context.Context, id string) error
	// MarkCompleted sets status to completed, records the saved file path
	// and completion timestamp, and clears any previous error.
	MarkCompleted(ctx context.Context, id string, filePath string) error
	// MarkFailed sets status to failed and records the error text. Attempts
	// are untouched; MarkInProgress already counted the attempt.
	MarkFailed(ctx context.Context, id string, errText string) error
	GetLastPage(ctx context.Context) (int, error)
	SetLastPage(ctx context.Context, page int) error
	// Reset irreversibly clears all documents and run state.
	Reset(ctx context.Context) error
	GetSummary(ctx context.Context) (Summary, error)
	Close() error
}

// Queue provides the shared work queue between the scrape and download
// phases. Each dequeue is exclusive; FIFO order is not guaranteed across
// re-queues.
type Queue interface {
	Enqueue(ctx context.Context, rec DocumentRecord) error
	// TryDequeue returns the next record without blocking. ok is false when
	// the queue is currently empty.
	TryDequeue() (rec DocumentRecord, ok bool)
	Len() int
}

// Adapter is the page-navigation capability contract every portal driver
// must satisfy. One adapter instance is bound to one browser page; the pool
// creates an adapter per worker so sessions share authentication cookies
// but never page state.
type Adapter interface {
	// NavigateToListing opens page 1 of the document listing.
	NavigateToListing(ctx context.Context) error
	// GoToListingPage navigates directly to a pagination page.
	GoToListingPage(ctx context.Context, page int) error
	// ListRecords returns all downloadable documents visible on the current
	// listing page. The page number is passed through so adapters can embed
	// it in each record's locator.
	ListRecords(ctx context.Context, page int) ([]DocumentRecord, error)
	HasNextPage(ctx context.Context) (bool, error)
	AdvanceToNextPage(ctx context.Context) error
	// DownloadRecord re-locates the record by (ListingPage, RowIndex),
	// verifies the row's identifying fields, clicks the download control and
	// saves the file under outputDir, returning the saved path. A failure
	// caused by an expired session is reported by wrapping ErrSessionExpired.
	DownloadRecord(ctx context.Context, rec DocumentRecord, outputDir string) (string, error)
	// SessionExpired reports whether the page has been redirected to a
	// login/SSO URL.
	SessionExpired(ctx context.Context) (bool, error)
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
