// Package postgres provides a Postgres-backed ledger for deployments where
// several operators share one resume state.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	"github.com/hcmtools/hcmfetch/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id            TEXT PRIMARY KEY,
	employee_name TEXT NOT NULL,
	employee_id   TEXT NOT NULL,
	doc_type      TEXT NOT NULL,
	doc_date      TEXT NOT NULL,
	listing_page  INTEGER NOT NULL DEFAULT 1,
	row_index     INTEGER NOT NULL DEFAULT 0,
	status        TEXT    NOT NULL DEFAULT 'pending',
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	file_path     TEXT,
	discovered_at TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS run_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store implements hcm.StateStore using a pgx connection pool. MVCC gives
// readers a consistent snapshot while workers write.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}
	return &Store{pool: pool, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Register inserts the record if absent; conflicts are ignored so repeated
// scrapes of the same document collapse to one row.
func (s *Store) Register(ctx context.Context, rec hcm.DocumentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("register: empty document id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO documents
			(id, employee_name, employee_id, doc_type, doc_date,
			 listing_page, row_index, discovered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.EmployeeName, rec.EmployeeID, rec.DocType, rec.DocDate,
		rec.ListingPage, rec.RowIndex, s.now(),
	)
	if err != nil {
		return fmt.Errorf("register document %s: %w", rec.ID, err)
	}
	return nil
}

// IsCompleted reports whether the document reached completed status.
func (s *Store) IsCompleted(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM documents WHERE id = $1 AND status = 'completed'`, id,
	).Scan(&one)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query completion for %s: %w", id, err)
	}
	return true, nil
}

// GetAttempts returns the attempt count, 0 for unregistered ids.
func (s *Store) GetAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`SELECT attempts FROM documents WHERE id = $1`, id,
	).Scan(&attempts)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("query attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// MarkInProgress sets in_progress status and counts the attempt.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = 'in_progress', attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark in_progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	return nil
}

// MarkCompleted records success, the file path and the completion time.
func (s *Store) MarkCompleted(ctx context.Context, id string, filePath string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE documents
		   SET status = 'completed', file_path = $1, last_error = NULL,
		       completed_at = COALESCE(completed_at, $2)
		 WHERE id = $3`,
		filePath, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	return nil
}

// MarkFailed records the failure text without touching attempts.
func (s *Store) MarkFailed(ctx context.Context, id string, errText string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET status = 'failed', last_error = $1 WHERE id = $2`, errText, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	return nil
}

// GetLastPage returns the resume point, defaulting to 1.
func (s *Store) GetLastPage(ctx context.Context) (int, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM run_state WHERE key = $1`, state.RunStateLastPage,
	).Scan(&value)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 1, nil
	case err != nil:
		return 0, fmt.Errorf("query last page: %w", err)
	}
	page, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse last page %q: %w", value, err)
	}
	return page, nil
}

// SetLastPage upserts the resume point.
func (s *Store) SetLastPage(ctx context.Context, page int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		state.RunStateLastPage, strconv.Itoa(page))
	if err != nil {
		return fmt.Errorf("set last page: %w", err)
	}
	return nil
}

// Reset clears all documents and run state in one transaction.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("reset documents: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM run_state`); err != nil {
		return fmt.Errorf("reset run state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// GetSummary aggregates status counts and failure details.
func (s *Store) GetSummary(ctx context.Context) (hcm.Summary, error) {
	var sum hcm.Summary

	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return hcm.Summary{}, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return hcm.Summary{}, fmt.Errorf("scan status count: %w", err)
		}
		switch hcm.Status(status) {
		case hcm.StatusCompleted:
			sum.Completed = n
		case hcm.StatusFailed:
			sum.Failed = n
		case hcm.StatusInProgress:
			sum.InProgress = n
		case hcm.StatusPending:
			sum.Pending = n
		}
	}
	if err := rows.Err(); err != nil {
		return hcm.Summary{}, fmt.Errorf("iterate status counts: %w", err)
	}

	frows, err := s.pool.Query(ctx, `
		SELECT id, employee_name, employee_id, doc_type, doc_date,
		       attempts, COALESCE(last_error, '')
		  FROM documents WHERE status = 'failed' ORDER BY id`)
	if err != nil {
		return hcm.Summary{}, fmt.Errorf("query failures: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f hcm.FailedDocument
		if err := frows.Scan(&f.ID, &f.EmployeeName, &f.EmployeeID,
			&f.DocType, &f.DocDate, &f.Attempts, &f.LastError); err != nil {
			return hcm.Summary{}, fmt.Errorf("scan failure row: %w", err)
		}
		sum.Failures = append(sum.Failures, f)
	}
	if err := frows.Err(); err != nil {
		return hcm.Summary{}, fmt.Errorf("iterate failures: %w", err)
	}

	return sum, nil
}
