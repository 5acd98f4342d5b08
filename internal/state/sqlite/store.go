// Package sqlite implements the document ledger on a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

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
	status        TEXT    NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending','in_progress','completed','failed')),
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	file_path     TEXT,
	discovered_at TIMESTAMP NOT NULL,
	completed_at  TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS run_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store implements hcm.StateStore backed by a SQLite file in WAL mode.
// SetMaxOpenConns(1) serializes all statements through one connection, so
// concurrent workers never interleave partial writes.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open creates (or reopens) the ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger dir %s: %w", dir, err)
		}
	}

	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Register inserts the record if absent. INSERT OR IGNORE keeps the
// operation idempotent without read-modify-write races.
func (s *Store) Register(ctx context.Context, rec hcm.DocumentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("register: empty document id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents
			(id, employee_name, employee_id, doc_type, doc_date,
			 listing_page, row_index, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
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
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM documents WHERE id = ? AND status = 'completed'`, id,
	).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("query completion for %s: %w", id, err)
	}
	return true, nil
}

// GetAttempts returns the attempt count, 0 for unregistered ids.
func (s *Store) GetAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM documents WHERE id = ?`, id,
	).Scan(&attempts)
	switch {
	case err == sql.ErrNoRows:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("query attempts for %s: %w", id, err)
	}
	return attempts, nil
}

// MarkInProgress sets in_progress status and counts the attempt.
func (s *Store) MarkInProgress(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = 'in_progress', attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark in_progress %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkCompleted records success, the file path and the completion time.
func (s *Store) MarkCompleted(ctx context.Context, id string, filePath string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		   SET status = 'completed', file_path = ?, last_error = NULL,
		       completed_at = COALESCE(completed_at, ?)
		 WHERE id = ?`,
		filePath, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark completed %s: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkFailed records the failure text without touching attempts.
func (s *Store) MarkFailed(ctx context.Context, id string, errText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = 'failed', last_error = ? WHERE id = ?`, errText, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return requireRow(res, id)
}

// GetLastPage returns the resume point, defaulting to 1.
func (s *Store) GetLastPage(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM run_state WHERE key = ?`, state.RunStateLastPage,
	).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
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
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO run_state (key, value) VALUES (?, ?)`,
		state.RunStateLastPage, strconv.Itoa(page))
	if err != nil {
		return fmt.Errorf("set last page: %w", err)
	}
	return nil
}

// Reset clears all documents and run state.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("reset documents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM run_state`); err != nil {
		return fmt.Errorf("reset run state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	return nil
}

// GetSummary aggregates status counts and failure details.
func (s *Store) GetSummary(ctx context.Context) (hcm.Summary, error) {
	var sum hcm.Summary

	rows, err := s.db.QueryContext(ctx,
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

	frows, err := s.db.QueryContext(ctx, `
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

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", state.ErrNotFound, id)
	}
	return nil
}
