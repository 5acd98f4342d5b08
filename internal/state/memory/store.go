// Package memory provides an in-memory ledger for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hcmtools/hcmfetch/internal/hcm"
	"github.com/hcmtools/hcmfetch/internal/state"
)

// Store implements hcm.StateStore with a mutex-guarded map. Mutations are
// "durable" only for the process lifetime; it exists so the orchestration
// engine can be exercised without a database file.
type Store struct {
	mu       sync.RWMutex
	docs     map[string]*hcm.DocumentRow
	lastPage int
	now      func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		docs:     make(map[string]*hcm.DocumentRow),
		lastPage: 1,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register inserts the record if absent; an existing row is never mutated.
func (s *Store) Register(_ context.Context, rec hcm.DocumentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("register: empty document id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[rec.ID]; exists {
		return nil
	}
	s.docs[rec.ID] = &hcm.DocumentRow{
		DocumentRecord: rec,
		Status:         hcm.StatusPending,
		DiscoveredAt:   s.now(),
	}
	return nil
}

// IsCompleted reports whether the document has completed status.
func (s *Store) IsCompleted(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.docs[id]
	return ok && row.Status == hcm.StatusCompleted, nil
}

// GetAttempts returns the attempt count, 0 for unregistered ids.
func (s *Store) GetAttempts(_ context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.docs[id]; ok {
		return row.Attempts, nil
	}
	return 0, nil
}

// MarkInProgress transitions the row to in_progress and counts the attempt.
func (s *Store) MarkInProgress(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.docs[id]
	if !ok {
		return state.ErrNotFound
	}
	row.Status = hcm.StatusInProgress
	row.Attempts++
	return nil
}

// MarkCompleted records success, the saved path and the completion time.
func (s *Store) MarkCompleted(_ context.Context, id string, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.docs[id]
	if !ok {
		return state.ErrNotFound
	}
	row.Status = hcm.StatusCompleted
	row.FilePath = filePath
	row.LastError = ""
	if row.CompletedAt == nil {
		now := s.now()
		row.CompletedAt = &now
	}
	return nil
}

// MarkFailed records the failure text; attempts were already counted.
func (s *Store) MarkFailed(_ context.Context, id string, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.docs[id]
	if !ok {
		return state.ErrNotFound
	}
	row.Status = hcm.StatusFailed
	row.LastError = errText
	return nil
}

// GetLastPage returns the resume point, defaulting to 1.
func (s *Store) GetLastPage(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPage, nil
}

// SetLastPage persists the resume point.
func (s *Store) SetLastPage(_ context.Context, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPage = page
	return nil
}

// Reset clears all documents and run state.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[string]*hcm.DocumentRow)
	s.lastPage = 1
	return nil
}

// GetSummary aggregates status counts plus failure details.
func (s *Store) GetSummary(_ context.Context) (hcm.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum hcm.Summary
	for _, row := range s.docs {
		switch row.Status {
		case hcm.StatusCompleted:
			sum.Completed++
		case hcm.StatusFailed:
			sum.Failed++
			sum.Failures = append(sum.Failures, hcm.FailedDocument{
				ID:           row.ID,
				EmployeeName: row.EmployeeName,
				EmployeeID:   row.EmployeeID,
				DocType:      row.DocType,
				DocDate:      row.DocDate,
				Attempts:     row.Attempts,
				LastError:    row.LastError,
			})
		case hcm.StatusInProgress:
			sum.InProgress++
		default:
			sum.Pending++
		}
	}
	return sum, nil
}

// Get returns a copy of the row, for tests and the status endpoint.
func (s *Store) Get(id string) (hcm.DocumentRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if row, ok := s.docs[id]; ok {
		return *row, true
	}
	return hcm.DocumentRow{}, false
}

// Close is a no-op for the memory backend.
func (s *Store) Close() error { return nil }
