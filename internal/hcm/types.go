// Package hcm defines core types shared across subsystems.
package hcm

import (
	"regexp"
	"strings"
	"time"
)

// Status represents the lifecycle state of a document in the ledger.
type Status string

// Document status values persisted in the state store.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DocumentRecord is one downloadable document discovered on a listing page.
//
// ID must be stable and unique within a system so the ledger deduplicates
// across resumed runs. ListingPage and RowIndex let any worker session
// re-locate the row without holding an element handle from the scrape phase.
type DocumentRecord struct {
	ID           string `json:"id"`
	EmployeeName string `json:"employee_name"`
	EmployeeID   string `json:"employee_id"`
	DocType      string `json:"doc_type"`
	DocDate      string `json:"doc_date"`
	ListingPage  int    `json:"listing_page"` // 1-based pagination page where found
	RowIndex     int    `json:"row_index"`    // 0-based index within that page's rows
}

// DocumentRow is the full ledger row for a document, status included.
type DocumentRow struct {
	DocumentRecord
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	LastError    string     `json:"last_error,omitempty"`
	FilePath     string     `json:"file_path,omitempty"`
	DiscoveredAt time.Time  `json:"discovered_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// FailedDocument is the per-failure detail included in a Summary.
type FailedDocument struct {
	ID           string `json:"id"`
	EmployeeName string `json:"employee_name"`
	EmployeeID   string `json:"employee_id"`
	DocType      string `json:"doc_type"`
	DocDate      string `json:"doc_date"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error"`
}

// Summary aggregates ledger counts for reporting.
type Summary struct {
	Completed  int              `json:"completed"`
	Failed     int              `json:"failed"`
	InProgress int              `json:"in_progress"`
	Pending    int              `json:"pending"`
	Failures   []FailedDocument `json:"failed_details,omitempty"`
}

// Total returns the number of documents the ledger knows about.
func (s Summary) Total() int {
	return s.Completed + s.Failed + s.InProgress + s.Pending
}

// Tally is the per-run outcome returned by the worker pool.
type Tally struct {
	Downloaded int `json:"downloaded"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Add accumulates another tally into this one.
func (t *Tally) Add(other Tally) {
	t.Downloaded += other.Downloaded
	t.Skipped += other.Skipped
	t.Failed += other.Failed
}

var slugPattern = regexp.MustCompile(`[^\w\-]+`)

// Slug reduces a descriptive field to a filesystem- and key-safe token.
func Slug(value string) string {
	return strings.Trim(slugPattern.ReplaceAllString(value, "_"), "_")
}

// DocumentID derives the stable ledger key from identifying fields. Repeated
// scrapes of the same document must collapse to one row, so the derivation
// uses only immutable fields.
func DocumentID(employeeID, docType, docDate string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{employeeID, docType, docDate} {
		if s := Slug(p); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "_")
}

// SafeFilename joins slugged parts for use as a download file stem.
func SafeFilename(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := Slug(p); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "_")
}
