// Package report writes the post-run summary artifacts: a JSON summary, a
// CSV of failed documents (only when failures exist), and a human-readable
// terminal block.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	sysclock "github.com/hcmtools/hcmfetch/internal/clock/system"
	"github.com/hcmtools/hcmfetch/internal/hcm"
)

// Reporter renders one run's outcome.
type Reporter struct {
	outputDir string
	system    string
	runID     uuid.UUID
	clock     hcm.Clock
	logger    *zap.Logger
}

// New constructs a Reporter. Artifacts land under <outputDir>/reports and
// are stamped with the clock's time; a nil clock falls back to the system
// clock.
func New(outputDir, system string, runID uuid.UUID, clock hcm.Clock, logger *zap.Logger) *Reporter {
	if clock == nil {
		clock = sysclock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		outputDir: outputDir,
		system:    system,
		runID:     runID,
		clock:     clock,
		logger:    logger.Named("report"),
	}
}

// payload is the JSON summary document.
type payload struct {
	hcm.Summary
	System      string `json:"system"`
	RunID       string `json:"run_id"`
	GeneratedAt string `json:"generated_at"`
}

// Write persists the JSON summary and, when failures exist, the failures
// CSV. It returns the path of the JSON summary.
func (r *Reporter) Write(summary hcm.Summary) (string, error) {
	dir := filepath.Join(r.outputDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	ts := r.clock.Now().UTC().Format("20060102T150405Z")
	stem := fmt.Sprintf("%s_%s", r.system, ts)

	jsonPath := filepath.Join(dir, stem+"_summary.json")
	body, err := json.MarshalIndent(payload{
		Summary:     summary,
		System:      r.system,
		RunID:       r.runID.String(),
		GeneratedAt: ts,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(jsonPath, body, 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	r.logger.Info("summary report written", zap.String("path", jsonPath))

	if len(summary.Failures) > 0 {
		csvPath := filepath.Join(dir, stem+"_failures.csv")
		if err := writeFailuresCSV(csvPath, summary.Failures); err != nil {
			return "", err
		}
		r.logger.Info("failure report written", zap.String("path", csvPath))
	}

	return jsonPath, nil
}

func writeFailuresCSV(path string, failures []hcm.FailedDocument) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create failures csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "employee_name", "employee_id", "doc_type", "doc_date", "attempts", "last_error"}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, fd := range failures {
		row := []string{
			fd.ID, fd.EmployeeName, fd.EmployeeID,
			fd.DocType, fd.DocDate, strconv.Itoa(fd.Attempts), fd.LastError,
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write csv row for %s: %w", fd.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush failures csv: %w", err)
	}
	return nil
}

// PrintSummary renders the terminal block. Only the first 10 failures are
// listed; the rest are deferred to the CSV.
func PrintSummary(out io.Writer, summary hcm.Summary) {
	rule := strings.Repeat("=", 52)

	fmt.Fprintln(out)
	fmt.Fprintln(out, rule)
	fmt.Fprintln(out, "  RUN SUMMARY")
	fmt.Fprintln(out, rule)
	fmt.Fprintf(out, "  %-14s %6d\n", "Completed", summary.Completed)
	fmt.Fprintf(out, "  %-14s %6d\n", "Failed", summary.Failed)
	fmt.Fprintf(out, "  %-14s %6d\n", "Pending", summary.Pending)
	fmt.Fprintf(out, "  %-14s %6d\n", "Total", summary.Total())
	fmt.Fprintln(out, rule)

	if len(summary.Failures) > 0 {
		fmt.Fprintf(out, "\n  Failed documents (first 10 of %d):\n", len(summary.Failures))
		for i, fd := range summary.Failures {
			if i == 10 {
				break
			}
			msg := fd.LastError
			if msg == "" {
				msg = "unknown error"
			}
			fmt.Fprintf(out, "    * %s: %s\n", fd.ID, msg)
		}
		if extra := len(summary.Failures) - 10; extra > 0 {
			fmt.Fprintf(out, "    ... and %d more, see the _failures.csv report\n", extra)
		}
	}

	fmt.Fprintln(out)
}
