// Package adpvantage drives ADP Vantage document portals.
//
// Selector defaults are placeholders. Inspect the deployment's DOM and set
// the real values in config/adp_vantage.yaml.
package adpvantage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/hcmtools/hcmfetch/internal/adapter"
	"github.com/hcmtools/hcmfetch/internal/browser"
	"github.com/hcmtools/hcmfetch/internal/config"
	"github.com/hcmtools/hcmfetch/internal/hcm"
)

// System is the registry name for this driver.
const System = "adp_vantage"

func init() {
	adapter.Register(System, New)
}

var defaultLoginIndicators = []string{"/login", "/signin", "/sso", "authenticat"}

// Adapter drives one tab of the shared browser session through the ADP
// Vantage document listing.
type Adapter struct {
	cfg      config.Config
	sel      config.SelectorsConfig
	sess     *browser.Session
	tab      context.Context
	closeTab context.CancelFunc
	logger   *zap.Logger

	timeout    time.Duration
	stagingDir string
	// current 1-based listing page this tab sits on; 0 before the first
	// navigation.
	current int
}

// New opens a fresh tab on the shared session and binds an Adapter to it.
func New(cfg config.Config, sess *browser.Session, logger *zap.Logger) (hcm.Adapter, error) {
	sel := cfg.Selectors
	if sel.Rows == "" {
		return nil, fmt.Errorf("selectors.rows must be set for %s", System)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tab, closeTab := sess.NewTab()
	a := &Adapter{
		cfg:        cfg,
		sel:        sel,
		sess:       sess,
		tab:        tab,
		closeTab:   closeTab,
		logger:     logger.Named("adp_vantage"),
		timeout:    cfg.DownloadTimeout(),
		stagingDir: filepath.Join(cfg.Output.Directory, ".staging"),
	}
	if err := browser.EnableDownloads(tab, a.stagingDir); err != nil {
		closeTab()
		return nil, err
	}
	return a, nil
}

// NavigateToListing opens page 1 of the document listing.
func (a *Adapter) NavigateToListing(ctx context.Context) error {
	url := a.cfg.DocumentsTarget()
	a.logger.Info("navigating to document listing", zap.String("url", url))
	if err := a.sess.Navigate(a.tab, url); err != nil {
		return a.tagExpiry(err)
	}
	a.current = 1
	return nil
}

// GoToListingPage walks this tab to the given 1-based pagination page. The
// portal exposes no direct page links, so positions behind the current one
// require restarting from page 1.
func (a *Adapter) GoToListingPage(ctx context.Context, page int) error {
	if page < 1 {
		return fmt.Errorf("listing page must be >= 1, got %d", page)
	}
	if a.current == 0 || page < a.current {
		if err := a.NavigateToListing(ctx); err != nil {
			return err
		}
	}
	for a.current < page {
		more, err := a.HasNextPage(ctx)
		if err != nil {
			return err
		}
		if !more {
			return fmt.Errorf("listing ends at page %d before requested page %d", a.current, page)
		}
		if err := a.AdvanceToNextPage(ctx); err != nil {
			return err
		}
	}
	return nil
}

// rowData mirrors the fields extracted from one listing row in-page.
type rowData struct {
	EmployeeName string `json:"employee_name"`
	EmployeeID   string `json:"employee_id"`
	DocType      string `json:"doc_type"`
	DocDate      string `json:"doc_date"`
	HasButton    bool   `json:"has_button"`
}

// ListRecords parses all downloadable documents on the current listing
// page. Rows without a download control are skipped.
func (a *Adapter) ListRecords(ctx context.Context, page int) ([]hcm.DocumentRecord, error) {
	rows, err := a.readRows(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]hcm.DocumentRecord, 0, len(rows))
	for idx, row := range rows {
		if !row.HasButton {
			a.logger.Debug("row has no download control, skipping", zap.Int("row", idx))
			continue
		}
		if row.EmployeeName == "" {
			row.EmployeeName = "unknown"
		}
		if row.EmployeeID == "" {
			row.EmployeeID = fmt.Sprintf("row%d", idx)
		}
		if row.DocType == "" {
			row.DocType = "document"
		}
		records = append(records, hcm.DocumentRecord{
			ID:           hcm.DocumentID(row.EmployeeID, row.DocType, row.DocDate),
			EmployeeName: row.EmployeeName,
			EmployeeID:   row.EmployeeID,
			DocType:      row.DocType,
			DocDate:      row.DocDate,
			ListingPage:  page,
			RowIndex:     idx,
		})
	}
	a.logger.Debug("parsed listing page", zap.Int("page", page), zap.Int("records", len(records)))
	return records, nil
}

// HasNextPage reports whether the pagination control advertises a further
// page.
func (a *Adapter) HasNextPage(ctx context.Context) (bool, error) {
	if a.sel.HasNext == "" {
		return false, nil
	}
	var present bool
	expr := fmt.Sprintf(`document.querySelector(%q) !== null`, a.sel.HasNext)
	if err := a.run(ctx, chromedp.Evaluate(expr, &present)); err != nil {
		return false, a.tagExpiry(fmt.Errorf("check next page: %w", err))
	}
	return present, nil
}

// AdvanceToNextPage clicks the next-page control and waits for the new page.
func (a *Adapter) AdvanceToNextPage(ctx context.Context) error {
	a.logger.Debug("advancing to next listing page", zap.Int("from", a.current))
	err := a.run(ctx,
		chromedp.Click(a.sel.NextButton, chromedp.ByQuery),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return a.tagExpiry(fmt.Errorf("advance past page %d: %w", a.current, err))
	}
	a.current++
	return nil
}

// DownloadRecord re-locates the record's row by (ListingPage, RowIndex),
// verifies the row still describes the same document, clicks its download
// control and moves the captured file to its final name under outputDir.
func (a *Adapter) DownloadRecord(ctx context.Context, rec hcm.DocumentRecord, outputDir string) (string, error) {
	if err := a.GoToListingPage(ctx, rec.ListingPage); err != nil {
		return "", err
	}
	if err := a.verifyRow(ctx, rec); err != nil {
		return "", err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	click := fmt.Sprintf(
		`document.querySelectorAll(%q)[%d].querySelector(%q).click()`,
		a.sel.Rows, rec.RowIndex, a.sel.DownloadButton,
	)
	staged, suggested, err := browser.CaptureDownload(a.tab, a.stagingDir, a.timeout,
		chromedp.Evaluate(click, nil))
	if err != nil {
		return "", a.tagExpiry(fmt.Errorf("download %s: %w", rec.ID, err))
	}

	stem := hcm.SafeFilename(rec.EmployeeID, rec.EmployeeName, rec.DocType, rec.DocDate)
	final := filepath.Join(outputDir, stem+filepath.Ext(suggested))
	if err := os.Rename(staged, final); err != nil {
		return "", fmt.Errorf("move %s into place: %w", rec.ID, err)
	}
	a.logger.Debug("saved document", zap.String("id", rec.ID), zap.String("path", final))
	return final, nil
}

// SessionExpired reports whether the tab has been bounced to a login/SSO
// URL.
func (a *Adapter) SessionExpired(ctx context.Context) (bool, error) {
	url, err := a.sess.CurrentURL(a.tab)
	if err != nil {
		return false, err
	}
	indicators := a.cfg.LoginIndicators
	if len(indicators) == 0 {
		indicators = defaultLoginIndicators
	}
	lowered := strings.ToLower(url)
	for _, marker := range indicators {
		if strings.Contains(lowered, strings.ToLower(marker)) {
			return true, nil
		}
	}
	return false, nil
}

// Close releases the adapter's tab.
func (a *Adapter) Close() error {
	a.closeTab()
	return nil
}

// readRows waits for the listing rows and extracts their fields in-page. A
// page with no rows at all is reported as empty, not as an error.
func (a *Adapter) readRows(ctx context.Context) ([]rowData, error) {
	waitCtx, cancel := context.WithTimeout(a.tab, a.timeout)
	defer cancel()
	if err := chromedp.Run(waitCtx, chromedp.WaitReady(a.sel.Rows, chromedp.ByQuery)); err != nil {
		if expired, _ := a.SessionExpired(ctx); expired {
			return nil, fmt.Errorf("listing rows: %w", hcm.ErrSessionExpired)
		}
		a.logger.Warn("no document rows found on current page")
		return nil, nil
	}

	expr := fmt.Sprintf(`JSON.stringify(Array.from(document.querySelectorAll(%q)).map(function(row) {
		var text = function(sel) {
			if (!sel) return "";
			var el = row.querySelector(sel);
			return el ? el.innerText.trim() : "";
		};
		return {
			employee_name: text(%q),
			employee_id: text(%q),
			doc_type: text(%q),
			doc_date: text(%q),
			has_button: %q !== "" && row.querySelector(%q) !== null
		};
	}))`,
		a.sel.Rows,
		a.sel.EmployeeName, a.sel.EmployeeID, a.sel.DocType, a.sel.DocDate,
		a.sel.DownloadButton, a.sel.DownloadButton,
	)

	var raw string
	if err := a.run(ctx, chromedp.Evaluate(expr, &raw)); err != nil {
		return nil, a.tagExpiry(fmt.Errorf("extract listing rows: %w", err))
	}
	var rows []rowData
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return nil, fmt.Errorf("decode listing rows: %w", err)
	}
	return rows, nil
}

// verifyRow confirms the row at the record's locator still carries the
// record's identity. The listing can shift between the scrape and download
// phases; downloading a shifted row would save the wrong document under the
// record's name.
func (a *Adapter) verifyRow(ctx context.Context, rec hcm.DocumentRecord) error {
	rows, err := a.readRows(ctx)
	if err != nil {
		return err
	}
	if rec.RowIndex >= len(rows) {
		return fmt.Errorf("row %d missing on page %d: %w", rec.RowIndex, rec.ListingPage, hcm.ErrRowMismatch)
	}
	row := rows[rec.RowIndex]
	got := hcm.DocumentID(row.EmployeeID, row.DocType, row.DocDate)
	if got != rec.ID {
		return fmt.Errorf("row %d on page %d now holds %q, want %q: %w",
			rec.RowIndex, rec.ListingPage, got, rec.ID, hcm.ErrRowMismatch)
	}
	return nil
}

// run executes actions on the tab under the caller's deadline and the
// adapter's own timeout.
func (a *Adapter) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(a.tab, a.timeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		runCtx, dcancel = context.WithDeadline(runCtx, deadline)
		defer dcancel()
	}
	if slow := a.sess.SlowMo(); slow > 0 {
		time.Sleep(slow)
	}
	return chromedp.Run(runCtx, actions...)
}

// tagExpiry converts a failure on a bounced-to-login tab into the session
// expiry sentinel so the worker dispatch can route it to the guard.
func (a *Adapter) tagExpiry(err error) error {
	if err == nil || errors.Is(err, hcm.ErrSessionExpired) {
		return err
	}
	if expired, serr := a.SessionExpired(context.Background()); serr == nil && expired {
		return fmt.Errorf("%v: %w", err, hcm.ErrSessionExpired)
	}
	return err
}
