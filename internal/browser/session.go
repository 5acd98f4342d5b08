// Package browser owns the shared Chrome process and per-worker tabs.
package browser

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config controls the shared browser process.
type Config struct {
	// Headless is off by default: the operator completes SSO/MFA in the
	// visible window.
	Headless    bool
	SlowMo      time.Duration
	Viewport    string // "WIDTHxHEIGHT", empty for the browser default
	NavTimeout  time.Duration
	DownloadDir string
}

// Session owns one Chrome process. Tabs created from it share cookies and
// authentication state but navigate independently, one per worker.
type Session struct {
	cfg           Config
	allocator     context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *zap.Logger
}

// NewSession launches the browser process and opens the root tab.
func NewSession(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if w, h, ok := parseViewport(cfg.Viewport); ok {
		opts = append(opts, chromedp.WindowSize(w, h))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Starting the root tab launches the process; every later tab attaches
	// to it and inherits its cookie jar.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	logger.Info("browser started", zap.Bool("headless", cfg.Headless))
	return &Session{
		cfg:           cfg,
		allocator:     allocCtx,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		logger:        logger.Named("browser"),
	}, nil
}

// NavTimeout reports the configured per-navigation budget.
func (s *Session) NavTimeout() time.Duration {
	return s.cfg.NavTimeout
}

// SlowMo reports the per-action pacing delay.
func (s *Session) SlowMo() time.Duration {
	return s.cfg.SlowMo
}

// DownloadDir reports where the browser lands downloaded files.
func (s *Session) DownloadDir() string {
	return s.cfg.DownloadDir
}

// RootTab returns the session's first tab, used for the interactive login
// and the scrape walk.
func (s *Session) RootTab() context.Context {
	return s.browserCtx
}

// NewTab opens an additional tab sharing the session's authentication
// state. The returned cancel closes only this tab.
func (s *Session) NewTab() (context.Context, context.CancelFunc) {
	return chromedp.NewContext(s.browserCtx)
}

// Navigate opens url in the given tab and waits for the document body.
func (s *Session) Navigate(tab context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(tab, s.cfg.NavTimeout)
	defer cancel()

	err := chromedp.Run(navCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// CurrentURL reports the tab's current location.
func (s *Session) CurrentURL(tab context.Context) (string, error) {
	var url string
	if err := chromedp.Run(tab, chromedp.Location(&url)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return url, nil
}

// Close shuts the browser process down.
func (s *Session) Close() error {
	s.browserCancel()
	s.allocCancel()
	s.logger.Info("browser closed")
	return nil
}

func parseViewport(spec string) (width, height int, ok bool) {
	parts := strings.SplitN(spec, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, werr := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, herr := strconv.Atoi(strings.TrimSpace(parts[1]))
	if werr != nil || herr != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
