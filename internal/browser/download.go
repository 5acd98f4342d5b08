package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

// EnableDownloads routes the tab's downloads into dir, named by GUID, with
// lifecycle events enabled so CaptureDownload can observe completion.
func EnableDownloads(tab context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	err := chromedp.Run(tab,
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(dir).
			WithEventsEnabled(true),
	)
	if err != nil {
		return fmt.Errorf("set download behavior: %w", err)
	}
	return nil
}

// CaptureDownload runs trigger (typically a click) and blocks until the
// download it starts completes. It returns the path of the file the browser
// wrote (named by GUID under dir) and the server-suggested filename, whose
// extension callers usually preserve.
func CaptureDownload(tab context.Context, dir string, timeout time.Duration, trigger chromedp.Action) (string, string, error) {
	done := make(chan string, 1)
	var once sync.Once

	var mu sync.Mutex
	suggested := ""

	listenCtx, stop := context.WithCancel(tab)
	defer stop()

	chromedp.ListenBrowser(listenCtx, func(ev any) {
		switch e := ev.(type) {
		case *cdpbrowser.EventDownloadWillBegin:
			mu.Lock()
			suggested = e.SuggestedFilename
			mu.Unlock()
		case *cdpbrowser.EventDownloadProgress:
			if e.State == cdpbrowser.DownloadProgressStateCompleted {
				once.Do(func() { done <- e.GUID })
			}
		}
	})

	if err := chromedp.Run(tab, trigger); err != nil {
		return "", "", fmt.Errorf("trigger download: %w", err)
	}

	select {
	case guid := <-done:
		mu.Lock()
		name := suggested
		mu.Unlock()
		return filepath.Join(dir, guid), name, nil
	case <-time.After(timeout):
		return "", "", fmt.Errorf("download did not complete within %s", timeout)
	case <-tab.Done():
		return "", "", fmt.Errorf("download wait: %w", tab.Err())
	}
}
