package rendered

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"contract-ingest/utils"
)

// Renderer loads a URL and returns the settled page HTML.
type Renderer interface {
	Render(ctx context.Context, url string, wait Wait) (string, error)
}

// Wait bounds how long a page may take to settle.
type Wait struct {
	// Selector, when set, is awaited before the HTML is captured.
	Selector string
	// Settle caps the wait for Selector. Expiry is not an error: the page is
	// captured as it stands.
	Settle time.Duration
	// Timeout caps navigation and capture.
	Timeout time.Duration
}

// ChromeRenderer renders pages in a shared headless Chrome, one tab per call.
// The browser is started on first use.
type ChromeRenderer struct {
	chromeBin string
	logger    *utils.Logger

	mu          sync.Mutex
	browserCtx  context.Context
	cancelAlloc context.CancelFunc
	cancelTab   context.CancelFunc
}

// NewChromeRenderer creates a renderer. An empty chromeBin triggers discovery.
func NewChromeRenderer(chromeBin string, logger *utils.Logger) *ChromeRenderer {
	return &ChromeRenderer{chromeBin: chromeBin, logger: logger}
}

// browser returns the shared browser context, launching Chrome when none is
// running. Tabs created from it share the one process.
func (r *ChromeRenderer) browser() (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browserCtx != nil && r.browserCtx.Err() == nil {
		return r.browserCtx, nil
	}

	chromeBin := r.chromeBin
	if chromeBin == "" {
		chromeBin = findChromeBinary()
	}
	r.logger.Info("[rendered] Using browser binary: %s", chromeBin)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 "+
			"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
	)
	if chromeBin != "" {
		opts = append(opts, chromedp.ExecPath(chromeBin))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	// Suppress chromedp log noise
	browserCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	if err := chromedp.Run(browserCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	r.browserCtx = browserCtx
	r.cancelAlloc = cancelAlloc
	r.cancelTab = cancelTab
	return browserCtx, nil
}

// Render opens url in a new tab, waits for the page to settle and returns its
// outer HTML. Cancelling ctx closes the tab promptly.
func (r *ChromeRenderer) Render(ctx context.Context, url string, wait Wait) (string, error) {
	op := "render " + url
	browserCtx, err := r.browser()
	if err != nil {
		return "", utils.NewSourceError(op, 0, err)
	}
	tabCtx, cancel := chromedp.NewContext(browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	timeout := wait.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout)
	defer cancelRun()

	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return "", r.fail(ctx, op, err)
	}

	if wait.Selector != "" && wait.Settle > 0 {
		settleCtx, cancelSettle := context.WithTimeout(runCtx, wait.Settle)
		err := chromedp.Run(settleCtx, chromedp.WaitReady(wait.Selector, chromedp.ByQuery))
		cancelSettle()
		if err != nil {
			if ctx.Err() != nil {
				return "", context.Cause(ctx)
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				return "", r.fail(ctx, op, err)
			}
			r.logger.Debug("[rendered] %s did not appear within %v on %s, capturing as is",
				wait.Selector, wait.Settle, url)
		}
	}

	var html string
	if err := chromedp.Run(runCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", r.fail(ctx, op, err)
	}
	return html, nil
}

func (r *ChromeRenderer) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return utils.NewTransient(op, 0, fmt.Errorf("browser rendering failed: %w", err))
}

// Close shuts the browser down.
func (r *ChromeRenderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelTab != nil {
		r.cancelTab()
		r.cancelAlloc()
		r.browserCtx = nil
	}
}

func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
