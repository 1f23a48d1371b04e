package perception

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
)

// BrowserCapturer screenshots the view-only web viewer of the remote display through headless Chrome.
// The browser is started on first use and shared by all sessions.
type BrowserCapturer struct {
	cfg    config.FallbackConfig
	logger *zap.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
}

// NewBrowserCapturer creates a capturer; no browser is launched until the first Screenshot.
func NewBrowserCapturer(cfg config.FallbackConfig, logger *zap.Logger) *BrowserCapturer {
	return &BrowserCapturer{cfg: cfg, logger: logger.Named("browser_capturer")}
}

func (b *BrowserCapturer) execOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(b.cfg.ViewportWidth, b.cfg.ViewportHeight),
	)
	if !b.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// ensureBrowser starts the shared browser if it is not running.
func (b *BrowserCapturer) ensureBrowser() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return b.browserCtx, nil
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), b.execOptions()...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	// An empty Run launches the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b.browserCtx, b.cancelAlloc, b.cancelBrowser = browserCtx, cancelAlloc, cancelBrowser
	b.logger.Info("Fallback browser launched.")
	return browserCtx, nil
}

// Screenshot loads the viewer in a fresh tab and captures it as PNG.
func (b *BrowserCapturer) Screenshot(ctx context.Context) ([]byte, error) {
	browserCtx, err := b.ensureBrowser()
	if err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx)
	defer cancelTab()

	// Tie the tab's lifetime to the caller as well as the browser.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var shot []byte
	err = chromedp.Run(tabCtx,
		emulation.SetDeviceMetricsOverride(int64(b.cfg.ViewportWidth), int64(b.cfg.ViewportHeight), 1, false),
		chromedp.Navigate(b.cfg.ViewerURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(b.cfg.SettleTime),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			shot, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
			return err
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("viewer screenshot failed: %w", err)
	}
	return shot, nil
}

// Close shuts the shared browser down.
func (b *BrowserCapturer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelBrowser != nil {
		b.cancelBrowser()
		b.cancelAlloc()
		b.browserCtx, b.cancelBrowser, b.cancelAlloc = nil, nil, nil
		b.logger.Info("Fallback browser closed.")
	}
}

var _ Capturer = (*BrowserCapturer)(nil)

// withTimeout bounds one secondary capture.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
