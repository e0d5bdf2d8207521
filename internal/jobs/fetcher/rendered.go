package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserRenderer renders pages with a headless Chrome that is launched on
// first use and shared by all rendered-html sources.
type BrowserRenderer struct {
	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserRenderer() *BrowserRenderer {
	return &BrowserRenderer{}
}

func (r *BrowserRenderer) ensureBrowser() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}

	controlURL, err := launcher.New().
		Leakless(true).
		Headless(true).
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	b := rod.New().ControlURL(controlURL)
	for i := 0; i < 10; i++ {
		if err = b.Connect(); err == nil {
			break
		}
		time.Sleep(time.Duration(250*(i+1)) * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("browser connect failed: %w", err)
	}

	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorDeny,
		BrowserContextID: b.BrowserContextID,
	}).Call(b); err != nil {
		log.Warn("disable browser downloads failed", "error", err)
	}

	r.browser = b
	return b, nil
}

func (r *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	b, err := r.ensureBrowser()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(b)
	if err != nil {
		r.reset()
		return "", fmt.Errorf("stealth page: %w", err)
	}
	defer func() {
		_ = rod.Try(func() { page.MustClose() })
	}()

	page = page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait load: %w", err)
	}
	if err := page.WaitIdle(2 * time.Second); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Debug("page did not become idle", "url", url, "error", err)
	}

	return page.HTML()
}

// reset drops a browser whose DevTools connection failed so the next call relaunches it.
func (r *BrowserRenderer) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		_ = rod.Try(func() { r.browser.MustClose() })
		r.browser = nil
	}
}

// Close shuts the browser down if it was ever started.
func (r *BrowserRenderer) Close() {
	r.reset()
}
