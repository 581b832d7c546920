// Package browser opens the Chrome session that hosts the Flow tab, either a
// local Chrome with a persistent profile or a remote Kernel browser.
package browser

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/kernel/kernel-go-sdk"
	"github.com/pterm/pterm"

	"github.com/kernel/flowkit/internal/poll"
)

// FlowURL is the page the automation drives.
const FlowURL = "https://labs.google/fx/tools/flow"

const (
	ProviderLocal  = "local"
	ProviderKernel = "kernel"
)

// Session is an open browser with a single Flow tab.
type Session struct {
	// Tab is the chromedp context of the Flow tab.
	Tab         context.Context
	Provider    string
	ID          string
	LiveViewURL string
	CDPURL      string

	cleanup []func()
}

// Close closes the tab and releases the browser. It is safe to call twice.
func (s *Session) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

// LocalOptions configures a local Chrome.
type LocalOptions struct {
	ProfileDir string
	Headless   bool
	Width      int64
	Height     int64
	// ExecPath overrides the Chrome binary lookup.
	ExecPath string
}

// Local starts Chrome on this machine with a persistent profile so a Google
// sign-in survives between runs.
func Local(ctx context.Context, opts LocalOptions) (*Session, error) {
	if err := os.MkdirAll(opts.ProfileDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(opts.ProfileDir),
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-features", "DownloadBubble,DownloadBubbleV2"),
	)
	if opts.Width > 0 && opts.Height > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(int(opts.Width), int(opts.Height)))
	}
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tab, cancelTab := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tab); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("failed to start chrome: %w", err)
	}
	return &Session{
		Tab:      tab,
		Provider: ProviderLocal,
		ID:       opts.ProfileDir,
		cleanup:  []func(){cancelAlloc, cancelTab},
	}, nil
}

// KernelOptions configures a Kernel cloud browser.
type KernelOptions struct {
	TimeoutSeconds int64
	Stealth        bool
	Headless       bool
	// Viewport is WIDTHxHEIGHT[@RATE]; empty keeps the Kernel default.
	Viewport string
	Logger   *pterm.Logger
}

// Kernel creates a remote browser through the Kernel API and connects to it
// over CDP. The browser is deleted when the session closes.
func Kernel(ctx context.Context, client kernel.Client, opts KernelOptions) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = &pterm.DefaultLogger
	}

	params := kernel.BrowserNewParams{}
	if opts.TimeoutSeconds > 0 {
		params.TimeoutSeconds = kernel.Opt(opts.TimeoutSeconds)
	}
	if opts.Stealth {
		params.Stealth = kernel.Opt(true)
	}
	if opts.Headless {
		params.Headless = kernel.Opt(true)
	}
	if opts.Viewport != "" {
		width, height, refreshRate, err := ParseViewport(opts.Viewport)
		if err != nil {
			return nil, fmt.Errorf("invalid viewport: %w", err)
		}
		params.Viewport = kernel.BrowserViewportParam{
			Width:  width,
			Height: height,
		}
		if refreshRate > 0 {
			params.Viewport.RefreshRate = kernel.Opt(refreshRate)
		}
	}

	created, err := client.Browsers.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser: %w", err)
	}
	log.Info("created kernel browser", log.Args("id", created.SessionID))

	deleteBrowser := func() {
		delCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Browsers.DeleteByID(delCtx, created.SessionID); err != nil {
			log.Warn("failed to delete kernel browser", log.Args("id", created.SessionID, "error", err.Error()))
		}
	}

	err = WaitReady(ctx, poll.RealClock, func(ctx context.Context) error {
		_, err := client.Browsers.Get(ctx, created.SessionID, kernel.BrowserGetParams{})
		return err
	})
	if err != nil {
		deleteBrowser()
		return nil, fmt.Errorf("browser not ready: %w", err)
	}

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, created.CdpWsURL)
	tab, cancelTab := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tab); err != nil {
		cancelTab()
		cancelAlloc()
		deleteBrowser()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	return &Session{
		Tab:         tab,
		Provider:    ProviderKernel,
		ID:          created.SessionID,
		LiveViewURL: created.BrowserLiveViewURL,
		CDPURL:      created.CdpWsURL,
		cleanup:     []func(){deleteBrowser, cancelAlloc, cancelTab},
	}, nil
}

const (
	readyAttempts = 10
	readyDelay    = 500 * time.Millisecond
)

// WaitReady polls check until it succeeds, covering the eventual
// consistency right after a browser is created.
func WaitReady(ctx context.Context, clock poll.Clock, check func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= readyAttempts; attempt++ {
		if lastErr = check(ctx); lastErr == nil {
			return nil
		}
		if attempt < readyAttempts {
			if err := poll.Sleep(ctx, clock, readyDelay); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("not accessible after %d attempts: %w", readyAttempts, lastErr)
}

// ParseViewport parses a viewport string like "1920x1080@25" into width, height, and refresh rate.
func ParseViewport(viewport string) (int64, int64, int64, error) {
	var width, height, refreshRate int64

	n, err := fmt.Sscanf(viewport, "%dx%d@%d", &width, &height, &refreshRate)
	if err == nil && n == 3 {
		return width, height, refreshRate, nil
	}

	n, err = fmt.Sscanf(viewport, "%dx%d", &width, &height)
	if err == nil && n == 2 {
		return width, height, 0, nil
	}

	return 0, 0, 0, fmt.Errorf("invalid format, expected WIDTHxHEIGHT[@RATE]")
}

// Navigate opens url in the tab and waits for the document body.
func Navigate(ctx context.Context, s *Session, url string) error {
	runCtx, cancel := context.WithCancel(s.Tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("failed to open %s: %w", url, err)
	}
	return nil
}

// TruncateURL truncates a URL to a maximum length, adding "..." if truncated.
func TruncateURL(url string, maxLen int) string {
	if len(url) <= maxLen {
		return url
	}
	return url[:maxLen-3] + "..."
}
