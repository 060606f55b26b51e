// Package browser owns the headless Chrome page used by one scrape job.
//
// A Session wraps a single chromedp tab. It is created per job through a
// Factory and must be closed on every exit path; sessions are never shared
// between jobs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// ErrNavigation is returned when a page fails to load or answers non-2xx.
var ErrNavigation = errors.New("navigation failed")

// Session is the browser surface the scraper depends on.
type Session interface {
	// Navigate loads url, dismisses consent overlays and fails with
	// ErrNavigation on load errors or non-2xx document responses.
	Navigate(ctx context.Context, url string) error
	// WaitForReady blocks until the document finished loading.
	WaitForReady(ctx context.Context) error
	// Evaluate runs a JavaScript expression and decodes its result into res.
	Evaluate(ctx context.Context, expr string, res any) error
	// ScrollToBottom scrolls the window to trigger lazy-loaded content.
	ScrollToBottom(ctx context.Context) error
	// Content returns the current serialised DOM.
	Content(ctx context.Context) (string, error)
	// Close releases the tab and the browser process. Safe to call twice.
	Close() error
}

// Factory opens a fresh Session.
type Factory func(ctx context.Context) (Session, error)

// Options configures Chrome sessions.
type Options struct {
	Headless  bool
	Timeout   time.Duration // per-operation bound
	UserAgent string
	RemoteURL string // connect to an existing Chrome instead of launching one
}

// consentScript clicks the first known consent button. Returns true when
// something was clicked.
const consentScript = `(() => {
	const selectors = [
		'#didomi-notice-agree-button',
		'#onetrust-accept-btn-handler',
		'#axeptio_btn_acceptAll',
		'button[data-testid="uc-accept-all-button"]',
		'.cmp-accept-all'
	];
	for (const sel of selectors) {
		const el = document.querySelector(sel);
		if (el && el.offsetParent !== null) { el.click(); return true; }
	}
	const labels = ['tout accepter', 'accepter et fermer', 'accepter', 'accept all', "j'accepte"];
	for (const btn of document.querySelectorAll('button, [role="button"]')) {
		const t = (btn.textContent || '').replace(/\s+/g, ' ').trim().toLowerCase();
		if (labels.includes(t)) { btn.click(); return true; }
	}
	return false;
})()`

// blockedURLs are never needed to read listings.
var blockedURLs = []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.woff", "*.woff2", "*.mp4"}

const scrollScript = `window.scrollTo(0, document.body ? document.body.scrollHeight : 0)`

// ChromeSession is the chromedp implementation of Session.
type ChromeSession struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	timeout     time.Duration
	logger      zerolog.Logger

	closeOnce sync.Once
}

// NewFactory returns a Factory launching Chrome sessions with opts.
func NewFactory(opts Options, logger zerolog.Logger) Factory {
	return func(ctx context.Context) (Session, error) {
		return NewChromeSession(ctx, opts, logger)
	}
}

// NewChromeSession starts (or attaches to) Chrome and opens one tab.
func NewChromeSession(ctx context.Context, opts Options, logger zerolog.Logger) (*ChromeSession, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	var allocCtx context.Context
	var cancelAlloc context.CancelFunc
	if opts.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-blink-features", "AutomationControlled"),
			chromedp.WindowSize(1366, 900),
		)
		if opts.UserAgent != "" {
			execOpts = append(execOpts, chromedp.UserAgent(opts.UserAgent))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, execOpts...)
	}

	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		logger.Debug().Msgf(format, args...)
	}))

	// The first Run launches the browser.
	startCtx, cancelStart := context.WithTimeout(tabCtx, opts.Timeout)
	defer cancelStart()
	err := chromedp.Run(startCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "fr-FR,fr;q=0.9"}),
		network.SetBlockedURLS(blockedURLs),
	)
	if err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &ChromeSession{
		tabCtx:      tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
		timeout:     opts.Timeout,
		logger:      logger,
	}, nil
}

// run executes actions on the tab, bounded by the session timeout and by
// the caller's context.
func (s *ChromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(s.tabCtx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(opCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate implements Session.
func (s *ChromeSession) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := context.WithTimeout(s.tabCtx, s.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	resp, err := chromedp.RunResponse(opCtx, chromedp.Navigate(url))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrNavigation, url, err)
	}
	if err := checkResponse(url, resp); err != nil {
		return err
	}

	s.dismissConsent(ctx)
	return nil
}

// checkResponse rejects non-2xx document responses. A nil response
// (same-document navigation) is accepted.
func checkResponse(url string, resp *network.Response) error {
	if resp != nil && (resp.Status < 200 || resp.Status > 299) {
		return fmt.Errorf("%w: %s: status %d", ErrNavigation, url, resp.Status)
	}
	return nil
}

func (s *ChromeSession) dismissConsent(ctx context.Context) {
	var clicked bool
	if err := s.run(ctx, chromedp.Evaluate(consentScript, &clicked)); err != nil {
		s.logger.Debug().Err(err).Msg("consent check failed")
		return
	}
	if clicked {
		s.logger.Debug().Msg("consent overlay dismissed")
	}
}

// WaitForReady implements Session.
func (s *ChromeSession) WaitForReady(ctx context.Context) error {
	err := s.run(ctx,
		chromedp.Poll(`document.readyState === "complete"`, nil, chromedp.WithPollingInterval(250*time.Millisecond)),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("wait for ready: %w", err)
	}
	return nil
}

// Evaluate implements Session.
func (s *ChromeSession) Evaluate(ctx context.Context, expr string, res any) error {
	if err := s.run(ctx, chromedp.Evaluate(expr, res)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// ScrollToBottom implements Session.
func (s *ChromeSession) ScrollToBottom(ctx context.Context) error {
	if err := s.run(ctx, chromedp.Evaluate(scrollScript, nil)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

// Content implements Session.
func (s *ChromeSession) Content(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("content: %w", err)
	}
	return html, nil
}

// Close implements Session.
func (s *ChromeSession) Close() error {
	s.closeOnce.Do(func() {
		s.cancelTab()
		s.cancelAlloc()
		s.logger.Debug().Msg("browser session closed")
	})
	return nil
}
