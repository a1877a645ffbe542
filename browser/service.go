// Package browser runs a single headless Chromium behind a request/reply
// channel protocol. One worker goroutine owns the browser; callers submit
// URLs and wait on a per-request reply channel, so the browser never sees
// concurrent navigation.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/ysmood/gson"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/models"
)

const (
	// maxConsecutiveFailures triggers a browser relaunch on the next request.
	maxConsecutiveFailures = 3

	// renderGrace pads the caller-side wait beyond the render and idle budgets.
	renderGrace = 5 * time.Second

	// salvageTimeout bounds the HTML grab after a navigation that timed out.
	salvageTimeout = 2 * time.Second

	domStableInterval = 300 * time.Millisecond
	domStableDiff     = 0.1
)

type renderRequest struct {
	id  string
	url string
}

// Service is the render service. The zero browser is launched lazily on the
// first request and recycled when it looks unhealthy. Safe for concurrent use.
type Service struct {
	cfg config.BrowserConfig

	requests chan renderRequest
	replies  sync.Map // request id -> chan string, buffered 1

	start  sync.Once
	halt   sync.Once
	done   chan struct{}
	exited chan struct{}

	// Worker-owned state below. Only the run goroutine touches these.
	browser  *rod.Browser
	launcher *launcher.Launcher
	running  bool
	renders  int
	failures int

	// Injection points for tests.
	launchFn func() error
	renderFn func(rawURL string) string
}

// New builds the service without launching anything.
func New(cfg config.BrowserConfig) *Service {
	s := &Service{
		cfg:      cfg,
		requests: make(chan renderRequest),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	s.launchFn = s.launch
	s.renderFn = s.render
	return s
}

// Render navigates the URL in the shared browser and returns the
// post-JavaScript HTML. The first call starts the worker. The wait is
// bounded by the render and idle budgets plus a grace period; on timeout,
// cancellation, or render failure an error comes back and the caller can
// fall back to whatever static extraction already produced.
func (s *Service) Render(ctx context.Context, rawURL string) (string, error) {
	s.start.Do(func() { go s.run() })

	id := uuid.NewString()
	reply := make(chan string, 1)
	s.replies.Store(id, reply)
	defer s.replies.Delete(id)

	budget := s.cfg.RenderTimeout + s.cfg.IdleTimeout + renderGrace
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case s.requests <- renderRequest{id: id, url: rawURL}:
	case <-ctx.Done():
		return "", models.NewScrapeError(models.ErrCodeBrowser, "render cancelled for "+rawURL, ctx.Err())
	case <-s.done:
		return "", models.NewScrapeError(models.ErrCodeBrowser, "render service stopped", nil)
	case <-timer.C:
		return "", models.NewScrapeError(models.ErrCodeBrowser, "render queue timed out for "+rawURL, nil)
	}

	select {
	case html := <-reply:
		if html == "" {
			return "", models.NewScrapeError(models.ErrCodeBrowser, "render produced no HTML for "+rawURL, nil)
		}
		return html, nil
	case <-ctx.Done():
		return "", models.NewScrapeError(models.ErrCodeBrowser, "render cancelled for "+rawURL, ctx.Err())
	case <-timer.C:
		slog.Warn("render timed out", "url", rawURL, "budget", budget)
		return "", models.NewScrapeError(models.ErrCodeBrowser, "render timed out for "+rawURL, nil)
	}
}

// Stop shuts the worker down and waits for the browser to close. Safe to
// call more than once, and before any render.
func (s *Service) Stop() {
	s.halt.Do(func() { close(s.done) })
	// When no render ever started the worker, release the exit latch here.
	s.start.Do(func() { close(s.exited) })
	<-s.exited
}

func (s *Service) run() {
	defer close(s.exited)
	defer s.shutdownBrowser()
	slog.Info("render service started")

	for {
		select {
		case <-s.done:
			slog.Info("render service shutdown complete")
			return
		case req := <-s.requests:
			s.handle(req)
		}
	}
}

func (s *Service) handle(req renderRequest) {
	if s.running && s.unhealthy() {
		slog.Warn("recycling browser",
			"renders", s.renders, "consecutive_failures", s.failures)
		s.shutdownBrowser()
	}
	if !s.running {
		if err := s.launchFn(); err != nil {
			slog.Error("browser launch failed", "err", err)
			s.reply(req.id, "")
			return
		}
		s.running = true
		s.renders, s.failures = 0, 0
	}

	html := s.renderFn(req.url)
	s.renders++
	if html == "" {
		s.failures++
	} else {
		s.failures = 0
	}
	s.reply(req.id, html)
}

func (s *Service) unhealthy() bool {
	if s.failures >= maxConsecutiveFailures {
		return true
	}
	return s.cfg.MaxRenders > 0 && s.renders >= s.cfg.MaxRenders
}

func (s *Service) reply(id, html string) {
	v, ok := s.replies.Load(id)
	if !ok {
		// Requester gave up waiting.
		return
	}
	v.(chan string) <- html
}

// launch starts a fresh Chromium and connects to it.
func (s *Service) launch() error {
	l := launcher.New().
		Headless(true).
		NoSandbox(s.cfg.NoSandbox)

	if s.cfg.BrowserBin != "" {
		l = l.Bin(s.cfg.BrowserBin)
	}

	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("ignore-certificate-errors"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return models.NewScrapeError(models.ErrCodeBrowser, "failed to launch browser", err)
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return models.NewScrapeError(models.ErrCodeBrowser, "failed to connect to browser", err)
	}

	s.launcher, s.browser = l, b
	slog.Info("browser launched", "controlURL", controlURL)
	return nil
}

func (s *Service) shutdownBrowser() {
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			slog.Warn("closing browser", "err", err)
		}
		s.browser = nil
	}
	if s.launcher != nil {
		s.launcher.Kill()
		s.launcher = nil
	}
	s.running = false
}

// render navigates one URL on a fresh stealth page and returns its HTML,
// or "" when nothing could be captured.
//
// Lifecycle:
//
//  1. New stealth page (masks navigator.webdriver before any navigation)
//  2. Hijack mount, blocks images/styles/fonts/media and ad hosts
//  3. Referer header pointing at a plausible search
//  4. Navigate with the render budget
//  5. Load wait, then a bounded DOM-stable settle
//  6. HTML capture
//
// Steps 1-3 must precede 4: stealth JS, interception, and headers only
// apply to navigations installed before them.
func (s *Service) render(rawURL string) string {
	page, err := stealth.Page(s.browser)
	if err != nil {
		slog.Error("opening stealth page", "url", rawURL, "err", err)
		return ""
	}
	defer func() { _ = page.Close() }()

	router := mountHijack(page)
	defer func() { _ = router.Stop() }()

	setReferer(page, rawURL)

	p := page.Timeout(s.cfg.RenderTimeout)
	if err := p.Navigate(rawURL); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("navigation timed out, salvaging current DOM", "url", rawURL)
			return salvageHTML(page)
		}
		slog.Warn("navigation failed", "url", rawURL, "err", err)
		return ""
	}
	if err := p.WaitLoad(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("load wait timed out, salvaging current DOM", "url", rawURL)
			return salvageHTML(page)
		}
		slog.Warn("load wait failed", "url", rawURL, "err", err)
		return ""
	}

	// Late XHR and script-injected content settle here. Expiry is normal.
	if err := page.Timeout(s.cfg.IdleTimeout).WaitDOMStable(domStableInterval, domStableDiff); err != nil {
		slog.Debug("idle wait expired", "url", rawURL, "err", err)
	}

	html, err := page.Timeout(salvageTimeout).HTML()
	if err != nil {
		slog.Warn("extracting rendered HTML", "url", rawURL, "err", err)
		return ""
	}
	return html
}

// salvageHTML grabs whatever DOM a timed-out navigation left behind.
func salvageHTML(page *rod.Page) string {
	html, err := page.Timeout(salvageTimeout).HTML()
	if err != nil {
		return ""
	}
	return html
}

// setReferer makes the visit look like a click-through from a search result.
func setReferer(page *rod.Page, rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	headers := proto.NetworkHeaders{
		"Referer": gson.New("https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())),
	}
	_ = proto.NetworkSetExtraHTTPHeaders{Headers: headers}.Call(page)
}
