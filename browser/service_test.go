package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/models"
)

func testCfg() config.BrowserConfig {
	return config.BrowserConfig{
		RenderTimeout: 100 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
		MaxRenders:    100,
	}
}

// newFakeService swaps the launch and render steps for stubs so the channel
// protocol and health logic run without a real Chromium.
func newFakeService(t *testing.T, cfg config.BrowserConfig, renderFn func(string) string) (*Service, *atomic.Int32) {
	t.Helper()
	s := New(cfg)
	launches := &atomic.Int32{}
	s.launchFn = func() error {
		launches.Add(1)
		return nil
	}
	s.renderFn = renderFn
	t.Cleanup(s.Stop)
	return s, launches
}

func TestRenderRoundTrip(t *testing.T) {
	s, launches := newFakeService(t, testCfg(), func(u string) string {
		return "<html>" + u + "</html>"
	})

	ctx := context.Background()
	html, err := s.Render(ctx, "https://acme.com/contact")
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if html != "<html>https://acme.com/contact</html>" {
		t.Errorf("html = %q", html)
	}

	if _, err := s.Render(ctx, "https://acme.com/about"); err != nil {
		t.Fatalf("second Render: %v", err)
	}
	if got := launches.Load(); got != 1 {
		t.Errorf("browser launched %d times, want 1 (lazy, reused)", got)
	}
}

func TestRenderRepliesRoutedByRequest(t *testing.T) {
	s, _ := newFakeService(t, testCfg(), func(u string) string {
		time.Sleep(time.Millisecond)
		return "rendered:" + u
	})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			u := fmt.Sprintf("https://site%d.com/", n)
			html, err := s.Render(context.Background(), u)
			if err != nil {
				errs <- err
				return
			}
			if html != "rendered:"+u {
				errs <- fmt.Errorf("reply for %s was %q", u, html)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRenderFailureReturnsError(t *testing.T) {
	s, _ := newFakeService(t, testCfg(), func(string) string { return "" })

	_, err := s.Render(context.Background(), "https://acme.com/")
	if models.CodeOf(err) != models.ErrCodeBrowser {
		t.Fatalf("error code = %q, want %q", models.CodeOf(err), models.ErrCodeBrowser)
	}
}

func TestRelaunchAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	s, launches := newFakeService(t, testCfg(), func(string) string {
		if calls.Add(1) <= maxConsecutiveFailures {
			return ""
		}
		return "<html>ok</html>"
	})

	ctx := context.Background()
	for i := 0; i < maxConsecutiveFailures; i++ {
		if _, err := s.Render(ctx, "https://flaky.com/"); err == nil {
			t.Fatalf("render %d should have failed", i+1)
		}
	}

	html, err := s.Render(ctx, "https://flaky.com/recovered")
	if err != nil {
		t.Fatalf("Render after relaunch: %v", err)
	}
	if html != "<html>ok</html>" {
		t.Errorf("html = %q", html)
	}
	if got := launches.Load(); got != 2 {
		t.Errorf("browser launched %d times, want 2 (relaunch after failures)", got)
	}
}

func TestRecycleAfterMaxRenders(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRenders = 2
	s, launches := newFakeService(t, cfg, func(string) string { return "<html>x</html>" })

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := s.Render(ctx, fmt.Sprintf("https://acme.com/p%d", i)); err != nil {
			t.Fatalf("render %d: %v", i, err)
		}
	}
	if got := launches.Load(); got != 2 {
		t.Errorf("browser launched %d times, want 2 (recycled after %d renders)", got, cfg.MaxRenders)
	}
}

func TestLaunchFailureRetriedNextRequest(t *testing.T) {
	s := New(testCfg())
	var launches atomic.Int32
	s.launchFn = func() error {
		launches.Add(1)
		return models.NewScrapeError(models.ErrCodeBrowser, "no chromium", nil)
	}
	s.renderFn = func(string) string { return "never reached" }
	t.Cleanup(s.Stop)

	ctx := context.Background()
	if _, err := s.Render(ctx, "https://acme.com/"); err == nil {
		t.Fatal("Render should fail when launch fails")
	}
	if _, err := s.Render(ctx, "https://acme.com/"); err == nil {
		t.Fatal("second Render should fail too")
	}
	if got := launches.Load(); got != 2 {
		t.Errorf("launch attempted %d times, want 2 (retried per request)", got)
	}
}

func TestStopBeforeFirstRender(t *testing.T) {
	s := New(testCfg())

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked with no worker running")
	}
}

func TestRenderAfterStop(t *testing.T) {
	s, _ := newFakeService(t, testCfg(), func(string) string { return "x" })
	s.Stop()

	_, err := s.Render(context.Background(), "https://acme.com/")
	if models.CodeOf(err) != models.ErrCodeBrowser {
		t.Fatalf("error code = %q, want %q", models.CodeOf(err), models.ErrCodeBrowser)
	}
}

func TestRenderCancelledWhileQueued(t *testing.T) {
	s, _ := newFakeService(t, testCfg(), func(string) string {
		time.Sleep(200 * time.Millisecond)
		return "<html>slow</html>"
	})

	// Occupy the worker so the second request has to queue.
	go s.Render(context.Background(), "https://slow.com/")
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Render(ctx, "https://acme.com/"); err == nil {
		t.Fatal("queued Render with cancelled context should fail")
	}
}

func TestIsAdHost(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"doubleclick.net", true},
		{"pagead2.googlesyndication.com", true},
		{"stats.g.doubleclick.net", true},
		{"segment.io", true},
		{"acme.com", false},
		{"notdoubleclick.net", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isAdHost(tc.host); got != tc.want {
			t.Errorf("isAdHost(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}
