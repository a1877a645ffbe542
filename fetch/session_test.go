package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/models"
)

func testConfig() *config.Config {
	return &config.Config{
		HTTP: config.HTTPConfig{
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    2 * time.Second,
			MaxRedirects:   5,
			MaxURLLength:   2000,
			MinCrawlDelay:  0.001,
			MaxCrawlDelay:  0.01,
			RetryCount:     2,
			RetryDelay:     time.Millisecond,
			UserAgents:     []string{"test-agent/1.0"},
		},
		Crawl: config.CrawlConfig{MaxFallbackPages: 12, Workers: 2},
	}
}

func newTestClient(t *testing.T, cfg *config.Config) *Client {
	t.Helper()
	c := New(cfg)
	t.Cleanup(c.Close)
	return c
}

func TestSessionGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())
	s := c.Session()

	resp, err := s.Get(context.Background(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if !resp.IsHTML() {
		t.Error("IsHTML() = false for a text/html response")
	}
	if !strings.Contains(string(resp.Body), "hello") {
		t.Errorf("body = %q, want it to contain %q", resp.Body, "hello")
	}

	snap := c.StatsSnapshot()
	if snap.Total != 1 {
		t.Errorf("Total = %d, want 1", snap.Total)
	}
	if snap.ByStatus[200] != 1 {
		t.Errorf("ByStatus[200] = %d, want 1", snap.ByStatus[200])
	}
}

func TestSessionRetriesOn429(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())
	resp, err := c.Session().Get(context.Background(), srv.URL+"/retry")
	if err != nil {
		t.Fatalf("Get after 429: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hit %d times, want 2", got)
	}
}

func TestSessionStopsOnClientError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())
	_, err := c.Session().Get(context.Background(), srv.URL+"/missing")
	if err == nil {
		t.Fatal("Get of a 404 returned nil error")
	}
	if got := models.CodeOf(err); got != models.ErrCodeHTTPStatus {
		t.Errorf("error code = %s, want %s", got, models.ErrCodeHTTPStatus)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1 (404 is not retryable)", got)
	}

	snap := c.StatsSnapshot()
	if snap.ByStatus[404] != 1 {
		t.Errorf("ByStatus[404] = %d, want 1", snap.ByStatus[404])
	}
	if snap.Errors() != 1 {
		t.Errorf("Errors() = %d, want 1", snap.Errors())
	}
}

func TestSessionLoopGuard(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("page"))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())
	s := c.Session()
	ctx := context.Background()
	pageURL := srv.URL + "/page"

	if _, err := s.Get(ctx, pageURL); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := s.Get(ctx, pageURL); models.CodeOf(err) != models.ErrCodeRedirectLoop {
		t.Errorf("second Get error = %v, want code %s", err, models.ErrCodeRedirectLoop)
	}
	// The trailing-slash variant canonicalises to the same page.
	if _, err := s.Get(ctx, pageURL+"/"); models.CodeOf(err) != models.ErrCodeRedirectLoop {
		t.Errorf("slash-variant Get error = %v, want code %s", err, models.ErrCodeRedirectLoop)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}

	if got := c.StatsSnapshot().Skipped; got != 2 {
		t.Errorf("Skipped = %d, want 2", got)
	}
}

func TestSessionRecordsRedirectTarget(t *testing.T) {
	var homeHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		homeHits.Add(1)
		w.Write([]byte("home"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, testConfig())
	s := c.Session()
	ctx := context.Background()

	resp, err := s.Get(ctx, srv.URL+"/start")
	if err != nil {
		t.Fatalf("Get /start: %v", err)
	}
	if want := srv.URL + "/home"; resp.FinalURL != want {
		t.Errorf("FinalURL = %q, want %q", resp.FinalURL, want)
	}

	// The redirect target is remembered, so fetching it directly is skipped.
	if _, err := s.Get(ctx, srv.URL+"/home"); models.CodeOf(err) != models.ErrCodeRedirectLoop {
		t.Errorf("Get of redirect target error = %v, want code %s", err, models.ErrCodeRedirectLoop)
	}
	if got := homeHits.Load(); got != 1 {
		t.Errorf("/home served %d times, want 1", got)
	}
}

func TestSessionRedirectCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.HTTP.MaxRedirects = 2
	c := newTestClient(t, cfg)

	_, err := c.Session().Get(context.Background(), srv.URL+"/loop")
	if got := models.CodeOf(err); got != models.ErrCodeRedirectLoop {
		t.Errorf("error = %v, want code %s", err, models.ErrCodeRedirectLoop)
	}
}

func TestSessionHeadSkipsBookkeeping(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())
	s := c.Session()
	ctx := context.Background()
	probeURL := srv.URL + "/sitemap.xml"

	for i := 0; i < 2; i++ {
		if _, err := s.Head(ctx, probeURL); err != nil {
			t.Fatalf("Head %d: %v", i, err)
		}
	}
	// HEAD probes leave no trace in the loop guard.
	if _, err := s.Get(ctx, probeURL); err != nil {
		t.Fatalf("Get after Head: %v", err)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hit %d times, want 3", got)
	}
}

func TestSessionUsesVariantMemory(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newTestClient(t, testConfig())
	// A previous fallback learned the working base for this host.
	c.memory.Set("127.0.0.1", srv.URL)

	// Port 1 is unreachable; the rewrite must route the request to the server.
	resp, err := c.Session().Get(context.Background(), "http://127.0.0.1:1/page")
	if err != nil {
		t.Fatalf("Get with variant rewrite: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}

func TestFallbackVariants(t *testing.T) {
	if got := withWWW("https://example.com/x"); got != "https://www.example.com/x" {
		t.Errorf("withWWW = %q", got)
	}
	if got := withWWW("https://www.example.com/x"); got != "" {
		t.Errorf("withWWW on www host = %q, want empty", got)
	}
	if got := withHTTPScheme("https://example.com/x"); got != "http://example.com/x" {
		t.Errorf("withHTTPScheme = %q", got)
	}
	if got := withHTTPScheme("http://example.com/x"); got != "" {
		t.Errorf("withHTTPScheme on http URL = %q, want empty", got)
	}
	got, ok := rewriteBase("https://example.com/a?b=1", "http://www.example.com")
	if !ok || got != "http://www.example.com/a?b=1" {
		t.Errorf("rewriteBase = %q, %v", got, ok)
	}
}

func TestDumperSave(t *testing.T) {
	dir := t.TempDir()
	d := NewDumper(dir, true)

	d.Save("https://example.com/about/team/", []byte("<html></html>"))
	if _, err := os.Stat(filepath.Join(dir, "example.com_about_team.html")); err != nil {
		t.Errorf("dump file missing: %v", err)
	}

	d.Save("https://example.com/", []byte("<html></html>"))
	if _, err := os.Stat(filepath.Join(dir, "example.com_index.html")); err != nil {
		t.Errorf("index dump file missing: %v", err)
	}
}

func TestVariantMemoryExpiry(t *testing.T) {
	vm := NewVariantMemory(10 * time.Millisecond)
	defer vm.Stop()

	vm.Set("example.com", "http://www.example.com")
	if got := vm.Get("example.com"); got != "http://www.example.com" {
		t.Fatalf("Get = %q", got)
	}
	time.Sleep(20 * time.Millisecond)
	if got := vm.Get("example.com"); got != "" {
		t.Errorf("Get after expiry = %q, want empty", got)
	}
}
