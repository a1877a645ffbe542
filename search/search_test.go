package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
)

const sampleResponse = `{
	"items": [
		{"title": "Acme Corp", "link": "https://acme.com/", "displayLink": "acme.com"},
		{"title": "Acme on LinkedIn", "link": "https://linkedin.com/company/acme", "displayLink": "linkedin.com"}
	]
}`

func testConfig() *config.Config {
	return &config.Config{
		Search: config.SearchConfig{
			APIKey:       "test-key",
			CXID:         "test-cx",
			SafeInterval: time.Millisecond,
			MaxRetries:   3,
			CacheTTL:     time.Minute,
		},
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
	}
}

// newTestClient wires a search client against a fake API server.
func newTestClient(t *testing.T, cfg *config.Config, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	fc := fetch.New(cfg)
	t.Cleanup(fc.Close)

	c := New(cfg, fc)
	c.baseURL = srv.URL
	c.backoffUnit = time.Millisecond
	t.Cleanup(c.Close)
	return c
}

func TestSearchParsesHits(t *testing.T) {
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "test-key" || q.Get("cx") != "test-cx" {
			t.Errorf("credentials not forwarded: %v", q)
		}
		if q.Get("q") != "Acme official website" {
			t.Errorf("query = %q", q.Get("q"))
		}
		if q.Get("num") != "5" {
			t.Errorf("num = %q, want 5", q.Get("num"))
		}
		w.Write([]byte(sampleResponse))
	}))

	hits, err := c.Search(context.Background(), "Acme official website", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	want := models.SearchHit{Title: "Acme Corp", Link: "https://acme.com/", DisplayHost: "acme.com"}
	if hits[0] != want {
		t.Errorf("first hit = %+v, want %+v", hits[0], want)
	}
}

func TestSearchClampsNum(t *testing.T) {
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("num"); got != "10" {
			t.Errorf("num = %q, want clamped to 10", got)
		}
		w.Write([]byte(sampleResponse))
	}))

	if _, err := c.Search(context.Background(), "acme", 25); err != nil {
		t.Fatalf("Search: %v", err)
	}
}

func TestSearchDropsInvalidLinks(t *testing.T) {
	body := `{"items": [
		{"title": "ok", "link": "https://acme.com/", "displayLink": "acme.com"},
		{"title": "bad scheme", "link": "ftp://files.acme.com/x"},
		{"title": "no link", "link": ""}
	]}`
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	hits, err := c.Search(context.Background(), "acme", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Link != "https://acme.com/" {
		t.Errorf("hits = %+v, want only the valid link", hits)
	}
}

func TestSearchRetriesQuotaStatuses(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(sampleResponse))
	}))

	hits, err := c.Search(context.Background(), "acme", 10)
	if err != nil {
		t.Fatalf("Search after quota retries: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits, want 2", len(hits))
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("API called %d times, want 3", got)
	}
}

func TestSearchQuotaExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Search.MaxRetries = 2
	var calls atomic.Int32
	c := newTestClient(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.Search(context.Background(), "acme", 10)
	if models.CodeOf(err) != models.ErrCodeSearchQuota {
		t.Fatalf("error code = %q, want %q", models.CodeOf(err), models.ErrCodeSearchQuota)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("API called %d times, want 2", got)
	}
}

func TestSearchHardErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Search(context.Background(), "acme", 10)
	if models.CodeOf(err) != models.ErrCodeSearch {
		t.Fatalf("error code = %q, want %q", models.CodeOf(err), models.ErrCodeSearch)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("API called %d times, want 1", got)
	}
}

func TestSearchServesFromCache(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(sampleResponse))
	}))

	ctx := context.Background()
	first, err := c.Search(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("first Search: %v", err)
	}
	second, err := c.Search(ctx, "acme", 10)
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("API called %d times, want 1 (second from cache)", got)
	}
	if len(first) != len(second) {
		t.Errorf("cached hits differ: %d vs %d", len(first), len(second))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("empty query must not reach the API")
	}))

	hits, err := c.Search(context.Background(), "   ", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits, want 0", len(hits))
	}
}

func TestSafeSearchSwallowsErrors(t *testing.T) {
	c := newTestClient(t, testConfig(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	if hits := c.SafeSearch(context.Background(), "acme", 10); len(hits) != 0 {
		t.Errorf("SafeSearch = %+v, want empty on failure", hits)
	}
}

func TestSearchGlobalPacing(t *testing.T) {
	cfg := testConfig()
	cfg.Search.SafeInterval = 50 * time.Millisecond
	cfg.Search.CacheTTL = 0 // force both calls onto the wire
	c := newTestClient(t, cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleResponse))
	}))

	ctx := context.Background()
	start := time.Now()
	if _, err := c.Search(ctx, "acme", 10); err != nil {
		t.Fatalf("first Search: %v", err)
	}
	if _, err := c.Search(ctx, "acme", 10); err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("two searches took %v, want at least the safe interval", elapsed)
	}
}
