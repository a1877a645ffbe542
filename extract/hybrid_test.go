package extract

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/fetch"
)

type fakeRenderer struct {
	html  string
	err   error
	calls atomic.Int32
}

func (f *fakeRenderer) Render(ctx context.Context, url string) (string, error) {
	f.calls.Add(1)
	return f.html, f.err
}

func htmlResponse(url, body string) *fetch.Response {
	return &fetch.Response{
		URL:        url,
		FinalURL:   url,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:       []byte(body),
	}
}

func TestStaticPassCFEmailShortCircuits(t *testing.T) {
	encode := func(email string, key byte) string {
		out := fmt.Sprintf("%02x", key)
		for i := 0; i < len(email); i++ {
			out += fmt.Sprintf("%02x", email[i]^key)
		}
		return out
	}
	page := fmt.Sprintf(`<html><body>
		<a class="__cf_email__" data-cfemail="%s">[email protected]</a>
		<p>other@acme.com</p>
	</body></html>`, encode("protected@acme.com", 0x5f))

	h := NewHybrid(NewExtractor(), nil, false)
	got := h.StaticPass(page, "https://acme.com")
	if !got.Contains("protected@acme.com") {
		t.Fatalf("cfemail address missing from %v", got.Sorted())
	}
	if got.Contains("other@acme.com") {
		t.Error("plain address extracted despite cfemail short-circuit")
	}
}

func TestStaticPassFromCharCode(t *testing.T) {
	// String.fromCharCode for "sales@acme.com"
	page := `<html><body><p>Reach out!</p>
		<script>document.write(String.fromCharCode(115,97,108,101,115,64,97,99,109,101,46,99,111,109));</script>
	</body></html>`

	h := NewHybrid(NewExtractor(), nil, false)
	got := h.StaticPass(page, "")
	if !got.Contains("sales@acme.com") {
		t.Errorf("fromCharCode address missing from %v", got.Sorted())
	}
}

func TestStaticPassBase64(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("please reach sales@acme.com for details"))
	if len(payload) < 40 {
		t.Fatalf("fixture payload too short: %d", len(payload))
	}
	page := fmt.Sprintf(`<html><body><script>var c = '%s';</script></body></html>`, payload)

	h := NewHybrid(NewExtractor(), nil, false)
	got := h.StaticPass(page, "")
	if !got.Contains("sales@acme.com") {
		t.Errorf("base64 address missing from %v", got.Sorted())
	}
}

func TestStaticPassMailtoFallback(t *testing.T) {
	page := `<html><body>
		<p>No address in the copy.</p>
		<a href="mailto:orders@acme.com">Contact</a>
	</body></html>`

	h := NewHybrid(NewExtractor(), nil, false)
	got := h.StaticPass(page, "")
	if !got.Contains("orders@acme.com") {
		t.Errorf("mailto address missing from %v", got.Sorted())
	}
}

func TestFromResponseRenderFallback(t *testing.T) {
	renderer := &fakeRenderer{html: `<html><body>late@acme.com</body></html>`}
	h := NewHybrid(NewExtractor(), renderer, true)
	resp := htmlResponse("https://acme.com/contact", `<html><body><div id="app"></div></body></html>`)

	got := h.FromResponse(context.Background(), resp)
	if !got.Contains("late@acme.com") {
		t.Fatalf("rendered address missing from %v", got.Sorted())
	}
	if calls := renderer.calls.Load(); calls != 1 {
		t.Errorf("renderer called %d times, want 1", calls)
	}

	// The render result is memoised per URL.
	h.FromResponse(context.Background(), resp)
	if calls := renderer.calls.Load(); calls != 1 {
		t.Errorf("renderer called %d times after repeat, want 1", calls)
	}
}

func TestFromResponseNoFallbackWhenDisabled(t *testing.T) {
	renderer := &fakeRenderer{html: `<html><body>late@acme.com</body></html>`}
	h := NewHybrid(NewExtractor(), renderer, false)

	got := h.FromResponse(context.Background(), htmlResponse("https://acme.com", "<html><body></body></html>"))
	if len(got) != 0 {
		t.Errorf("got %v, want empty without JS fallback", got.Sorted())
	}
	if calls := renderer.calls.Load(); calls != 0 {
		t.Errorf("renderer called %d times, want 0", calls)
	}
}

func TestFromResponseRenderFailure(t *testing.T) {
	renderer := &fakeRenderer{err: errors.New("browser crashed")}
	h := NewHybrid(NewExtractor(), renderer, true)

	got := h.FromResponse(context.Background(), htmlResponse("https://acme.com", "<html><body></body></html>"))
	if len(got) != 0 {
		t.Errorf("got %v, want empty after render failure", got.Sorted())
	}
}

func TestFromResponseNonHTML(t *testing.T) {
	h := NewHybrid(NewExtractor(), nil, true)
	resp := &fetch.Response{
		URL:        "https://acme.com/feed.json",
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       []byte(`{"email":"x@acme.com"}`),
	}
	if got := h.FromResponse(context.Background(), resp); len(got) != 0 {
		t.Errorf("got %v from JSON response, want empty", got.Sorted())
	}
	if got := h.FromResponse(context.Background(), nil); len(got) != 0 {
		t.Errorf("got %v from nil response, want empty", got.Sorted())
	}
}

func TestFromURLDedupsPerRun(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body>team@acme.com</body></html>`))
	}))
	defer srv.Close()

	cfg := &config.Config{
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
	client := fetch.New(cfg)
	defer client.Close()
	session := client.Session()

	h := NewHybrid(NewExtractor(), nil, false)
	pageURL := srv.URL + "/contact"

	first := h.FromURL(context.Background(), session, pageURL)
	if !first.Contains("team@acme.com") {
		t.Fatalf("first pass = %v, want team@acme.com", first.Sorted())
	}
	second := h.FromURL(context.Background(), session, pageURL)
	if len(second) != 0 {
		t.Errorf("second pass = %v, want empty (run-scoped dedup)", second.Sorted())
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
}
