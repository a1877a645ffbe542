package sitemap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/fetch"
)

// testSetup builds a parser whose fetch client accepts the self-signed
// certificates httptest.NewTLSServer presents, via the insecure retry.
func testSetup(t *testing.T) (*Parser, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		HTTP: config.HTTPConfig{
			ConnectTimeout:   2 * time.Second,
			ReadTimeout:      2 * time.Second,
			MaxRedirects:     5,
			MaxURLLength:     2000,
			MinCrawlDelay:    0.001,
			MaxCrawlDelay:    0.01,
			AllowInsecureSSL: true,
			RetryCount:       2,
			RetryDelay:       time.Millisecond,
			UserAgents:       []string{"test-agent/1.0"},
		},
		Crawl: config.CrawlConfig{MaxFallbackPages: 12, Workers: 2},
		Sitemap: config.SitemapConfig{
			Filenames:         []string{"sitemap.xml", "sitemap_index.xml"},
			MaxURLsPerSitemap: 10000,
			PriorityParts:     []string{"contact", "about", "impressum"},
		},
	}
	client := fetch.New(cfg)
	t.Cleanup(client.Close)
	return NewParser(client, cfg), cfg
}

func serverHost(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "https://")
}

func TestDiscoverConventionalFilename(t *testing.T) {
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Write([]byte(sampleURLSet))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	p, _ := testSetup(t)
	found := p.Discover(context.Background(), serverHost(srv))
	if len(found) != 1 {
		t.Fatalf("Discover = %v, want one sitemap", found)
	}
	if want := srv.URL + "/sitemap.xml"; found[0] != want {
		t.Errorf("Discover[0] = %q, want %q", found[0], want)
	}
	if got := gets.Load(); got != 1 {
		t.Errorf("sitemap fetched %d times during discovery, want 1", got)
	}
}

func TestDiscoverRobotsFallback(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		body := "User-agent: *\n" +
			"Disallow: /private\n" +
			"Sitemap: " + srvURL + "/deep/sitemap.xml\n" +
			"Sitemap: https://elsewhere.example/sitemap.xml\n"
		w.Write([]byte(body))
	})
	mux.HandleFunc("/deep/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleURLSet))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	p, _ := testSetup(t)
	found := p.Discover(context.Background(), serverHost(srv))
	if len(found) != 1 {
		t.Fatalf("Discover = %v, want one robots-declared sitemap", found)
	}
	if want := srv.URL + "/deep/sitemap.xml"; found[0] != want {
		t.Errorf("Discover[0] = %q, want %q", found[0], want)
	}
}

func TestDiscoverRejectsNonXML(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>soft 404</body></html>"))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	p, _ := testSetup(t)
	if found := p.Discover(context.Background(), serverHost(srv)); len(found) != 0 {
		t.Errorf("Discover accepted an html page as sitemap: %v", found)
	}
}

func TestPriorityURLs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<?xml version="1.0"?>
<urlset>
  <url><loc>https://example.org/contact</loc></url>
  <url><loc>https://example.org/products</loc></url>
  <url><loc>https://example.org/about-us</loc></url>
  <url><loc>https://example.org/impressum</loc></url>
</urlset>`))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	p, _ := testSetup(t)
	urls, used := p.PriorityURLs(context.Background(), serverHost(srv))
	if !used {
		t.Fatal("used = false, want true")
	}
	want := map[string]bool{
		"https://example.org/contact":   true,
		"https://example.org/about-us":  true,
		"https://example.org/impressum": true,
	}
	if len(urls) != len(want) {
		t.Fatalf("PriorityURLs = %v, want the 3 token matches", urls)
	}
	for _, u := range urls {
		if !want[u] {
			t.Errorf("unexpected priority url %q", u)
		}
	}
}

func TestPriorityURLsCapped(t *testing.T) {
	var doc strings.Builder
	doc.WriteString(`<?xml version="1.0"?><urlset>`)
	for i := 0; i < 30; i++ {
		doc.WriteString("<url><loc>https://example.org/contact-")
		doc.WriteString(strings.Repeat("x", i+1))
		doc.WriteString("</loc></url>")
	}
	doc.WriteString(`</urlset>`)

	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc.String()))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	p, cfg := testSetup(t)
	cfg.Crawl.MaxFallbackPages = 5

	urls, used := p.PriorityURLs(context.Background(), serverHost(srv))
	if !used {
		t.Fatal("used = false, want true")
	}
	if len(urls) != 5 {
		t.Errorf("PriorityURLs = %d urls, want cap of 5", len(urls))
	}
}

func TestPriorityURLsNoSitemap(t *testing.T) {
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	defer srv.Close()

	p, _ := testSetup(t)
	urls, used := p.PriorityURLs(context.Background(), serverHost(srv))
	if used || len(urls) != 0 {
		t.Errorf("PriorityURLs = %v, used=%v, want none and false", urls, used)
	}
}

func TestAllURLs(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleURLSet))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	p, _ := testSetup(t)
	urls, used := p.AllURLs(context.Background(), serverHost(srv))
	if !used {
		t.Fatal("used = false, want true")
	}
	if len(urls) != 3 {
		t.Errorf("AllURLs = %v, want all 3 entries", urls)
	}
}

func TestRepeatDiscoveryNeedsClear(t *testing.T) {
	var gets atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.Write([]byte(sampleURLSet))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	p, _ := testSetup(t)
	host := serverHost(srv)
	ctx := context.Background()

	if _, used := p.PriorityURLs(ctx, host); !used {
		t.Fatal("first pass found no sitemap")
	}
	// Already-processed sitemaps are skipped until the cache is cleared.
	if _, used := p.PriorityURLs(ctx, host); used {
		t.Error("second pass rediscovered a processed sitemap without clearing")
	}

	p.ClearCache()
	if _, used := p.PriorityURLs(ctx, host); !used {
		t.Error("pass after ClearCache found no sitemap")
	}
	if got := gets.Load(); got != 2 {
		t.Errorf("sitemap fetched %d times, want 2 (once per cleared cache)", got)
	}
}
