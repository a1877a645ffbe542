// Package crawl does the bounded same-domain fallback crawl that kicks in
// when the sitemap path finds no emails. Workers share one queue, one seen
// set, and the process-wide per-domain page budget.
package crawl

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/extract"
	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
	"github.com/use-agent/mailgrab/score"
)

// maxCrawlSeconds caps a crawl's wall clock regardless of the page limit.
const maxCrawlSeconds = 60

// Crawler runs small site crawls. Safe for concurrent use; each crawl keeps
// its own queue and seen set, only the page budget is shared.
type Crawler struct {
	cfg    *config.Config
	client *fetch.Client
	hybrid *extract.Hybrid
}

// New builds a Crawler on top of the shared fetch client and extractor.
func New(cfg *config.Config, client *fetch.Client, hybrid *extract.Hybrid) *Crawler {
	return &Crawler{cfg: cfg, client: client, hybrid: hybrid}
}

// Small crawls the domain breadth-first and returns every email found.
// The seed response's final URL starts the queue when given, otherwise the
// crawl starts from the domain's https root. limit <= 0 uses the domain's
// configured page limit. The wall clock is bounded by min(60s, 2s x limit).
func (c *Crawler) Small(ctx context.Context, domain string, seed *fetch.Response, limit int) models.EmailSet {
	if limit <= 0 {
		limit = c.client.Domains().LimitFor(domain, c.cfg.Crawl.MaxFallbackPages)
	}
	workers := c.cfg.Crawl.Workers
	if workers < 1 {
		workers = 1
	}
	maxTime := time.Duration(min(maxCrawlSeconds, limit*2)) * time.Second

	start := time.Now()
	slog.Info("starting crawl",
		"domain", domain, "limit", limit, "timeout", maxTime, "workers", workers)

	startURL := "https://" + domain
	if seed != nil {
		startURL = seed.FinalURL
	}

	r := &run{
		crawler: c,
		domain:  domain,
		limit:   limit,
		seen:    make(map[string]struct{}),
		emails:  models.NewEmailSet(),
	}
	if canon, err := fetch.Canonicalise(startURL); err == nil {
		r.add(canon)
	} else {
		r.add(startURL)
	}

	cctx, cancel := context.WithTimeout(ctx, maxTime)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.worker(cctx)
		}()
	}
	wg.Wait()

	slog.Info("crawl complete",
		"domain", domain,
		"pages", c.client.Domains().Pages(domain),
		"unique_urls", len(r.seen),
		"emails", len(r.emails),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return r.emails
}

// run is the state of one crawl.
type run struct {
	crawler *Crawler
	domain  string
	limit   int

	mu     sync.Mutex
	seen   map[string]struct{}
	queue  []string
	prints []uint64
	emails models.EmailSet
}

// worker drains the queue until the deadline passes, the queue empties, or
// the domain's page budget is spent.
func (r *run) worker(ctx context.Context) {
	session := r.crawler.client.Session()
	domains := r.crawler.client.Domains()

	for {
		if ctx.Err() != nil {
			return
		}
		rawURL, ok := r.pop()
		if !ok {
			return
		}
		if !domains.Reserve(r.domain, r.limit) {
			return
		}

		resp, err := session.Get(ctx, rawURL)
		if err != nil {
			// Failed fetches do not consume budget.
			domains.Commit(r.domain, false)
			slog.Debug("crawl fetch failed", "url", rawURL, "err", err)
			continue
		}
		pages := domains.Commit(r.domain, true)
		slog.Debug("crawled page", "url", rawURL, "pages", pages, "limit", r.limit)

		r.process(ctx, resp)

		if pages >= r.limit {
			return
		}
	}
}

// process extracts emails from the page and enqueues its same-domain links.
// Pages whose visible text nearly matches an already-processed page are
// skipped entirely; they still consumed budget.
func (r *run) process(ctx context.Context, resp *fetch.Response) {
	fp := fingerprint(resp.Body)
	if r.isDuplicate(fp) {
		slog.Debug("skipping near-duplicate page", "url", resp.FinalURL)
		return
	}

	hits := r.crawler.hybrid.FromResponse(ctx, resp)
	r.mu.Lock()
	r.emails.Union(hits)
	r.mu.Unlock()

	r.walkLinks(resp)
}

// isDuplicate records the fingerprint and reports whether a close one was
// already seen. Empty pages never match.
func (r *run) isDuplicate(fp uint64) bool {
	if fp == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.prints {
		if nearDuplicate(fp, p) {
			return true
		}
	}
	r.prints = append(r.prints, fp)
	return false
}

// walkLinks enqueues every valid same-domain anchor on the page.
func (r *run) walkLinks(resp *fetch.Response) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		slog.Warn("parsing crawled page", "url", resp.FinalURL, "err", err)
		return
	}
	base, err := url.Parse(resp.FinalURL)
	if err != nil {
		return
	}

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		full := base.ResolveReference(ref).String()
		if r.crawler.client.Validate(full) != nil {
			return
		}
		if !strings.Contains(score.NormaliseDomain(full), r.domain) {
			return
		}
		canon, err := fetch.Canonicalise(full)
		if err != nil {
			return
		}
		r.add(canon)
	})
}

func (r *run) pop() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", false
	}
	u := r.queue[0]
	r.queue = r.queue[1:]
	return u, true
}

func (r *run) add(canon string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[canon]; ok {
		return
	}
	r.seen[canon] = struct{}{}
	r.queue = append(r.queue, canon)
}
