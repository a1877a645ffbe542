// Package pipeline runs the per-company flow end to end: search the company
// name, pick and gate the best domain, then harvest emails from the home
// page, the sitemap's priority pages and, failing those, a bounded crawl.
// One Engine serves a whole run and enforces at-most-once per domain across
// concurrent companies.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/use-agent/mailgrab/browser"
	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/crawl"
	"github.com/use-agent/mailgrab/extract"
	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
	"github.com/use-agent/mailgrab/score"
	"github.com/use-agent/mailgrab/search"
	"github.com/use-agent/mailgrab/sitemap"
)

// maxSearchHits is how many results are requested per company.
const maxSearchHits = 10

// Searcher finds candidate sites for a company name.
type Searcher interface {
	Search(ctx context.Context, query string, num int) ([]models.SearchHit, error)
}

// Stats counts per-company outcomes. One Stats value is produced per company
// and merged into the run total.
type Stats struct {
	Leads            int
	NoResults        int
	SearchErrors     int
	DomainUnclear    int
	DomainErrors     int
	SkippedDomains   int
	Domains          int
	SitemapUsed      int
	WithEmail        int
	WithoutEmail     int
	ProcessingErrors int
}

func (s *Stats) merge(o Stats) {
	s.Leads += o.Leads
	s.NoResults += o.NoResults
	s.SearchErrors += o.SearchErrors
	s.DomainUnclear += o.DomainUnclear
	s.DomainErrors += o.DomainErrors
	s.SkippedDomains += o.SkippedDomains
	s.Domains += o.Domains
	s.SitemapUsed += o.SitemapUsed
	s.WithEmail += o.WithEmail
	s.WithoutEmail += o.WithoutEmail
	s.ProcessingErrors += o.ProcessingErrors
}

// Engine owns the collaborating services and the cross-company domain state.
// Safe for concurrent use by many company workers.
type Engine struct {
	cfg      *config.Config
	client   *fetch.Client
	search   Searcher
	scorer   *score.Scorer
	sitemaps *sitemap.Parser
	hybrid   *extract.Hybrid
	crawler  *crawl.Crawler
	closers  []func()

	// OnResult, when set before Run, receives the outcome of every processed
	// domain, with or without emails.
	OnResult func(models.CompanyResult)

	mu         sync.Mutex
	inProgress map[string]struct{}
	seen       map[string]struct{}
}

// New wires an Engine from the configuration. The browser render fallback is
// only started when it is enabled. Call Close when done.
func New(cfg *config.Config) *Engine {
	client := fetch.New(cfg)
	searcher := search.New(cfg, client)
	closers := []func(){client.Close, searcher.Close}

	var renderer extract.Renderer
	if cfg.Browser.JSFallback {
		svc := browser.New(cfg.Browser)
		renderer = svc
		closers = append(closers, svc.Stop)
	}
	hybrid := extract.NewHybrid(extract.NewExtractor(), renderer, cfg.Browser.JSFallback)

	return &Engine{
		cfg:        cfg,
		client:     client,
		search:     searcher,
		scorer:     score.NewScorer(cfg.Pipeline.DomainScoreThreshold),
		sitemaps:   sitemap.NewParser(client, cfg),
		hybrid:     hybrid,
		crawler:    crawl.New(cfg, client, hybrid),
		closers:    closers,
		inProgress: make(map[string]struct{}),
		seen:       make(map[string]struct{}),
	}
}

// Close releases the engine's network and browser resources, most recently
// started first.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// Client exposes the engine's fetch client, mainly for its run statistics.
func (e *Engine) Client() *fetch.Client { return e.client }

// ProcessCompany runs the per-company pipeline and returns the outcome
// counters plus the output rows, one per email. Every failure mode is folded
// into the counters; a panic from any stage is contained and counted as a
// processing error.
func (e *Engine) ProcessCompany(ctx context.Context, company string) (stats Stats, rows []models.Row) {
	defer func() {
		if r := recover(); r != nil {
			stats.ProcessingErrors++
			rows = nil
			slog.Error("company processing panicked", "company", company, "panic", r)
		}
	}()

	stats.Leads++
	slog.Info("processing company", "company", company)

	// ── 1. Search ───────────────────────────────────────────────────────
	hits, err := e.search.Search(ctx, company, maxSearchHits)
	if err != nil {
		stats.SearchErrors++
		slog.Error("search failed", "company", company, "err", err)
		return stats, nil
	}
	if len(hits) == 0 {
		stats.NoResults++
		slog.Warn("no search hits", "company", company)
		return stats, nil
	}

	// ── 2. Score and gate the best domain ───────────────────────────────
	best := e.scorer.BestDomain(company, hits)
	if best.URL == "" {
		stats.DomainErrors++
		slog.Error("no scoreable search hit", "company", company)
		return stats, nil
	}
	if best.Score < e.cfg.Pipeline.DomainScoreThreshold {
		stats.DomainUnclear++
		slog.Info("domain score below threshold", "company", company,
			"url", best.URL, "score", best.Score,
			"threshold", e.cfg.Pipeline.DomainScoreThreshold)
		return stats, nil
	}
	domain := score.NormaliseDomain(best.URL)
	if domain == "" {
		stats.DomainErrors++
		slog.Error("winning hit has no usable host", "company", company, "url", best.URL)
		return stats, nil
	}

	// ── 3. At-most-once per domain across companies ─────────────────────
	if !e.claim(domain) {
		stats.SkippedDomains++
		slog.Info("domain already handled", "company", company, "domain", domain)
		return stats, nil
	}
	defer e.release(domain)

	stats.Domains++
	slog.Info("domain accepted", "company", company, "domain", domain, "score", best.Score)

	rows = e.processDomain(ctx, company, domain, &stats)
	e.sitemaps.ClearCache()
	return stats, rows
}

// processDomain harvests emails for an accepted domain and builds the output
// rows. Home page first, then sitemap priority pages, then the crawl
// fallback when nothing surfaced.
func (e *Engine) processDomain(ctx context.Context, company, domain string, stats *Stats) []models.Row {
	start := time.Now()
	session := e.client.Session()
	emails := models.NewEmailSet()

	// ── 1. Home page ────────────────────────────────────────────────────
	var seed *fetch.Response
	homeURL := "https://" + domain
	if resp, err := session.Get(ctx, homeURL); err != nil {
		slog.Warn("home page fetch failed", "url", homeURL, "err", err)
	} else {
		seed = resp
		found := e.hybrid.FromResponse(ctx, resp)
		slog.Debug("home page extraction", "domain", domain, "emails", len(found))
		emails.Union(found)
	}

	// ── 2. Sitemap priority pages ───────────────────────────────────────
	priority, usedSitemap := e.sitemaps.PriorityURLs(ctx, domain)
	if usedSitemap {
		stats.SitemapUsed++
		slog.Info("sitemap located", "domain", domain, "priority_urls", len(priority))
	}
	for _, u := range priority {
		emails.Union(e.hybrid.FromURL(ctx, session, u))
	}

	// ── 3. Crawl fallback when nothing surfaced ─────────────────────────
	if len(emails) == 0 && ctx.Err() == nil {
		slog.Info("no emails from sitemap pass, crawling", "domain", domain)
		emails.Union(e.crawler.Small(ctx, domain, seed, 0))
	}

	// ── 4. Report and build rows ────────────────────────────────────────
	if e.OnResult != nil {
		e.OnResult(models.CompanyResult{
			Company: company,
			Domain:  domain,
			Emails:  emails.Sorted(),
		})
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if len(emails) > 0 {
		stats.WithEmail++
		slog.Info("company finished", "company", company, "domain", domain,
			"emails", len(emails), "elapsed", elapsed)
		rows := make([]models.Row, 0, len(emails))
		for _, em := range emails.Sorted() {
			rows = append(rows, models.Row{Company: company, Domain: domain, Email: em})
		}
		return rows
	}

	stats.WithoutEmail++
	slog.Info("company finished without emails", "company", company,
		"domain", domain, "elapsed", elapsed)
	if e.cfg.Pipeline.SaveDomainOnly {
		return []models.Row{{Company: company, Domain: domain}}
	}
	return nil
}

// claim marks the domain in progress unless another company already holds or
// finished it.
func (e *Engine) claim(domain string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.seen[domain]; dup {
		return false
	}
	if _, dup := e.inProgress[domain]; dup {
		return false
	}
	e.inProgress[domain] = struct{}{}
	return true
}

// release moves the domain from in progress to seen.
func (e *Engine) release(domain string) {
	e.mu.Lock()
	delete(e.inProgress, domain)
	e.seen[domain] = struct{}{}
	e.mu.Unlock()
}

// RunResult aggregates a whole run: summed counters, deduplicated rows and
// the fetch-layer request statistics.
type RunResult struct {
	Stats   Stats
	Rows    []models.Row
	Elapsed time.Duration
	Fetch   fetch.Snapshot
}

// UniqueEmails counts distinct addresses across the rows.
func (r RunResult) UniqueEmails() int {
	set := make(map[string]struct{})
	for _, row := range r.Rows {
		if row.Email != "" {
			set[row.Email] = struct{}{}
		}
	}
	return len(set)
}

// Run processes every company through a bounded worker pool and returns the
// aggregated result. Blank company names are dropped. Cancelling the context
// stops new companies from starting; companies already in flight finish.
func (e *Engine) Run(ctx context.Context, companies []string) RunResult {
	start := time.Now()
	workers := e.cfg.Pipeline.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	slog.Info("run starting", "companies", len(companies), "workers", workers)

	var (
		mu    sync.Mutex
		total Stats
		rows  []models.Row
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, company := range companies {
		name := strings.TrimSpace(company)
		if name == "" {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			stats, companyRows := e.ProcessCompany(gctx, name)
			mu.Lock()
			total.merge(stats)
			rows = append(rows, companyRows...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	result := RunResult{
		Stats:   total,
		Rows:    dedupeRows(rows),
		Elapsed: time.Since(start),
		Fetch:   e.client.StatsSnapshot(),
	}
	slog.Info("run finished", "rows", len(result.Rows),
		"unique_emails", result.UniqueEmails(),
		"elapsed", result.Elapsed.Round(time.Millisecond))
	return result
}

// dedupeRows drops exact duplicate rows, keeping first-arrival order.
func dedupeRows(rows []models.Row) []models.Row {
	out := make([]models.Row, 0, len(rows))
	seen := make(map[models.Row]struct{}, len(rows))
	for _, row := range rows {
		if _, dup := seen[row]; dup {
			continue
		}
		seen[row] = struct{}{}
		out = append(out, row)
	}
	return out
}
