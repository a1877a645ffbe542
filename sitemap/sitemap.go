// Package sitemap discovers a domain's sitemaps and extracts page URLs from
// them, preferring the subset whose paths suggest contact or legal pages.
package sitemap

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/fetch"
)

// Parser finds and parses sitemaps. Discovered sitemap bodies are cached per
// canonical URL so repeated passes over a domain reuse one download. Safe
// for concurrent use.
type Parser struct {
	client *fetch.Client
	cfg    *config.Config

	mu        sync.Mutex
	processed map[string]struct{}
	content   map[string][]byte
}

// NewParser builds a Parser on top of the shared fetch client.
func NewParser(client *fetch.Client, cfg *config.Config) *Parser {
	return &Parser{
		client:    client,
		cfg:       cfg,
		processed: make(map[string]struct{}),
		content:   make(map[string][]byte),
	}
}

// Discover returns the sitemap URLs for a domain. Conventional filenames are
// probed across the naked and www hosts; the first hit wins and stops the
// scan. Without one, every same-host Sitemap directive in robots.txt is
// fetched and returned.
func (p *Parser) Discover(ctx context.Context, domain string) []string {
	naked := strings.TrimPrefix(strings.ToLower(domain), "www.")
	hosts := []string{naked}
	if strings.Count(naked, ".") < 2 {
		hosts = append(hosts, "www."+naked)
	}
	session := p.client.Session()
	start := time.Now()

	// ── 1. Conventional filenames ───────────────────────────────────────
	for _, host := range hosts {
		for _, fname := range p.cfg.Sitemap.Filenames {
			smURL := "https://" + host + "/" + fname
			canon, err := fetch.Canonicalise(smURL)
			if err != nil || p.seen(canon) || p.client.Validate(smURL) != nil {
				continue
			}
			if _, err := session.Head(ctx, smURL); err != nil {
				continue
			}
			resp, err := session.Get(ctx, smURL)
			if err != nil {
				continue
			}
			if len(resp.Body) == 0 || len(resp.Body) > config.MaxSitemapSize || !looksLikeXML(resp.Body) {
				continue
			}
			p.store(canon, resp.Body)
			slog.Info("found sitemap via conventional filename",
				"url", smURL, "elapsed", time.Since(start).Round(time.Millisecond))
			return []string{smURL}
		}
	}

	// ── 2. robots.txt fallback ──────────────────────────────────────────
	robots, err := session.Get(ctx, "https://"+naked+"/robots.txt")
	if err != nil {
		slog.Debug("no sitemap found", "domain", domain, "elapsed", time.Since(start).Round(time.Millisecond))
		return nil
	}
	var found []string
	for _, line := range strings.Split(string(robots.Body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		smURL := joinURL(naked, strings.TrimSpace(line[8:]))
		canon, err := fetch.Canonicalise(smURL)
		if err != nil || p.seen(canon) || p.client.Validate(smURL) != nil {
			continue
		}
		u, err := url.Parse(smURL)
		if err != nil || strings.TrimPrefix(strings.ToLower(u.Host), "www.") != naked {
			continue
		}
		resp, err := session.Get(ctx, smURL)
		if err != nil {
			continue
		}
		if len(resp.Body) == 0 || len(resp.Body) > config.MaxSitemapSize || !looksLikeXML(resp.Body) {
			continue
		}
		p.store(canon, resp.Body)
		slog.Info("found sitemap via robots.txt", "url", smURL)
		found = append(found, smURL)
	}
	if len(found) == 0 {
		slog.Debug("no sitemap found", "domain", domain, "elapsed", time.Since(start).Round(time.Millisecond))
	}
	return found
}

// PriorityURLs discovers and parses the domain's sitemaps, returning up to
// MaxFallbackPages URLs containing a priority token. The second return
// reports whether any sitemap was found at all.
func (p *Parser) PriorityURLs(ctx context.Context, domain string) ([]string, bool) {
	start := time.Now()
	sitemaps := p.Discover(ctx, domain)
	if len(sitemaps) == 0 {
		return nil, false
	}

	limit := p.cfg.Crawl.MaxFallbackPages
	var priority []string
	dedup := make(map[string]struct{})
	for _, smURL := range sitemaps {
		for _, u := range p.urlsFrom(ctx, smURL) {
			if len(priority) >= limit {
				break
			}
			if !containsAny(strings.ToLower(u), p.cfg.Sitemap.PriorityParts) {
				continue
			}
			if _, dup := dedup[u]; dup {
				continue
			}
			dedup[u] = struct{}{}
			priority = append(priority, u)
		}
		if len(priority) >= limit {
			break
		}
	}
	slog.Debug("priority url extraction finished",
		"domain", domain, "urls", len(priority), "elapsed", time.Since(start).Round(time.Millisecond))
	return priority, true
}

// AllURLs returns every URL in the domain's sitemaps without token
// filtering, deduplicated, still subject to the per-tree budget.
func (p *Parser) AllURLs(ctx context.Context, domain string) ([]string, bool) {
	sitemaps := p.Discover(ctx, domain)
	if len(sitemaps) == 0 {
		return nil, false
	}

	var all []string
	dedup := make(map[string]struct{})
	for _, smURL := range sitemaps {
		for _, u := range p.urlsFrom(ctx, smURL) {
			if _, dup := dedup[u]; dup {
				continue
			}
			dedup[u] = struct{}{}
			all = append(all, u)
		}
	}
	return all, true
}

// ClearCache drops the processed-URL set and cached sitemap bodies. Called
// between companies so one domain's sitemaps never bleed into the next.
func (p *Parser) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed = make(map[string]struct{})
	p.content = make(map[string][]byte)
}

// urlsFrom parses one sitemap, reusing the cached body from discovery when
// present.
func (p *Parser) urlsFrom(ctx context.Context, smURL string) []string {
	canon, err := fetch.Canonicalise(smURL)
	if err != nil {
		return nil
	}
	body := p.cached(canon)
	if body == nil {
		resp, err := p.client.Session().Get(ctx, smURL)
		if err != nil {
			return nil
		}
		body = resp.Body
		p.store(canon, body)
	}
	urls, err := p.Parse(ctx, body)
	if err != nil {
		slog.Warn("sitemap parse failed", "url", smURL, "err", err)
		return nil
	}
	return urls
}

func (p *Parser) seen(canon string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processed[canon]
	return ok
}

func (p *Parser) store(canon string, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[canon] = struct{}{}
	p.content[canon] = body
}

func (p *Parser) cached(canon string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content[canon]
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(s, tok) {
			return true
		}
	}
	return false
}
