// Package summary walks a domain's pages and captures per-page metadata.
// Page URLs come from the domain's sitemap tree when one exists; otherwise
// the walk starts at the home page and follows same-domain links, breadth
// first, up to the page cap.
package summary

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mailgrab/extract"
	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/score"
	"github.com/use-agent/mailgrab/sitemap"
)

// defaultMaxPages bounds a walk when the caller does not.
const defaultMaxPages = 100

// maxSnippet caps the visible-text excerpt kept per page, in runes.
const maxSnippet = 1000

// Page is the captured metadata of one fetched page.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"meta_description,omitempty"`
	Keywords    string `json:"meta_keywords,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Summary is the result of walking one domain.
type Summary struct {
	Domain      string `json:"domain"`
	PageCount   int    `json:"page_count"`
	UsedSitemap bool   `json:"used_sitemap"`
	Pages       []Page `json:"pages"`
}

// Summarizer fetches and condenses a domain's pages. Rendering is optional:
// when a renderer is supplied and enabled, pages that do not come back as
// HTML are retried in the browser.
type Summarizer struct {
	client   *fetch.Client
	sitemaps *sitemap.Parser
	renderer extract.Renderer
	useJS    bool
}

func New(client *fetch.Client, sitemaps *sitemap.Parser, renderer extract.Renderer, useJS bool) *Summarizer {
	return &Summarizer{client: client, sitemaps: sitemaps, renderer: renderer, useJS: useJS}
}

// Summarize walks up to maxPages pages of the domain and returns what it
// captured. A cancelled context ends the walk early; the pages collected so
// far are returned together with the context's error.
func (s *Summarizer) Summarize(ctx context.Context, domain string, maxPages int) (*Summary, error) {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	// ── 1. Seed the queue: sitemap URLs, or just the home page ──
	urls, usedSitemap := s.sitemaps.AllURLs(ctx, domain)
	if len(urls) == 0 {
		urls = []string{"https://" + domain}
	}
	if len(urls) > maxPages {
		urls = urls[:maxPages]
	}

	sum := &Summary{Domain: domain, UsedSitemap: usedSitemap}
	seen := make(map[string]struct{})
	queue := make([]string, 0, len(urls))
	for _, u := range urls {
		queue = enqueue(queue, seen, u)
	}

	// ── 2. Walk breadth first until the queue drains or the cap hits ──
	session := s.client.Session()
	for len(queue) > 0 && len(sum.Pages) < maxPages {
		if ctx.Err() != nil {
			return sum.finish(), ctx.Err()
		}
		pageURL := queue[0]
		queue = queue[1:]

		body, finalURL := s.fetchHTML(ctx, session, pageURL)
		if len(body) == 0 {
			continue
		}
		sum.Pages = append(sum.Pages, pageInfo(body, pageURL))

		for _, link := range s.links(body, finalURL, domain) {
			if len(sum.Pages)+len(queue) >= maxPages {
				break
			}
			queue = enqueue(queue, seen, link)
		}
	}
	return sum.finish(), nil
}

func (s *Summary) finish() *Summary {
	s.PageCount = len(s.Pages)
	return s
}

// enqueue appends the canonical form of rawURL unless it was seen already.
func enqueue(queue []string, seen map[string]struct{}, rawURL string) []string {
	canon, err := fetch.Canonicalise(rawURL)
	if err != nil {
		return queue
	}
	if _, dup := seen[canon]; dup {
		return queue
	}
	seen[canon] = struct{}{}
	return append(queue, canon)
}

// fetchHTML gets the page body, falling back to a browser render when the
// static fetch does not produce HTML.
func (s *Summarizer) fetchHTML(ctx context.Context, session *fetch.Session, pageURL string) ([]byte, string) {
	resp, err := session.Get(ctx, pageURL)
	if err == nil && resp.IsHTML() {
		return resp.Body, resp.FinalURL
	}
	if s.renderer == nil || !s.useJS {
		return nil, ""
	}
	html, rerr := s.renderer.Render(ctx, pageURL)
	if rerr != nil {
		slog.Warn("render failed", "url", pageURL, "error", rerr)
		return nil, ""
	}
	return []byte(html), pageURL
}

// pageInfo pulls title, description, keywords and a text excerpt out of one
// HTML document.
func pageInfo(body []byte, pageURL string) Page {
	page := Page{URL: pageURL}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		page.Title = strings.TrimSpace(doc.Find("title").First().Text())
		doc.Find("meta").Each(func(_ int, m *goquery.Selection) {
			name := strings.ToLower(m.AttrOr("name", ""))
			prop := strings.ToLower(m.AttrOr("property", ""))
			switch {
			case name == "description" || prop == "og:description":
				page.Description = strings.TrimSpace(m.AttrOr("content", ""))
			case name == "keywords":
				page.Keywords = strings.TrimSpace(m.AttrOr("content", ""))
			}
		})
	}

	text := strings.TrimSpace(extract.VisibleText(body))
	if runes := []rune(text); len(runes) > maxSnippet {
		text = string(runes[:maxSnippet])
	}
	page.Text = text
	return page
}

// links returns the same-domain links of the page, resolved against the URL
// the page was actually served from.
func (s *Summarizer) links(body []byte, baseURL, domain string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var out []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(strings.ToLower(href), "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		full := base.ResolveReference(ref)
		if err := s.client.Validate(full.String()); err != nil {
			return
		}
		if !strings.Contains(score.NormaliseDomain(full.Host), domain) {
			return
		}
		out = append(out, full.String())
	})
	return out
}
