package search

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
)

// engine describes one scrapeable fallback search engine. The url template
// takes the query-escaped search terms.
type engine struct {
	name     string
	url      string
	selector string
}

func defaultEngines() []engine {
	return []engine{
		{
			name:     "bing",
			url:      "https://www.bing.com/search?q=%s",
			selector: "li.b_algo h2 a",
		},
		{
			name:     "duckduckgo",
			url:      "https://html.duckduckgo.com/html/?q=%s",
			selector: "a.result__a",
		},
	}
}

// fallbackSearch scrapes the alternative engines in order and returns the
// first non-empty result list. Each engine gets a fresh fetch session so the
// loop guard never carries over between queries.
func (c *Client) fallbackSearch(ctx context.Context, query string) []models.SearchHit {
	for _, e := range c.engines {
		target := fmt.Sprintf(e.url, url.QueryEscape(query))
		slog.Info("trying fallback engine", "engine", e.name, "query", query)

		resp, err := c.fetch.Session().Get(ctx, target)
		if err != nil {
			slog.Warn("fallback engine failed", "engine", e.name, "err", err)
			continue
		}

		hits := c.scrapeHits(resp, e.selector)
		if len(hits) > 0 {
			slog.Info("fallback engine results", "engine", e.name, "count", len(hits))
			return hits
		}
	}
	slog.Error("all fallback engines failed", "query", query)
	return nil
}

// scrapeHits pulls result links out of an engine's HTML, capped at the same
// count the API would return.
func (c *Client) scrapeHits(resp *fetch.Response, selector string) []models.SearchHit {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		slog.Warn("parsing fallback results", "err", err)
		return nil
	}

	var hits []models.SearchHit
	doc.Find(selector).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		link, _ := sel.Attr("href")
		if link == "" || c.fetch.Validate(link) != nil {
			return true
		}
		hits = append(hits, models.SearchHit{
			Title:       strings.TrimSpace(sel.Text()),
			Link:        link,
			DisplayHost: hostOf(link),
		})
		return len(hits) < maxResults
	})
	return hits
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
