// Package search finds candidate websites for a company name through the
// custom-search JSON API, with HTML engine scraping as a fallback and an
// in-memory result cache in front of both.
package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/time/rate"

	"github.com/use-agent/mailgrab/cache"
	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
)

const (
	apiBaseURL = "https://www.googleapis.com/customsearch/v1"

	// maxResults is the API's hard per-query ceiling.
	maxResults = 10

	maxSearchBytes = 2 << 20

	cacheEntries = 512
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is the search layer shared by all pipeline workers. Pacing is
// global: one limiter spaces every outbound API call regardless of caller.
type Client struct {
	cfg     *config.Config
	api     *http.Client
	fetch   *fetch.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	engines []engine

	baseURL string

	// backoffUnit scales the quota and timeout sleeps.
	backoffUnit time.Duration
}

// New builds a search client. The fetch client is used for link validation
// and for scraping the fallback engines.
func New(cfg *config.Config, fc *fetch.Client) *Client {
	return &Client{
		cfg:         cfg,
		api:         &http.Client{Timeout: cfg.HTTP.ReadTimeout},
		fetch:       fc,
		limiter:     rate.NewLimiter(rate.Every(cfg.Search.SafeInterval), 1),
		cache:       cache.New(cacheEntries, cfg.Search.CacheTTL),
		engines:     defaultEngines(),
		baseURL:     apiBaseURL,
		backoffUnit: time.Second,
	}
}

// Close releases the cache's background resources.
func (c *Client) Close() {
	c.cache.Stop()
}

// Search returns up to num hits for the query. Quota responses are retried
// with doubling sleeps until the retry budget runs out, which surfaces as a
// quota error. When the primary API fails and fallback engines are enabled,
// their results stand in for the API's.
func (c *Client) Search(ctx context.Context, query string, num int) ([]models.SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		slog.Warn("empty search query")
		return nil, nil
	}
	if num <= 0 {
		num = maxResults
	}
	if num > maxResults {
		slog.Warn("search API caps results per query", "requested", num, "cap", maxResults)
		num = maxResults
	}

	if hits, ok := c.cache.Get(query); ok {
		slog.Debug("search cache hit", "query", query)
		return hits, nil
	}

	hits, err := c.query(ctx, query, num)
	if err != nil {
		if c.cfg.Search.FallbackEngines && ctx.Err() == nil {
			slog.Warn("primary search failed, trying fallback engines", "query", query, "err", err)
			if fb := c.fallbackSearch(ctx, query); len(fb) > 0 {
				c.cache.Set(query, fb)
				return fb, nil
			}
		}
		return nil, err
	}

	if len(hits) > 0 {
		c.cache.Set(query, hits)
	}
	return hits, nil
}

// SafeSearch is Search with all errors swallowed to an empty result list.
func (c *Client) SafeSearch(ctx context.Context, query string, num int) []models.SearchHit {
	hits, err := c.Search(ctx, query, num)
	if err != nil {
		slog.Error("search failed", "query", query, "err", err)
		return nil
	}
	return hits
}

// query drives the retry loop around single API calls.
func (c *Client) query(ctx context.Context, query string, num int) ([]models.SearchHit, error) {
	retries := c.cfg.Search.MaxRetries
	backoff := 1

	for attempt := 0; attempt < retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		hits, err := c.once(ctx, query, num)
		switch {
		case err == nil:
			return hits, nil
		case ctx.Err() != nil:
			return nil, err
		case models.CodeOf(err) == models.ErrCodeSearchQuota:
			backoff *= 2
			slog.Warn("search quota hit", "backoff", backoff,
				"attempt", attempt+1, "retries", retries)
			if serr := sleepCtx(ctx, time.Duration(backoff)*c.backoffUnit); serr != nil {
				return nil, err
			}
		case models.CodeOf(err) == models.ErrCodeTimeout && attempt < retries-1:
			wait := time.Duration(1<<attempt) * c.backoffUnit
			slog.Warn("search timed out", "query", query, "attempt", attempt+1, "wait", wait)
			if serr := sleepCtx(ctx, wait); serr != nil {
				return nil, err
			}
		default:
			slog.Error("search failed", "query", query, "err", err)
			return nil, err
		}
	}

	return nil, models.NewScrapeError(models.ErrCodeSearchQuota,
		fmt.Sprintf("search exhausted %d attempts for %q", retries, query), nil)
}

// once performs a single API exchange.
func (c *Client) once(ctx context.Context, query string, num int) ([]models.SearchHit, error) {
	q := url.Values{}
	q.Set("key", c.cfg.Search.APIKey)
	q.Set("cx", c.cfg.Search.CXID)
	q.Set("q", query)
	q.Set("num", strconv.Itoa(num))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeSearch, "build search request", err)
	}

	resp, err := c.api.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, models.NewScrapeError(models.ErrCodeTimeout, "search request timed out", err)
		}
		return nil, models.NewScrapeError(models.ErrCodeSearch, "search request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBytes))
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeSearch, "read search response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		return nil, models.NewScrapeError(models.ErrCodeSearchQuota,
			fmt.Sprintf("search API status %d", resp.StatusCode), nil)
	default:
		return nil, models.NewScrapeError(models.ErrCodeSearch,
			fmt.Sprintf("search API status %d", resp.StatusCode), nil)
	}

	return c.parseHits(body)
}

type apiItem struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	DisplayLink string `json:"displayLink"`
}

type apiResponse struct {
	Items []apiItem `json:"items"`
}

// parseHits decodes the API response, dropping items whose link fails URL
// validation.
func (c *Client) parseHits(body []byte) ([]models.SearchHit, error) {
	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeSearch, "decode search response", err)
	}

	hits := make([]models.SearchHit, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it.Link == "" {
			continue
		}
		if err := c.fetch.Validate(it.Link); err != nil {
			slog.Debug("dropping invalid search hit", "link", it.Link, "err", err)
			continue
		}
		hits = append(hits, models.SearchHit{
			Title:       it.Title,
			Link:        it.Link,
			DisplayHost: it.DisplayLink,
		})
	}
	return hits, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
