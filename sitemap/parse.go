package sitemap

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/use-agent/mailgrab/config"
	"github.com/use-agent/mailgrab/models"
)

const (
	// maxNestedWorkers bounds parallel fetches of nested sitemaps.
	maxNestedWorkers = 4

	// maxDepth stops runaway recursion through self-referencing indexes.
	maxDepth = 5
)

// Parse expands one sitemap document into page URLs: gzip payloads are
// unpacked, <sitemapindex> trees are fetched in parallel and recursed into,
// and the total yield across the whole tree is capped by
// MaxURLsPerSitemap.
func (p *Parser) Parse(ctx context.Context, data []byte) ([]string, error) {
	var remaining atomic.Int64
	remaining.Store(int64(p.cfg.Sitemap.MaxURLsPerSitemap))
	return p.parse(ctx, data, &remaining, 0)
}

func (p *Parser) parse(ctx context.Context, data []byte, remaining *atomic.Int64, depth int) ([]string, error) {
	if len(data) == 0 || len(data) > config.MaxSitemapSize {
		return nil, nil
	}

	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, models.NewScrapeError(models.ErrCodeSitemap, "gzip decode failed", err)
		}
		unpacked, err := io.ReadAll(io.LimitReader(gz, config.MaxSitemapSize+1))
		gz.Close()
		if err != nil {
			return nil, models.NewScrapeError(models.ErrCodeSitemap, "gzip decode failed", err)
		}
		if len(unpacked) > config.MaxSitemapSize {
			return nil, models.NewScrapeError(models.ErrCodeSitemap, "decompressed sitemap too large", nil)
		}
		data = unpacked
	}

	if !looksLikeXML(data) {
		return nil, models.NewScrapeError(models.ErrCodeSitemap, "content is not an XML sitemap", nil)
	}

	locs, err := collectLocs(data)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeSitemap, "xml parse failed", err)
	}

	if rootName(data) == "sitemapindex" {
		if depth >= maxDepth {
			slog.Warn("sitemap index nesting too deep, stopping", "depth", depth)
			return nil, nil
		}
		return p.parseIndex(ctx, locs, remaining, depth)
	}

	var out []string
	for _, u := range locs {
		if p.client.Validate(u) != nil {
			continue
		}
		if !take(remaining) {
			break
		}
		out = append(out, u)
	}
	return out, nil
}

// parseIndex fetches every child sitemap of an index in parallel and merges
// their URLs, sharing the remaining budget across all branches.
func (p *Parser) parseIndex(ctx context.Context, locs []string, remaining *atomic.Int64, depth int) ([]string, error) {
	children := make([]string, 0, len(locs))
	seen := make(map[string]struct{}, len(locs))
	for _, u := range locs {
		if p.client.Validate(u) != nil {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		children = append(children, u)
	}
	if len(children) == 0 {
		return nil, nil
	}

	slog.Debug("fetching nested sitemaps", "count", len(children))
	var mu sync.Mutex
	var out []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxNestedWorkers)
	for _, child := range children {
		child := child
		g.Go(func() error {
			if remaining.Load() <= 0 {
				return nil
			}
			resp, err := p.client.Session().Get(gctx, child)
			if err != nil {
				slog.Warn("nested sitemap fetch failed", "url", child, "err", err)
				return nil
			}
			urls, err := p.parse(gctx, resp.Body, remaining, depth+1)
			if err != nil {
				slog.Warn("nested sitemap parse failed", "url", child, "err", err)
				return nil
			}
			mu.Lock()
			out = append(out, urls...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out, nil
}

// take consumes one unit of the shared budget, refusing once it hits zero.
func take(remaining *atomic.Int64) bool {
	for {
		cur := remaining.Load()
		if cur <= 0 {
			return false
		}
		if remaining.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// collectLocs walks the document and returns the text of every <loc>
// element. The walk tolerates sloppy markup and non-UTF-8 encodings.
func collectLocs(data []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel

	var locs []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "loc" {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &se); err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			locs = append(locs, text)
		}
	}
	return locs, nil
}

// rootName returns the local name of the document's root element.
func rootName(data []byte) string {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.CharsetReader = charset.NewReaderLabel
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

// looksLikeXML sniffs whether content starts like an XML sitemap.
func looksLikeXML(content []byte) bool {
	head := bytes.TrimSpace(content)
	if len(head) > 200 {
		head = head[:200]
	}
	head = bytes.ToLower(head)
	return bytes.HasPrefix(head, []byte("<?xml")) ||
		bytes.Contains(head, []byte("<urlset")) ||
		bytes.Contains(head, []byte("<sitemapindex"))
}

// joinURL resolves a possibly-relative sitemap reference against a host.
func joinURL(base, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return path
	}
	ref, err := url.Parse(strings.TrimLeft(path, "/"))
	if err != nil {
		return path
	}
	return u.ResolveReference(ref).String()
}
