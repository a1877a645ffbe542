package extract

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/use-agent/mailgrab/fetch"
	"github.com/use-agent/mailgrab/models"
)

// renderMemoMax bounds the per-URL render result memo.
const renderMemoMax = 256

// Renderer turns a URL into post-JavaScript HTML. The browser service
// implements it; tests substitute fakes.
type Renderer interface {
	Render(ctx context.Context, url string) (string, error)
}

// Hybrid combines the static extractor with an optional rendered retry:
// when a page yields nothing statically and the JS fallback is enabled, the
// URL is rendered in the browser and scanned again. URLs already handled
// during this run are skipped. Safe for concurrent use.
type Hybrid struct {
	static   *Extractor
	renderer Renderer
	useJS    bool

	mu       sync.Mutex
	seen     map[string]struct{}
	rendered map[string]models.EmailSet
}

// NewHybrid builds a Hybrid around the static extractor. renderer may be nil,
// which disables the rendered retry regardless of useJS.
func NewHybrid(static *Extractor, renderer Renderer, useJS bool) *Hybrid {
	return &Hybrid{
		static:   static,
		renderer: renderer,
		useJS:    useJS,
		seen:     make(map[string]struct{}),
		rendered: make(map[string]models.EmailSet),
	}
}

// Static exposes the underlying static extractor.
func (h *Hybrid) Static() *Extractor { return h.static }

// FromURL fetches the URL through the caller's session and extracts emails
// from it. Each URL is processed at most once per run; repeats return an
// empty set immediately.
func (h *Hybrid) FromURL(ctx context.Context, s *fetch.Session, rawURL string) models.EmailSet {
	h.mu.Lock()
	if _, dup := h.seen[rawURL]; dup {
		h.mu.Unlock()
		slog.Debug("skipping already-extracted url", "url", rawURL)
		return models.NewEmailSet()
	}
	h.seen[rawURL] = struct{}{}
	h.mu.Unlock()

	resp, err := s.Get(ctx, rawURL)
	if err != nil || !resp.IsHTML() {
		return models.NewEmailSet()
	}
	return h.extract(ctx, string(resp.Body), rawURL)
}

// FromResponse extracts emails from an already-fetched response without
// issuing another request. Non-HTML responses yield an empty set.
func (h *Hybrid) FromResponse(ctx context.Context, resp *fetch.Response) models.EmailSet {
	if resp == nil || !resp.IsHTML() {
		return models.NewEmailSet()
	}
	return h.extract(ctx, string(resp.Body), resp.URL)
}

func (h *Hybrid) extract(ctx context.Context, htmlText, pageURL string) models.EmailSet {
	hits := h.StaticPass(htmlText, pageURL)
	if len(hits) > 0 || !h.useJS || h.renderer == nil {
		return hits
	}
	return h.renderAndExtract(ctx, pageURL)
}

// StaticPass runs the full static pipeline over one HTML document:
// cfemail tags short-circuit, then one text scan over the visible text plus
// every decoded script payload, then the HTML pass for mailto links.
func (h *Hybrid) StaticPass(htmlText, pageURL string) models.EmailSet {
	hits := models.NewEmailSet()

	// ── 1. Cloudflare-obfuscated addresses ──────────────────────────────
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText)); err == nil {
		doc.Find("[data-cfemail]").Each(func(_ int, sel *goquery.Selection) {
			cf, _ := sel.Attr("data-cfemail")
			raw, err := decodeCFEmail(cf)
			if err != nil {
				return
			}
			if cleaned, err := h.static.Clean(raw); err == nil {
				hits.Add(cleaned)
			}
		})
		if len(hits) > 0 {
			slog.Debug("cfemail hits", "count", len(hits), "url", pageURL)
			return hits
		}
	}

	// ── 2. Candidate text: visible text plus decoded payloads ───────────
	var b strings.Builder
	b.WriteString(VisibleText([]byte(htmlText)))
	appendCharCodeDecodings(&b, htmlText)
	appendROT13Decodings(&b, htmlText)
	appendBase64Decodings(&b, htmlText)

	// ── 3. Single text pass over the combined candidates ────────────────
	hits = h.static.FromText(b.String(), pageURL)
	if len(hits) > 0 {
		return hits
	}

	// ── 4. HTML pass picks up mailto links the text scan cannot see ─────
	return h.static.FromHTML(htmlText, pageURL)
}

// renderAndExtract renders the page and re-runs the static pass on the
// result. Successful renders are memoised per URL.
func (h *Hybrid) renderAndExtract(ctx context.Context, pageURL string) models.EmailSet {
	h.mu.Lock()
	if cached, ok := h.rendered[pageURL]; ok {
		h.mu.Unlock()
		return cached
	}
	h.mu.Unlock()

	slog.Info("rendering page for extraction", "url", pageURL)
	rendered, err := h.renderer.Render(ctx, pageURL)
	if err != nil {
		slog.Warn("render fallback failed", "url", pageURL, "err", err)
		return models.NewEmailSet()
	}
	hits := h.StaticPass(rendered, pageURL)

	h.mu.Lock()
	if len(h.rendered) >= renderMemoMax {
		for k := range h.rendered {
			delete(h.rendered, k)
			break
		}
	}
	h.rendered[pageURL] = hits
	h.mu.Unlock()
	return hits
}
