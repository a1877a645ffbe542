package fetch

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/use-agent/mailgrab/models"
)

// maxVisited bounds the per-session loop-guard set. When it overflows the
// whole set is dropped, trading a few re-fetches for bounded memory.
const maxVisited = 1000

var errTooManyRedirects = errors.New("too many redirects")

// Session is one worker's view of the fetch layer: a shared cookie jar
// across the secure and insecure clients, plus the loop-guard set of
// canonical URLs already fetched. Not safe for concurrent use.
type Session struct {
	client   *Client
	secure   *http.Client
	insecure *http.Client
	visited  map[string]struct{}
}

func newSession(c *Client) *Session {
	jar, _ := cookiejar.New(nil)
	redirectCap := c.cfg.HTTP.MaxRedirects
	checkRedirect := func(req *http.Request, via []*http.Request) error {
		if len(via) >= redirectCap {
			return errTooManyRedirects
		}
		return nil
	}
	return &Session{
		client: c,
		secure: &http.Client{
			Transport:     c.secure,
			Jar:           jar,
			CheckRedirect: checkRedirect,
			Timeout:       c.cfg.HTTP.ReadTimeout,
		},
		insecure: &http.Client{
			Transport:     c.insecure,
			Jar:           jar,
			CheckRedirect: checkRedirect,
			Timeout:       c.cfg.HTTP.ReadTimeout,
		},
		visited: make(map[string]struct{}),
	}
}

// Get fetches a URL through the full safety ladder: validation, variant
// rewriting, per-domain pacing, the loop guard, retries with exponential
// backoff, and the www/plain-http/insecure-TLS fallbacks. A nil error means
// a 2xx response.
func (s *Session) Get(ctx context.Context, rawURL string) (*Response, error) {
	return s.do(ctx, http.MethodGet, rawURL)
}

// Head issues a HEAD request with the same retry ladder as Get but without
// pacing, the loop guard, or any bookkeeping of visited URLs. Probes must
// never consume a domain's request budget.
func (s *Session) Head(ctx context.Context, rawURL string) (*Response, error) {
	return s.do(ctx, http.MethodHead, rawURL)
}

func (s *Session) do(ctx context.Context, method, rawURL string) (*Response, error) {
	c := s.client
	if err := c.validator.Validate(rawURL); err != nil {
		c.stats.incSkipped()
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		c.stats.incSkipped()
		return nil, models.NewScrapeError(models.ErrCodeInvalidURL, "unparseable URL", err)
	}
	domain := nakedHost(u.Host)

	// Rewrite to the known-good scheme/host variant when a previous fetch
	// from this domain only succeeded after a fallback.
	if base := c.memory.Get(domain); base != "" {
		if rewritten, ok := rewriteBase(rawURL, base); ok && rewritten != rawURL {
			slog.Debug("rewriting to known-good variant", "url", rawURL, "variant", rewritten)
			rawURL = rewritten
		}
	}

	canon, err := Canonicalise(rawURL)
	if err != nil {
		c.stats.incSkipped()
		return nil, err
	}

	head := method == http.MethodHead
	if !head {
		if _, seen := s.visited[canon]; seen {
			c.stats.incSkipped()
			return nil, models.NewScrapeError(models.ErrCodeRedirectLoop, "already fetched "+canon, nil)
		}
		if err := c.domains.Wait(ctx, domain); err != nil {
			return nil, models.NewScrapeError(models.ErrCodeTimeout, "pacing interrupted for "+domain, err)
		}
	}

	c.stats.incTotal()
	ua := c.randomUA()
	retries := c.cfg.HTTP.RetryCount
	delay := c.cfg.HTTP.RetryDelay

	var resp *Response
	var lastErr error
attempts:
	for attempt := 0; attempt < retries; attempt++ {
		resp, lastErr = s.exec(ctx, s.secure, method, rawURL, ua)
		switch {
		case lastErr == nil && is2xx(resp):
			break attempts
		case lastErr == nil && retryableStatus(resp.StatusCode):
			slog.Warn("retryable status", "url", rawURL, "status", resp.StatusCode, "attempt", attempt+1)
		case lastErr == nil:
			// Non-retryable status: more attempts would get the same answer.
			lastErr = models.NewScrapeError(models.ErrCodeHTTPStatus,
				fmt.Sprintf("status %d for %s", resp.StatusCode, rawURL), nil)
			break attempts
		case ctx.Err() != nil:
			break attempts
		case isTLSError(lastErr):
			if attempt == retries-1 && c.cfg.HTTP.AllowInsecureSSL {
				slog.Warn("retrying without certificate verification", "url", rawURL)
				if r, err := s.exec(ctx, s.insecure, method, rawURL, ua); err == nil && is2xx(r) {
					resp, lastErr = r, nil
					break attempts
				}
			}
		case models.CodeOf(lastErr) == models.ErrCodeNetwork || models.CodeOf(lastErr) == models.ErrCodeTimeout:
			// Connection-level failure: probe the www and plain-http
			// variants before burning another attempt on the same address.
			if r, variant := s.tryFallbacks(ctx, method, rawURL, ua); r != nil {
				resp, lastErr = r, nil
				if base := baseOf(variant); base != "" {
					c.memory.Set(domain, base)
				}
				break attempts
			}
		}
		if attempt < retries-1 {
			if err := sleepCtx(ctx, delay<<attempt); err != nil {
				break attempts
			}
		}
	}

	if resp != nil {
		c.stats.incStatus(resp.StatusCode)
	} else {
		c.stats.incNoResponse()
	}

	if lastErr == nil && resp != nil && !is2xx(resp) {
		lastErr = models.NewScrapeError(models.ErrCodeHTTPStatus,
			fmt.Sprintf("status %d for %s after %d attempts", resp.StatusCode, rawURL, retries), nil)
	}
	if lastErr == nil && resp == nil {
		lastErr = models.NewScrapeError(models.ErrCodeNetwork, "no response for "+rawURL, nil)
	}
	if lastErr != nil {
		return nil, lastErr
	}

	if !head {
		s.visited[canon] = struct{}{}
		if finalCanon, err := Canonicalise(resp.FinalURL); err == nil {
			s.visited[finalCanon] = struct{}{}
		}
		if len(s.visited) > maxVisited {
			s.visited = make(map[string]struct{})
		}
		c.dumper.Save(rawURL, resp.Body)
	}
	return resp, nil
}

// exec performs a single HTTP exchange and fully drains the body.
func (s *Session) exec(ctx context.Context, hc *http.Client, method, rawURL, ua string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeInvalidURL, "build request for "+rawURL, err)
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "identity") // gzip sitemaps are unpacked downstream

	httpResp, err := hc.Do(req)
	if err != nil {
		return nil, classifyErr(rawURL, err)
	}
	defer httpResp.Body.Close()

	var body []byte
	if method != http.MethodHead {
		body, err = io.ReadAll(io.LimitReader(httpResp.Body, maxFetchBytes))
		if err != nil {
			return nil, classifyErr(rawURL, err)
		}
	}
	return &Response{
		URL:        rawURL,
		FinalURL:   httpResp.Request.URL.String(),
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

// tryFallbacks probes the www-prefixed and the plain-http variant of a URL
// that failed at the connection level. Returns the first 2xx response and
// the variant that produced it.
func (s *Session) tryFallbacks(ctx context.Context, method, rawURL, ua string) (*Response, string) {
	for _, variant := range []string{withWWW(rawURL), withHTTPScheme(rawURL)} {
		if variant == "" {
			continue
		}
		slog.Debug("trying fallback variant", "url", rawURL, "variant", variant)
		if r, err := s.exec(ctx, s.secure, method, variant, ua); err == nil && is2xx(r) {
			return r, variant
		}
	}
	return nil, ""
}

func is2xx(r *Response) bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// retryableStatus matches the statuses worth another attempt: rate limiting
// and server-side errors.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// withWWW returns the URL with a "www." host prefix, or "" when the host
// already has one.
func withWWW(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || strings.HasPrefix(strings.ToLower(u.Host), "www.") {
		return ""
	}
	u.Host = "www." + u.Host
	return u.String()
}

// withHTTPScheme downgrades an https URL to http, or returns "" for
// anything else.
func withHTTPScheme(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.EqualFold(u.Scheme, "https") {
		return ""
	}
	u.Scheme = "http"
	return u.String()
}

// rewriteBase swaps the scheme and host of rawURL for those of base,
// keeping path and query intact.
func rewriteBase(rawURL, base string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" || b.Host == "" {
		return "", false
	}
	u.Scheme = b.Scheme
	u.Host = b.Host
	return u.String(), true
}

func baseOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func classifyErr(rawURL string, err error) error {
	switch {
	case errors.Is(err, errTooManyRedirects):
		return models.NewScrapeError(models.ErrCodeRedirectLoop, "too many redirects for "+rawURL, err)
	case isTimeoutErr(err):
		return models.NewScrapeError(models.ErrCodeTimeout, "request timed out for "+rawURL, err)
	case isTLSError(err):
		return models.NewScrapeError(models.ErrCodeTLS, "tls handshake failed for "+rawURL, err)
	default:
		return models.NewScrapeError(models.ErrCodeNetwork, "request failed for "+rawURL, err)
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// isTLSError recognises certificate verification and handshake failures so
// the ladder can decide between the insecure retry and the host fallbacks.
func isTLSError(err error) bool {
	var hostnameErr x509.HostnameError
	var unknownAuth x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	if errors.As(err, &hostnameErr) || errors.As(err, &unknownAuth) || errors.As(err, &certInvalid) {
		return true
	}
	if code := models.CodeOf(err); code == models.ErrCodeTLS {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:") || strings.Contains(msg, "certificate")
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
