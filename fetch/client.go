package fetch

import (
	"context"
	stdtls "crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/use-agent/mailgrab/config"
)

// maxFetchBytes caps how much of any response body is read into memory.
// One byte above the sitemap ceiling so oversized sitemaps are detectable.
const maxFetchBytes = config.MaxSitemapSize + 1

// chromeH1Spec builds a Chrome-like TLS ClientHello with ALPN forced to
// http/1.1 only. A fresh spec is built per connection: utls extension
// structs carry per-handshake state, so a ClientHelloSpec must not be
// reused across connections.
func chromeH1Spec() (tls.ClientHelloSpec, error) {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return tls.ClientHelloSpec{}, err
	}
	// Replace h2 with http/1.1 only in the ALPN extension so the server
	// never negotiates HTTP/2 (which Go's http.Transport cannot handle
	// over a utls connection).
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	return spec, nil
}

// Response is the outcome of a successful fetch. Body is fully read and the
// underlying connection returned to the pool before the caller sees it.
type Response struct {
	URL        string // URL that was requested (after variant rewriting)
	FinalURL   string // URL after redirects
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header.
func (r *Response) ContentType() string { return r.Header.Get("Content-Type") }

// IsHTML reports whether the response looks like an HTML document.
func (r *Response) IsHTML() bool {
	ct := strings.ToLower(r.ContentType())
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// Client owns the shared fetch machinery: transports, per-domain pacing and
// page budgets, the known-good variant memory, request statistics and the
// optional debug dumper. Workers obtain independent Sessions from it; the
// Client itself is safe for concurrent use.
type Client struct {
	cfg       *config.Config
	validator *Validator
	domains   *DomainRegistry
	memory    *VariantMemory
	stats     *Stats
	dumper    *Dumper
	secure    *http.Transport
	insecure  *http.Transport
}

// New builds a Client from the configuration. The secure transport presents
// a Chrome-like TLS fingerprint; the insecure one skips certificate
// verification and is only used for the last-attempt TLS fallback.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg:       cfg,
		validator: NewValidator(cfg.HTTP.MaxURLLength, cfg.HTTP.BlockedHosts, cfg.HTTP.BlockedExtensions, cfg.Crawl.ProcessPDFs),
		domains:   NewDomainRegistry(cfg.HTTP.MinCrawlDelay, cfg.HTTP.MaxCrawlDelay),
		memory:    NewVariantMemory(time.Hour),
		stats:     NewStats(),
		dumper:    NewDumper(cfg.Debug.Dir, cfg.Debug.Enabled),
		secure:    newTransport(cfg, false),
		insecure:  newTransport(cfg, true),
	}
}

// newTransport builds an http.Transport with the utls ClientHello for direct
// connections. Proxied requests go through CONNECT and use the standard TLS
// stack instead, so TLSClientConfig carries the verify setting for both paths.
func newTransport(cfg *config.Config, skipVerify bool) *http.Transport {
	connectTimeout := cfg.HTTP.ConnectTimeout
	t := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			dialer := &net.Dialer{Timeout: connectTimeout}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host, InsecureSkipVerify: skipVerify}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("fetch: apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		ForceAttemptHTTP2:   false,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	if skipVerify {
		t.TLSClientConfig = &stdtls.Config{InsecureSkipVerify: true}
	}
	if proxies := cfg.HTTP.Proxies; len(proxies) > 0 {
		t.Proxy = func(*http.Request) (*url.URL, error) {
			return proxyURL(proxies[rand.Intn(len(proxies))])
		}
	}
	return t
}

// proxyURL normalises a proxy list entry. Bare host:port entries are
// assumed to be plain HTTP proxies.
func proxyURL(entry string) (*url.URL, error) {
	if !strings.Contains(entry, "://") {
		entry = "http://" + entry
	}
	return url.Parse(entry)
}

// Session returns a new fetch session with its own cookie jar and its own
// redirect-loop guard. Sessions are not safe for concurrent use; each
// pipeline worker holds one.
func (c *Client) Session() *Session {
	return newSession(c)
}

// Validate checks a URL against the configured scheme, length and blocklist
// rules without fetching it.
func (c *Client) Validate(rawURL string) error {
	return c.validator.Validate(rawURL)
}

// Domains exposes the per-domain pacing and page-budget registry.
func (c *Client) Domains() *DomainRegistry { return c.domains }

// StatsSnapshot returns a point-in-time copy of the request counters.
func (c *Client) StatsSnapshot() Snapshot { return c.stats.Snapshot() }

// Close releases idle connections and stops the variant-memory janitor.
func (c *Client) Close() {
	c.secure.CloseIdleConnections()
	c.insecure.CloseIdleConnections()
	c.memory.Stop()
}

// randomUA picks a user agent for one logical request. All retry attempts
// and host fallbacks within that request reuse the same identity.
func (c *Client) randomUA() string {
	uas := c.cfg.HTTP.UserAgents
	if len(uas) == 0 {
		return ""
	}
	return uas[rand.Intn(len(uas))]
}
