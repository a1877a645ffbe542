package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/use-agent/mailgrab/models"
)

// defaultPriorityParts are the path tokens that mark a sitemap URL as worth
// visiting before falling back to a crawl.
const defaultPriorityParts = "contact,about,impress,impressum,kontakt,privacy,sales,investor,procurement,suppliers"

// MaxSitemapSize caps sitemap bodies before and after gzip decompression.
const MaxSitemapSize = 50 << 20 // 50 MiB

// Config holds all application configuration. Built once at startup and
// treated as immutable afterwards.
type Config struct {
	Search   SearchConfig
	HTTP     HTTPConfig
	Crawl    CrawlConfig
	Sitemap  SitemapConfig
	Browser  BrowserConfig
	Pipeline PipelineConfig
	Webhook  WebhookConfig
	Log      LogConfig
	Debug    DebugConfig
}

// SearchConfig controls the custom-search client.
type SearchConfig struct {
	// APIKey is the custom-search API key. Required.
	APIKey string

	// CXID is the custom-search engine identifier. Required.
	CXID string

	// SafeInterval is the minimum spacing between outbound search calls.
	SafeInterval time.Duration // default: 800ms

	// MaxRetries is the per-query retry budget.
	MaxRetries int // default: 5

	// FallbackEngines enables HTML scraping of alternative engines when the
	// primary client fails.
	FallbackEngines bool // default: false

	// CacheTTL bounds how long query results are reused. Zero disables caching.
	CacheTTL time.Duration // default: 15m
}

// HTTPConfig controls the outbound fetch layer.
type HTTPConfig struct {
	// ConnectTimeout and ReadTimeout are the per-request dial and total deadlines.
	ConnectTimeout time.Duration // default: 10s
	ReadTimeout    time.Duration // default: 20s

	// MaxRedirects caps redirect chains per call.
	MaxRedirects int // default: 5

	// MaxURLLength rejects URLs longer than this during validation.
	MaxURLLength int // default: 2000

	// MinCrawlDelay and MaxCrawlDelay parameterise the per-domain token bucket:
	// refill rate is 1/MinCrawlDelay, capacity is MaxCrawlDelay/MinCrawlDelay.
	MinCrawlDelay float64 // seconds; default: 0.5
	MaxCrawlDelay float64 // seconds; default: 2.0

	// AllowInsecureSSL enables the verify-off retry after TLS failures.
	AllowInsecureSSL bool // default: false

	// RetryCount and RetryDelay shape the per-request retry ladder.
	RetryCount int           // default: 2
	RetryDelay time.Duration // default: 1s

	// UserAgents is the pool rotated across requests. Never empty.
	UserAgents []string

	// Proxies is rotated across connections when non-empty.
	Proxies []string

	// BlockedHosts are host suffixes rejected by URL validation.
	// BlockedExtensions are path suffixes rejected by URL validation.
	// Both come from BLOCKED_DOMAINS: entries with a leading dot are
	// extensions, the rest host suffixes.
	BlockedHosts      []string
	BlockedExtensions []string
}

// CrawlConfig controls the fallback same-domain crawl.
type CrawlConfig struct {
	// MaxFallbackPages is the per-domain page quota shared by the sitemap
	// priority pass and the crawl.
	MaxFallbackPages int // default: 12

	// Workers is the number of fetch workers inside one crawl.
	Workers int // default: 4

	// ProcessPDFs keeps .pdf URLs in scope when enabled.
	ProcessPDFs bool // default: false
}

// SitemapConfig controls sitemap discovery and parsing.
type SitemapConfig struct {
	// Filenames probed under each candidate host, in order.
	Filenames []string

	// MaxURLsPerSitemap bounds the <loc> entries consumed across one
	// sitemap tree, including nested indexes.
	MaxURLsPerSitemap int // default: 10000

	// PriorityParts are the lowercase tokens that select priority URLs.
	PriorityParts []string
}

// BrowserConfig controls the headless render service.
type BrowserConfig struct {
	// RenderTimeout bounds navigation, IdleTimeout the extra network-idle wait.
	RenderTimeout time.Duration // default: 30s
	IdleTimeout   time.Duration // default: 5s

	// JSFallback enables rendering when static extraction finds nothing.
	JSFallback bool // default: true

	// MaxRenders recycles the browser after this many pages.
	MaxRenders int // default: 200

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string
}

// PipelineConfig controls the per-company orchestration.
type PipelineConfig struct {
	// MaxWorkers is the company-level worker pool size.
	MaxWorkers int // default: 4

	// DomainScoreThreshold accepts a candidate domain iff score >= threshold.
	DomainScoreThreshold int // default: 60

	// SaveDomainOnly emits a domain-only row for companies without emails.
	SaveDomainOnly bool // default: false
}

// WebhookConfig controls optional result delivery.
type WebhookConfig struct {
	// URL receives one JSON POST per finished company. Empty disables delivery.
	URL string

	// Secret signs payloads with HMAC-SHA256 when set.
	Secret string
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "text"
}

// DebugConfig controls fetched-body dumps.
type DebugConfig struct {
	// Enabled persists every GET body under Dir.
	Enabled bool   // default: false
	Dir     string // default: "debug_output"
}

// Load reads configuration from environment variables with sane defaults.
// Out-of-range numeric values are clamped with a warning.
func Load() *Config {
	blockedHosts, blockedExts := splitBlocked(envSliceOr("BLOCKED_DOMAINS", nil))

	return &Config{
		Search: SearchConfig{
			APIKey:          os.Getenv("GOOGLE_API_KEY"),
			CXID:            os.Getenv("GOOGLE_CX_ID"),
			SafeInterval:    secondsOf(clampFloat("GOOGLE_SAFE_INTERVAL", envFloatOr("GOOGLE_SAFE_INTERVAL", 0.8), 0.1, 10)),
			MaxRetries:      clampInt("GOOGLE_MAX_RETRIES", envIntOr("GOOGLE_MAX_RETRIES", 5), 1, 10),
			FallbackEngines: envBoolOr("SEARCH_FALLBACK_ENGINES", false),
			CacheTTL:        envDurationOr("SEARCH_CACHE_TTL", 15*time.Minute),
		},
		HTTP: HTTPConfig{
			ConnectTimeout:    secondsOf(float64(clampInt("CONNECTION_TIMEOUT", envIntOr("CONNECTION_TIMEOUT", 10), 1, 120))),
			ReadTimeout:       secondsOf(float64(clampInt("READ_TIMEOUT", envIntOr("READ_TIMEOUT", 20), 1, 120))),
			MaxRedirects:      clampInt("MAX_REDIRECTS", envIntOr("MAX_REDIRECTS", 5), 0, 100),
			MaxURLLength:      clampInt("MAX_URL_LENGTH", envIntOr("MAX_URL_LENGTH", 2000), 100, 10000),
			MinCrawlDelay:     clampFloat("MIN_CRAWL_DELAY", envFloatOr("MIN_CRAWL_DELAY", 0.5), 0.0, 60.0),
			MaxCrawlDelay:     clampFloat("MAX_CRAWL_DELAY", envFloatOr("MAX_CRAWL_DELAY", 2.0), 0.0, 60.0),
			AllowInsecureSSL:  envBoolOr("ALLOW_INSECURE_SSL", false),
			RetryCount:        clampInt("HTTP_RETRY_COUNT", envIntOr("HTTP_RETRY_COUNT", 2), 1, 10),
			RetryDelay:        envDurationOr("HTTP_RETRY_DELAY", time.Second),
			UserAgents:        envSliceOr("USER_AGENTS", defaultUserAgents()),
			Proxies:           envSliceOr("PROXIES", nil),
			BlockedHosts:      blockedHosts,
			BlockedExtensions: blockedExts,
		},
		Crawl: CrawlConfig{
			MaxFallbackPages: clampInt("MAX_FALLBACK_PAGES", envIntOr("MAX_FALLBACK_PAGES", 12), 1, 500),
			Workers:          clampInt("CRAWL_WORKERS", envIntOr("CRAWL_WORKERS", 4), 1, 16),
			ProcessPDFs:      envBoolOr("PROCESS_PDFS", false),
		},
		Sitemap: SitemapConfig{
			Filenames: envSliceOr("SITEMAP_FILENAMES", []string{
				"sitemap.xml", "sitemap_index.xml", "sitemap-index.xml", "sitemap1.xml",
			}),
			MaxURLsPerSitemap: clampInt("MAX_URLS_PER_SITEMAP", envIntOr("MAX_URLS_PER_SITEMAP", 10000), 1, 100000),
			PriorityParts:     lowerAll(envSliceOr("PRIORITY_PATH_PARTS", strings.Split(defaultPriorityParts, ","))),
		},
		Browser: BrowserConfig{
			RenderTimeout: envDurationOr("BROWSER_RENDER_TIMEOUT", 30*time.Second),
			IdleTimeout:   envDurationOr("BROWSER_IDLE_TIMEOUT", 5*time.Second),
			JSFallback:    envBoolOr("JS_FALLBACK", true),
			MaxRenders:    envIntOr("BROWSER_MAX_RENDERS", 200),
			NoSandbox:     envBoolOr("BROWSER_NO_SANDBOX", false),
			BrowserBin:    os.Getenv("BROWSER_BIN"),
		},
		Pipeline: PipelineConfig{
			MaxWorkers:           clampInt("MAX_WORKERS", envIntOr("MAX_WORKERS", 4), 1, 64),
			DomainScoreThreshold: clampInt("DOMAIN_SCORE_THRESHOLD", envIntOr("DOMAIN_SCORE_THRESHOLD", 60), 0, 100),
			SaveDomainOnly:       envBoolOr("SAVE_DOMAIN_ONLY", false),
		},
		Webhook: WebhookConfig{
			URL:    os.Getenv("WEBHOOK_URL"),
			Secret: os.Getenv("WEBHOOK_SECRET"),
		},
		Log: LogConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "text"),
		},
		Debug: DebugConfig{
			Enabled: envBoolOr("DEBUG_MODE", false),
			Dir:     envOr("DEBUG_DIR", "debug_output"),
		},
	}
}

// Validate reports fatal configuration problems. Called once at startup.
func (c *Config) Validate() error {
	var problems []string
	if c.Search.APIKey == "" {
		problems = append(problems, "GOOGLE_API_KEY is missing")
	}
	if c.Search.CXID == "" {
		problems = append(problems, "GOOGLE_CX_ID is missing")
	}
	if c.HTTP.MinCrawlDelay <= 0 {
		problems = append(problems, "MIN_CRAWL_DELAY must be positive")
	}
	if c.HTTP.MaxCrawlDelay < c.HTTP.MinCrawlDelay {
		problems = append(problems, "MAX_CRAWL_DELAY must be >= MIN_CRAWL_DELAY")
	}
	if len(c.HTTP.UserAgents) == 0 {
		problems = append(problems, "USER_AGENTS must not be empty")
	}
	if len(problems) > 0 {
		return models.NewScrapeError(models.ErrCodeConfig, strings.Join(problems, "; "), nil)
	}
	return nil
}

// splitBlocked separates BLOCKED_DOMAINS entries: a leading dot marks a path
// extension, anything else a host suffix.
func splitBlocked(entries []string) (hosts, exts []string) {
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if strings.HasPrefix(e, ".") {
			exts = append(exts, e)
		} else {
			hosts = append(hosts, e)
		}
	}
	return hosts, exts
}

func defaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_4) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:124.0) Gecko/20100101 Firefox/124.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 OPR/100.0.0.0",
		"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
		"Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1",
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if t := strings.ToLower(strings.TrimSpace(s)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func secondsOf(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func clampInt(name string, v, min, max int) int {
	if v < min {
		slog.Warn("config value below minimum, clamping", "var", name, "value", v, "min", min)
		return min
	}
	if v > max {
		slog.Warn("config value above maximum, clamping", "var", name, "value", v, "max", max)
		return max
	}
	return v
}

func clampFloat(name string, v, min, max float64) float64 {
	if v < min {
		slog.Warn("config value below minimum, clamping", "var", name, "value", fmt.Sprintf("%g", v), "min", fmt.Sprintf("%g", min))
		return min
	}
	if v > max {
		slog.Warn("config value above maximum, clamping", "var", name, "value", fmt.Sprintf("%g", v), "max", fmt.Sprintf("%g", max))
		return max
	}
	return v
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
