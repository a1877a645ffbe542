package fetch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/use-agent/mailgrab/models"
)

var reForbiddenScheme = regexp.MustCompile(`(?i)^(file|data|javascript):`)

// Canonicalise reduces a URL to its canonical form: lowercase scheme and host,
// leading "www." stripped from the host, trailing slash stripped from the path
// (bare paths become "/"), query and fragment dropped. Canonical equality
// defines "same page" for deduplication. Idempotent.
func Canonicalise(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", models.NewScrapeError(models.ErrCodeInvalidURL, "unparseable URL", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	path := strings.TrimRight(u.Path, "/")
	if path == "" {
		path = "/"
	}
	return (&url.URL{
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		Path:   path,
	}).String(), nil
}

// Validator rejects URLs before any network activity happens.
type Validator struct {
	maxURLLength      int
	blockedHosts      []string
	blockedExtensions []string
	processPDFs       bool
}

// NewValidator builds a Validator from the configured limits and block lists.
func NewValidator(maxURLLength int, blockedHosts, blockedExtensions []string, processPDFs bool) *Validator {
	return &Validator{
		maxURLLength:      maxURLLength,
		blockedHosts:      blockedHosts,
		blockedExtensions: blockedExtensions,
		processPDFs:       processPDFs,
	}
}

// Validate returns a typed error when the URL must not be fetched: empty,
// over-long, non-http(s), hostless, a forbidden scheme, or matching a blocked
// host suffix or path extension. ".pdf" counts as blocked unless PDF
// processing is enabled.
func (v *Validator) Validate(rawURL string) error {
	if rawURL == "" {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "empty URL", nil)
	}
	if len(rawURL) > v.maxURLLength {
		return models.NewScrapeError(models.ErrCodeInvalidURL,
			fmt.Sprintf("URL longer than %d chars", v.maxURLLength), nil)
	}
	if reForbiddenScheme.MatchString(rawURL) {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "forbidden scheme", nil)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "unparseable URL", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "scheme must be http or https", nil)
	}
	if u.Host == "" {
		return models.NewScrapeError(models.ErrCodeInvalidURL, "missing host", nil)
	}

	host := strings.ToLower(u.Host)
	for _, suffix := range v.blockedHosts {
		if strings.HasSuffix(host, suffix) {
			return models.NewScrapeError(models.ErrCodeBlockedURL, "blocked host "+host, nil)
		}
	}
	path := strings.ToLower(u.Path)
	for _, ext := range v.blockedExtensions {
		if strings.HasSuffix(path, ext) {
			return models.NewScrapeError(models.ErrCodeBlockedURL, "blocked extension "+ext, nil)
		}
	}
	if !v.processPDFs && strings.HasSuffix(path, ".pdf") {
		return models.NewScrapeError(models.ErrCodeBlockedURL, "pdf processing disabled", nil)
	}
	return nil
}

// nakedHost lowercases a host and strips a leading "www." and any port.
// Used as the key for token buckets, page budgets and variant memory.
func nakedHost(host string) string {
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i > -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.TrimPrefix(host, "www.")
}
