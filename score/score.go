// Package score rates how well a candidate domain matches a company name,
// using fuzzy string similarity over the registrable-domain parts.
package score

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
	"golang.org/x/net/publicsuffix"

	"github.com/use-agent/mailgrab/models"
)

const (
	// socialPenalty is subtracted when the host belongs to a social or
	// aggregator site that search engines love to rank above company sites.
	socialPenalty = 25

	// minCompanyLength is the shortest cleaned name that still scores
	// reliably; anything shorter gets a neutral score.
	minCompanyLength = 3

	neutralScore = 50
)

// penaltyDomains are hosts that are almost never the company's own site.
var penaltyDomains = []string{
	"linkedin.com", "facebook.com", "instagram.com", "twitter.com",
	"youtube.com", "medium.com", "github.com", "glassdoor.com",
	"indeed.com", "crunchbase.com", "bloomberg.com", "wikipedia.org",
}

// legalSuffixes are stripped from the end of a company name before
// comparison. Only the first match is removed.
var legalSuffixes = []string{
	" inc", " inc.", " incorporated", " llc", " ltd", " ltd.", " limited",
	" gmbh", " ag", " corp", " corp.", " corporation", " co", " co.",
}

var reNonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// Scorer decides domain relevance against a configurable threshold.
type Scorer struct {
	threshold int
}

// NewScorer returns a Scorer that accepts domains scoring at least threshold.
func NewScorer(threshold int) *Scorer {
	return &Scorer{threshold: threshold}
}

// CleanCompanyName lowercases a company name, strips one trailing legal
// suffix and removes everything that is not a letter or digit.
func CleanCompanyName(company string) string {
	cleaned := strings.ToLower(company)
	for _, suffix := range legalSuffixes {
		if strings.HasSuffix(cleaned, suffix) {
			cleaned = strings.TrimSuffix(cleaned, suffix)
			break
		}
	}
	return reNonAlnum.ReplaceAllString(cleaned, "")
}

// NormaliseDomain reduces a URL to its bare host: lowercase, no "www."
// prefix, no port. Bare domains without a scheme are accepted, with or
// without a port or path.
func NormaliseDomain(rawURL string) string {
	host := rawURL
	// Schemeless host:port input fails url.Parse; treat it as a bare host.
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
		if host == "" {
			host = u.Path
		}
	}
	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host
}

// ScoreDomain rates how well a URL's host matches the company name, 0-100.
// The better of the registrable-domain and subdomain similarity wins;
// social and aggregator hosts lose socialPenalty points.
func (s *Scorer) ScoreDomain(company, rawURL string) (int, error) {
	if company == "" || rawURL == "" {
		return 0, nil
	}
	host := NormaliseDomain(rawURL)
	if host == "" {
		return 0, models.NewScrapeError(models.ErrCodeScoring, "no host in "+rawURL, nil)
	}

	base := CleanCompanyName(company)
	if len(base) < minCompanyLength {
		slog.Warn("company name too short for reliable scoring", "company", company)
		return neutralScore, nil
	}

	penalty := 0
	for _, pd := range penaltyDomains {
		if strings.Contains(host, pd) {
			penalty = socialPenalty
			slog.Debug("penalising aggregator host", "host", host, "match", pd)
			break
		}
	}

	sub, dom := splitHost(host)
	score := partial(base, dom)
	if sc := partial(base, sub); sc > score {
		score = sc
	}
	final := score - penalty
	if final < 0 {
		final = 0
	}
	slog.Debug("scored domain", "company", company, "host", host,
		"score", final, "raw", score, "penalty", penalty)
	return final, nil
}

// BestDomain scores every search hit and returns the highest; on ties the
// earliest hit wins. A zero value comes back when nothing was scorable.
func (s *Scorer) BestDomain(company string, hits []models.SearchHit) models.ScoredDomain {
	best := models.ScoredDomain{}
	for _, h := range hits {
		if h.Link == "" {
			continue
		}
		sc, err := s.ScoreDomain(company, h.Link)
		if err != nil {
			slog.Warn("domain scoring failed", "url", h.Link, "err", err)
			continue
		}
		if best.URL == "" || sc > best.Score {
			best = models.ScoredDomain{Score: sc, URL: h.Link}
		}
	}
	if best.URL != "" {
		slog.Debug("best domain", "company", company, "url", best.URL, "score", best.Score)
	}
	return best
}

// IsRelevant reports whether the URL scores at or above the threshold.
func (s *Scorer) IsRelevant(company, rawURL string) bool {
	sc, err := s.ScoreDomain(company, rawURL)
	if err != nil {
		slog.Warn("relevance check failed", "company", company, "url", rawURL, "err", err)
		return false
	}
	if sc < s.threshold {
		slog.Info("domain score below threshold",
			"score", sc, "threshold", s.threshold, "url", rawURL, "company", company)
		return false
	}
	return true
}

// splitHost separates the host into subdomain and registrable-domain parts
// using the public suffix list: "shop.acme.co.uk" yields ("shop", "acme").
// Hosts without a recognised suffix are treated as a bare domain.
func splitHost(host string) (subdomain, domain string) {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", host
	}
	suffix, _ := publicsuffix.PublicSuffix(host)
	domain = strings.TrimSuffix(etld1, "."+suffix)
	subdomain = strings.TrimSuffix(strings.TrimSuffix(host, etld1), ".")
	return subdomain, domain
}

func partial(a, b string) int {
	if a == "" || b == "" {
		return 0
	}
	return fuzzy.PartialRatio(a, b)
}
