package extract

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/idna"

	"github.com/use-agent/mailgrab/models"
)

// reEmail matches local@host candidates. Word boundaries are enforced in
// findEmails because RE2 has no lookaround.
var reEmail = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@(?:[A-Z0-9-]+\.)+[A-Z]{2,63}`)

var (
	reAssetExt = regexp.MustCompile(`(?i)\.(?:png|jpe?g|gif)$`)
	reLongHex  = regexp.MustCompile(`(?i)^[0-9a-f]{20,}$`)
)

// throwawayDomains are placeholder hosts that never belong to a real lead.
var throwawayDomains = map[string]struct{}{
	"example.com":     {},
	"test.com":        {},
	"domain.com":      {},
	"email.com":       {},
	"yourcompany.com": {},
	"company.com":     {},
	"localhost":       {},
}

// roleAccounts are local-part markers for automated mailboxes.
var roleAccounts = []string{
	"noreply@",
	"donotreply@",
	"no-reply@",
	"webmaster@",
	"hostmaster@",
	"postmaster@",
}

// Extractor finds, cleans and validates email addresses in text and HTML.
// The zero value is not usable; construct with NewExtractor.
type Extractor struct {
	allowTestDomains bool
}

// NewExtractor returns an Extractor with the full validation rules enabled.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// AllowTestDomains disables the throwaway-domain blacklist so fixtures using
// example.com addresses survive validation.
func (e *Extractor) AllowTestDomains() {
	e.allowTestDomains = true
}

// FromText scans plain text for email addresses, applying the at/dot
// deobfuscation pass first. Every hit is cleaned and validated.
func (e *Extractor) FromText(text, pageURL string) models.EmailSet {
	hits := models.NewEmailSet()
	if text == "" {
		return hits
	}
	for _, raw := range findEmails(Deobfuscate(text)) {
		cleaned, err := e.Clean(raw)
		if err != nil {
			slog.Debug("dropping email candidate", "raw", raw, "err", err)
			continue
		}
		hits.Add(cleaned)
	}
	if pageURL != "" {
		slog.Debug("text extraction finished", "emails", len(hits), "url", pageURL)
	}
	return hits
}

// FromHTML extracts addresses from an HTML document: the visible text is
// scanned like plain text, then mailto: hrefs are collected separately so
// addresses hidden from the rendered text still surface.
func (e *Extractor) FromHTML(htmlText, pageURL string) models.EmailSet {
	hits := e.FromText(VisibleText([]byte(htmlText)), "")

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlText))
	if err == nil {
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			if len(href) < 7 || !strings.EqualFold(href[:7], "mailto:") {
				return
			}
			cleaned, err := e.Clean(href)
			if err != nil {
				slog.Debug("dropping mailto candidate", "href", href, "err", err)
				return
			}
			hits.Add(cleaned)
		})
	}

	if pageURL != "" {
		slog.Debug("html extraction finished", "emails", len(hits), "url", pageURL)
	}
	return hits
}

// Clean normalises a raw candidate: trims whitespace and a mailto: prefix,
// drops any ?query suffix, strips trailing punctuation from the host,
// IDNA-decodes it and lowercases the result. The cleaned address must pass
// Valid or an error is returned.
func (e *Extractor) Clean(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if len(email) >= 7 && strings.EqualFold(email[:7], "mailto:") {
		email = email[7:]
	}
	if i := strings.Index(email, "?"); i >= 0 {
		email = email[:i]
	}

	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", models.NewScrapeError(models.ErrCodeEmailInvalid, "no @ in "+raw, nil)
	}
	local, host := email[:at], email[at+1:]
	host = strings.TrimRight(strings.TrimSpace(host), "%;,:)}]>\"'`")
	if decoded, err := idna.ToUnicode(host); err == nil && decoded != "" {
		host = decoded
	}

	cleaned := strings.ToLower(local + "@" + host)
	if !e.Valid(cleaned) {
		return "", models.NewScrapeError(models.ErrCodeEmailInvalid, "rejected after cleaning: "+cleaned, nil)
	}
	return cleaned, nil
}

// Valid applies the structural and content rules to an already-cleaned
// address: local part at most 64 chars, dotted host at most 255 chars, no
// throwaway domains, no role accounts, no asset filenames or long hex blobs,
// and the host must survive an IDNA round trip.
func (e *Extractor) Valid(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	local, host := email[:at], email[at+1:]
	if local == "" || len(local) > 64 {
		return false
	}
	if host == "" || len(host) > 255 || !strings.Contains(host, ".") {
		return false
	}
	if !e.allowTestDomains {
		if _, bad := throwawayDomains[strings.ToLower(host)]; bad {
			return false
		}
	}
	lower := strings.ToLower(email)
	for _, marker := range roleAccounts {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	if reAssetExt.MatchString(local) || reAssetExt.MatchString(host) {
		return false
	}
	if reLongHex.MatchString(local) || reLongHex.MatchString(host) {
		return false
	}
	if _, err := idna.Lookup.ToASCII(host); err != nil {
		return false
	}
	return true
}

// findEmails returns all regex matches whose neighbouring characters are not
// email characters, emulating lookaround boundaries.
func findEmails(text string) []string {
	var out []string
	for _, loc := range reEmail.FindAllStringIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 && isEmailChar(text[start-1]) {
			continue
		}
		if end < len(text) && isEmailChar(text[end]) {
			continue
		}
		out = append(out, text[start:end])
	}
	return out
}

func isEmailChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '%', c == '+', c == '-':
		return true
	}
	return false
}
