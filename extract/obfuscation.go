package extract

import (
	"encoding/base64"
	"regexp"
	"strconv"
	"strings"

	"github.com/use-agent/mailgrab/models"
)

// reObfEmail matches "user [at] example [dot] com" style spellings: a local
// part, an obfuscated at, then labels joined by obfuscated dots.
var reObfEmail = regexp.MustCompile(`(?i)([A-Za-z0-9._%+-]+)\s*(?:\[\s*at\s*\]|\(\s*at\s*\)|\bat\b)\s*((?:[A-Za-z0-9-]+(?:\s*(?:\[\s*dot\s*\]|\(\s*dot\s*\)|\bdot\b)\s*[A-Za-z0-9-]+)+))`)

var (
	reObfDot    = regexp.MustCompile(`(?i)\[\s*dot\s*\]|\(\s*dot\s*\)|\bdot\b`)
	reDotSpaces = regexp.MustCompile(`\s*\.\s*`)
	reCharCode  = regexp.MustCompile(`fromCharCode\(([^)]+)\)`)
	reAlphaRun  = regexp.MustCompile(`[A-Za-z]{30,}`)
	reBase64    = regexp.MustCompile(`'([A-Za-z0-9+/=]{40,})'`)
)

// Deobfuscate rewrites at/dot spellings into literal addresses. Text without
// the full user-at-host-dot-label shape is left untouched.
func Deobfuscate(text string) string {
	return reObfEmail.ReplaceAllStringFunc(text, func(m string) string {
		parts := reObfEmail.FindStringSubmatch(m)
		if len(parts) < 3 {
			return m
		}
		host := reObfDot.ReplaceAllString(parts[2], ".")
		host = reDotSpaces.ReplaceAllString(host, ".")
		return parts[1] + "@" + host
	})
}

// decodeCFEmail reverses Cloudflare's email obfuscation: the first hex byte
// is the XOR key for every following byte.
func decodeCFEmail(cf string) (string, error) {
	if len(cf) < 4 || len(cf)%2 != 0 {
		return "", models.NewScrapeError(models.ErrCodeEmailInvalid, "malformed cfemail payload", nil)
	}
	key, err := strconv.ParseUint(cf[:2], 16, 8)
	if err != nil {
		return "", models.NewScrapeError(models.ErrCodeEmailInvalid, "bad cfemail key", err)
	}
	var b strings.Builder
	for i := 2; i < len(cf); i += 2 {
		v, err := strconv.ParseUint(cf[i:i+2], 16, 8)
		if err != nil {
			return "", models.NewScrapeError(models.ErrCodeEmailInvalid, "bad cfemail byte", err)
		}
		b.WriteByte(byte(v) ^ byte(key))
	}
	return b.String(), nil
}

// appendCharCodeDecodings decodes JavaScript fromCharCode(...) payloads and
// appends the resulting text to b.
func appendCharCodeDecodings(b *strings.Builder, htmlText string) {
	for _, m := range reCharCode.FindAllStringSubmatch(htmlText, -1) {
		var decoded []rune
		for _, part := range strings.Split(m[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 0 || n > 0x10FFFF {
				continue
			}
			decoded = append(decoded, rune(n))
		}
		if len(decoded) > 0 {
			b.WriteByte(' ')
			b.WriteString(string(decoded))
		}
	}
}

// appendROT13Decodings appends the ROT13 transform of every long alphabetic
// run, catching spelled-out addresses hidden behind the cipher.
func appendROT13Decodings(b *strings.Builder, htmlText string) {
	for _, block := range reAlphaRun.FindAllString(htmlText, -1) {
		b.WriteByte(' ')
		b.WriteString(rot13(block))
	}
}

// appendBase64Decodings decodes long quoted base64 strings and appends any
// valid UTF-8 they contain.
func appendBase64Decodings(b *strings.Builder, htmlText string) {
	for _, m := range reBase64.FindAllStringSubmatch(htmlText, -1) {
		decoded, err := base64.StdEncoding.DecodeString(m[1])
		if err != nil {
			continue
		}
		b.WriteByte(' ')
		b.WriteString(strings.ToValidUTF8(string(decoded), ""))
	}
}

func rot13(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return 'a' + (r-'a'+13)%26
		case r >= 'A' && r <= 'Z':
			return 'A' + (r-'A'+13)%26
		}
		return r
	}, s)
}
