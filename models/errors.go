package models

import (
	"errors"
	"fmt"
)

// Error codes attached to ScrapeError. The pipeline matches on these when
// converting failures into run statistics.
const (
	ErrCodeConfig       = "CONFIG_INVALID"
	ErrCodeInvalidURL   = "URL_INVALID"
	ErrCodeBlockedURL   = "URL_BLOCKED"
	ErrCodeHTTPStatus   = "HTTP_STATUS"
	ErrCodeTLS          = "TLS_FAILURE"
	ErrCodeNetwork      = "NETWORK_FAILED"
	ErrCodeTimeout      = "TIMEOUT"
	ErrCodeRedirectLoop = "REDIRECT_LOOP"
	ErrCodeBrowser      = "BROWSER_FAILED"
	ErrCodeSearch       = "SEARCH_FAILED"
	ErrCodeSearchQuota  = "SEARCH_QUOTA_EXCEEDED"
	ErrCodeSitemap      = "SITEMAP_INVALID"
	ErrCodeScoring      = "DOMAIN_SCORING_FAILED"
	ErrCodeEmailInvalid = "EMAIL_INVALID"
	ErrCodeCrawl        = "CRAWL_FAILED"
	ErrCodeProcessing   = "PROCESSING_FAILED"
)

// ScrapeError is the internal error type carrying an error code.
// It implements the error interface and supports error wrapping via Unwrap.
type ScrapeError struct {
	Code    string
	Message string
	Err     error // wrapped original error
}

func (e *ScrapeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ScrapeError) Unwrap() error {
	return e.Err
}

// NewScrapeError creates a new ScrapeError.
func NewScrapeError(code, message string, err error) *ScrapeError {
	return &ScrapeError{Code: code, Message: message, Err: err}
}

// CodeOf returns the error code of err, or empty when err carries none.
func CodeOf(err error) string {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
