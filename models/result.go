package models

import "sort"

// SearchHit is one result returned by the search client.
type SearchHit struct {
	// Title is the result headline.
	Title string `json:"title"`

	// Link is the absolute result URL.
	Link string `json:"link"`

	// DisplayHost is the host the search engine displayed for the result.
	DisplayHost string `json:"display_host,omitempty"`
}

// ScoredDomain pairs a candidate URL with its fit score against a company name.
type ScoredDomain struct {
	Score int    `json:"score"`
	URL   string `json:"url"`
}

// CompanyResult is the outcome of processing one input company.
type CompanyResult struct {
	// Company is the input name, unmodified.
	Company string `json:"company"`

	// Domain is the winning normalised domain; empty when none was accepted.
	Domain string `json:"domain,omitempty"`

	// Emails holds the validated addresses found on the domain, sorted.
	Emails []string `json:"emails"`
}

// Row is one output record. Rows are deduplicated on all three fields.
type Row struct {
	Company string `json:"company"`
	Domain  string `json:"domain"`
	Email   string `json:"email,omitempty"`
}

// EmailSet is a set of cleaned email addresses.
type EmailSet map[string]struct{}

// NewEmailSet builds a set from the given addresses.
func NewEmailSet(emails ...string) EmailSet {
	s := make(EmailSet, len(emails))
	for _, e := range emails {
		s[e] = struct{}{}
	}
	return s
}

// Add inserts an address into the set.
func (s EmailSet) Add(email string) {
	s[email] = struct{}{}
}

// Union inserts every address from other into the set.
func (s EmailSet) Union(other EmailSet) {
	for e := range other {
		s[e] = struct{}{}
	}
}

// Contains reports whether the address is in the set.
func (s EmailSet) Contains(email string) bool {
	_, ok := s[email]
	return ok
}

// Sorted returns the set's addresses in ascending order.
func (s EmailSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for e := range s {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}
