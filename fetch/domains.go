package fetch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// domainState is the per-domain shared state: the pacing bucket, the number
// of successfully fetched pages, in-flight reservations against the page
// budget, and an optional custom page limit.
type domainState struct {
	limiter  *rate.Limiter
	pages    int
	inflight int
	limit    int // 0 means "no custom limit"
}

// DomainRegistry owns all per-domain state for the lifetime of the process.
// Entries are created lazily on first use and never evicted: the page budget
// must survive idle periods.
type DomainRegistry struct {
	mu      sync.Mutex
	domains map[string]*domainState
	rate    rate.Limit
	burst   int
}

// NewDomainRegistry derives the bucket parameters from the crawl delays:
// refill rate 1/minDelay tokens per second, capacity maxDelay/minDelay.
func NewDomainRegistry(minDelay, maxDelay float64) *DomainRegistry {
	burst := int(maxDelay / minDelay)
	if burst < 1 {
		burst = 1
	}
	return &DomainRegistry{
		domains: make(map[string]*domainState),
		rate:    rate.Limit(1.0 / minDelay),
		burst:   burst,
	}
}

func (r *DomainRegistry) state(domain string) *domainState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.domains[domain]
	if !ok {
		st = &domainState{limiter: rate.NewLimiter(r.rate, r.burst)}
		r.domains[domain] = st
	}
	return st
}

// Wait consumes one token from the domain's bucket, blocking for the minimum
// time needed when the bucket is empty. Returns early on context cancellation.
func (r *DomainRegistry) Wait(ctx context.Context, domain string) error {
	return r.state(domain).limiter.Wait(ctx)
}

// SetLimit installs a custom page limit for the domain.
func (r *DomainRegistry) SetLimit(domain string, limit int) {
	st := r.state(domain)
	r.mu.Lock()
	st.limit = limit
	r.mu.Unlock()
}

// LimitFor returns the domain's custom page limit, or fallback when none is set.
func (r *DomainRegistry) LimitFor(domain string, fallback int) int {
	st := r.state(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.limit > 0 {
		return st.limit
	}
	return fallback
}

// Reserve claims one slot of the domain's page budget ahead of a fetch.
// It fails when committed pages plus in-flight reservations have reached
// limit, so the budget holds even with concurrent workers. Every successful
// Reserve must be paired with a Commit.
func (r *DomainRegistry) Reserve(domain string, limit int) bool {
	st := r.state(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.pages+st.inflight >= limit {
		return false
	}
	st.inflight++
	return true
}

// Commit releases a reservation. Only successful fetches consume budget:
// failures return their slot.
func (r *DomainRegistry) Commit(domain string, fetched bool) (pages int) {
	st := r.state(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	if st.inflight > 0 {
		st.inflight--
	}
	if fetched {
		st.pages++
	}
	return st.pages
}

// Pages reports how many pages have been fetched from the domain.
func (r *DomainRegistry) Pages(domain string) int {
	st := r.state(domain)
	r.mu.Lock()
	defer r.mu.Unlock()
	return st.pages
}
