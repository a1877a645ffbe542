package fetch

import (
	"sort"
	"sync"
)

// Stats counts outbound request outcomes for the run summary.
type Stats struct {
	mu         sync.Mutex
	total      int64
	skipped    int64
	noResponse int64
	byStatus   map[int]int64
}

// NewStats returns an empty counter set.
func NewStats() *Stats {
	return &Stats{byStatus: make(map[int]int64)}
}

func (s *Stats) incTotal() {
	s.mu.Lock()
	s.total++
	s.mu.Unlock()
}

func (s *Stats) incSkipped() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

func (s *Stats) incStatus(code int) {
	s.mu.Lock()
	s.byStatus[code]++
	s.mu.Unlock()
}

func (s *Stats) incNoResponse() {
	s.mu.Lock()
	s.noResponse++
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	// Total counts every attempted request, Skipped the URLs dropped before
	// any network activity, NoResponse the requests that never got an answer.
	Total      int64
	Skipped    int64
	NoResponse int64

	// ByStatus maps final HTTP status to occurrence count.
	ByStatus map[int]int64
}

// Errors counts failed outcomes: no-response plus every status >= 400.
func (sn Snapshot) Errors() int64 {
	n := sn.NoResponse
	for code, c := range sn.ByStatus {
		if code >= 400 {
			n += c
		}
	}
	return n
}

// Statuses returns the recorded status codes in ascending order.
func (sn Snapshot) Statuses() []int {
	codes := make([]int, 0, len(sn.ByStatus))
	for code := range sn.ByStatus {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	by := make(map[int]int64, len(s.byStatus))
	for k, v := range s.byStatus {
		by[k] = v
	}
	return Snapshot{
		Total:      s.total,
		Skipped:    s.skipped,
		NoResponse: s.noResponse,
		ByStatus:   by,
	}
}
