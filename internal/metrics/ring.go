package metrics

import (
	"time"

	"github.com/webscrape/fetchcore/internal/errs"
)

// Metric is the immutable in-memory form of a recorded request outcome.
type Metric struct {
	Timestamp    time.Time
	URL          string
	Method       string
	Success      bool
	Duration     time.Duration
	ProxyID      *int
	ErrorKind    errs.Kind
	ContentLen   int
	AttemptCount int
	RequestID    string
}

// ring is a bounded, age-evicting buffer of Metric. It is not safe for
// concurrent use on its own — Recorder serializes access with its own
// mutex. Live contents are entries[start:]; evicting from the front just
// advances start instead of reslicing the backing array, so push stays
// O(1) amortized even though eviction happens at the low end. start is
// compacted back to 0 once it grows past half the backing array so the
// array doesn't grow without bound.
type ring struct {
	entries []Metric
	start   int
	max     int
}

func newRing(max int) *ring {
	return &ring{entries: make([]Metric, 0, max), max: max}
}

// push appends m, evicting the oldest entry if the ring is at capacity.
func (r *ring) push(m Metric) {
	if len(r.entries)-r.start >= r.max {
		r.start++
	}
	r.entries = append(r.entries, m)
	r.compact()
}

// evictOlderThan drops every entry whose timestamp is before cutoff.
func (r *ring) evictOlderThan(cutoff time.Time) {
	for r.start < len(r.entries) && r.entries[r.start].Timestamp.Before(cutoff) {
		r.start++
	}
	r.compact()
}

// compact reclaims the skipped prefix once it grows past half of the
// backing array, keeping that array from growing without bound as entries
// are evicted from the front over the ring's lifetime.
func (r *ring) compact() {
	if r.start == 0 || r.start < cap(r.entries)/2 {
		return
	}
	n := copy(r.entries, r.entries[r.start:])
	r.entries = r.entries[:n]
	r.start = 0
}

// live returns the ring's current contents, oldest first.
func (r *ring) live() []Metric { return r.entries[r.start:] }

func (r *ring) len() int { return len(r.entries) - r.start }
