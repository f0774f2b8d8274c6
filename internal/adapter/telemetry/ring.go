package telemetry

import (
	"math"
	"sort"
	"time"
)

// latencyRing is a bounded replace-oldest sample buffer. Not safe for
// concurrent use; the owning pair's mutex guards it.
type latencyRing struct {
	samples []time.Duration
	next    int
	full    bool
}

func newLatencyRing(capacity int) *latencyRing {
	if capacity < 1 {
		capacity = 1
	}
	return &latencyRing{samples: make([]time.Duration, capacity)}
}

func (r *latencyRing) Add(v time.Duration) {
	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *latencyRing) Len() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

// Sorted returns a sorted copy of the live samples.
func (r *latencyRing) Sorted() []time.Duration {
	n := r.Len()
	out := make([]time.Duration, n)
	copy(out, r.samples[:n])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// percentile returns S[ceil(n*p)-1] over a sorted sample, clamped to the
// valid index range. Empty samples yield zero.
func percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}
