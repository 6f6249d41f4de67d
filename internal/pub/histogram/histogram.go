// Package histogram records latency samples in one-second buckets and answers
// percentile queries over them.
package histogram

import (
	"math"
	"sync"
	"time"
)

// Options bounds the representable range of a Histogram.
type Options struct {
	// Min and Max clamp every sample.
	Min time.Duration
	Max time.Duration
	// Default is returned by Percentile while no sample is held.
	Default time.Duration
}

// DefaultOptions covers ack deadlines accepted by the broker.
func DefaultOptions() Options {
	return Options{
		Min:     10 * time.Second,
		Max:     600 * time.Second,
		Default: 10 * time.Second,
	}
}

// Histogram is a bounded multiset of latency samples with second resolution.
// It is safe for concurrent use.
type Histogram struct {
	mu      sync.Mutex
	min     int
	max     int
	def     time.Duration
	buckets []int
	length  int
}

// New creates an empty Histogram. Max is raised to Min when smaller.
func New(opts Options) *Histogram {
	lo := int(math.Ceil(opts.Min.Seconds()))
	hi := int(math.Ceil(opts.Max.Seconds()))
	if lo < 0 {
		lo = 0
	}
	if hi < lo {
		hi = lo
	}

	return &Histogram{
		min:     lo,
		max:     hi,
		def:     opts.Default,
		buckets: make([]int, hi-lo+1),
	}
}

// Add records a sample, rounded up to the next second and clamped to the range.
func (h *Histogram) Add(d time.Duration) {
	v := int(math.Ceil(d.Seconds()))
	v = max(h.min, min(h.max, v))

	h.mu.Lock()
	h.buckets[v-h.min]++
	h.length++
	h.mu.Unlock()
}

// Percentile returns the largest recorded value v such that more than
// 100-p percent of the samples are greater than or equal to v. p is clamped
// to [0, 100].
func (h *Histogram) Percentile(p float64) time.Duration {
	p = max(0, min(100, p))

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.length == 0 {
		return h.def
	}

	// walk down from the top until the tail above the percentile is consumed
	target := float64(h.length) - float64(h.length)*(p/100)
	for i := len(h.buckets) - 1; i >= 0; i-- {
		if h.buckets[i] == 0 {
			continue
		}
		target -= float64(h.buckets[i])
		if target <= 0 {
			return time.Duration(i+h.min) * time.Second
		}
	}

	return time.Duration(h.min) * time.Second
}

// Len returns the number of samples held.
func (h *Histogram) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.length
}

// Reset drops every sample.
func (h *Histogram) Reset() {
	h.mu.Lock()
	clear(h.buckets)
	h.length = 0
	h.mu.Unlock()
}
