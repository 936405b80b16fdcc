// Package metrics exposes sealerbench's Prometheus metrics and latency
// summaries for injection runs.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// LatencyBucket is one histogram bucket of a LatencyStats.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats summarises submission latencies in milliseconds.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`
	Max     float64         `json:"max"`
	Avg     float64         `json:"avg"`
	P50     float64         `json:"p50"`
	P95     float64         `json:"p95"`
	P99     float64         `json:"p99"`
	Buckets []LatencyBucket `json:"buckets"`
}

// DefaultReservoirSize bounds the samples kept for percentile estimation.
const DefaultReservoirSize = 10000

// Submission latency bucket bounds in milliseconds.
var submitBounds = []float64{10, 50, 250, 1000}

var submitLabels = []string{"0-10ms", "10-50ms", "50-250ms", "250ms-1s", "1s+"}

// LatencyTracker estimates percentiles over an unbounded stream of samples
// with reservoir sampling (Algorithm R). Safe for concurrent use.
type LatencyTracker struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	reservoir []float64
	size      int
	buckets   []int64

	// xorshift64* state, per instance
	rnd uint64
}

// NewLatencyTracker creates a tracker holding at most size samples. A
// non-positive size selects DefaultReservoirSize.
func NewLatencyTracker(size int) *LatencyTracker {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &LatencyTracker{
		min:       math.MaxFloat64,
		reservoir: make([]float64, 0, min(size, 1024)),
		size:      size,
		buckets:   make([]int64, len(submitLabels)),
		rnd:       0x9E3779B97F4A7C15,
	}
}

// Observe records one latency.
func (t *LatencyTracker) Observe(d time.Duration) {
	t.Add(float64(d) / float64(time.Millisecond))
}

// Add records one latency in milliseconds.
func (t *LatencyTracker) Add(ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count++
	t.sum += ms
	t.min = math.Min(t.min, ms)
	t.max = math.Max(t.max, ms)
	t.buckets[bucketOf(ms)]++

	if len(t.reservoir) < t.size {
		t.reservoir = append(t.reservoir, ms)
		return
	}
	if j := t.next() % uint64(t.count); j < uint64(t.size) {
		t.reservoir[j] = ms
	}
}

func bucketOf(ms float64) int {
	for i, bound := range submitBounds {
		if ms < bound {
			return i
		}
	}
	return len(submitBounds)
}

func (t *LatencyTracker) next() uint64 {
	t.rnd ^= t.rnd >> 12
	t.rnd ^= t.rnd << 25
	t.rnd ^= t.rnd >> 27
	return t.rnd * 0x2545F4914F6CDD1D
}

// Stats returns the current summary, or nil before the first sample.
func (t *LatencyTracker) Stats() *LatencyStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return nil
	}

	sorted := append([]float64(nil), t.reservoir...)
	sort.Float64s(sorted)

	stats := &LatencyStats{
		Count: int(t.count),
		Min:   t.min,
		Max:   t.max,
		Avg:   t.sum / float64(t.count),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
	}
	for i, label := range submitLabels {
		stats.Buckets = append(stats.Buckets, LatencyBucket{Label: label, Count: int(t.buckets[i])})
	}
	return stats
}

// percentile interpolates linearly between the closest ranks.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	if lower+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// Count returns the number of samples recorded.
func (t *LatencyTracker) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Reset clears all samples.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count = 0
	t.sum = 0
	t.min = math.MaxFloat64
	t.max = 0
	t.reservoir = t.reservoir[:0]
	clear(t.buckets)
}
