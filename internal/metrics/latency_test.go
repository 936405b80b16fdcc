package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestLatencyTracker_Basic(t *testing.T) {
	tr := NewLatencyTracker(0)

	for i := 0; i < 100; i++ {
		tr.Add(float64(i))
	}

	stats := tr.Stats()
	if stats == nil {
		t.Fatal("expected non-nil stats")
	}
	if stats.Count != 100 {
		t.Errorf("expected count 100, got %d", stats.Count)
	}
	if stats.Min != 0 || stats.Max != 99 {
		t.Errorf("expected min 0 max 99, got %f %f", stats.Min, stats.Max)
	}
	if math.Abs(stats.Avg-49.5) > 0.1 {
		t.Errorf("expected avg ~49.5, got %f", stats.Avg)
	}
	if math.Abs(stats.P50-49.5) > 0.01 {
		t.Errorf("expected p50 49.5, got %f", stats.P50)
	}
	if stats.P99 < stats.P95 || stats.P95 < stats.P50 {
		t.Errorf("percentiles not monotonic: %+v", stats)
	}
}

func TestLatencyTracker_Empty(t *testing.T) {
	if stats := NewLatencyTracker(0).Stats(); stats != nil {
		t.Error("expected nil stats for empty tracker")
	}
}

func TestLatencyTracker_Observe(t *testing.T) {
	tr := NewLatencyTracker(0)
	tr.Observe(1500 * time.Microsecond)

	stats := tr.Stats()
	if stats.Min != 1.5 {
		t.Errorf("expected 1.5ms, got %f", stats.Min)
	}
}

func TestLatencyTracker_Buckets(t *testing.T) {
	tr := NewLatencyTracker(0)

	samples := map[float64]int{5: 10, 20: 5, 100: 3, 500: 2, 3000: 1}
	for ms, n := range samples {
		for i := 0; i < n; i++ {
			tr.Add(ms)
		}
	}

	stats := tr.Stats()
	want := []int{10, 5, 3, 2, 1}
	if len(stats.Buckets) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(stats.Buckets))
	}
	for i, n := range want {
		if stats.Buckets[i].Count != n {
			t.Errorf("bucket %s: expected %d, got %d", stats.Buckets[i].Label, n, stats.Buckets[i].Count)
		}
	}
}

func TestLatencyTracker_ReservoirBounded(t *testing.T) {
	tr := NewLatencyTracker(50)
	for i := 0; i < 1000; i++ {
		tr.Add(float64(i))
	}

	if len(tr.reservoir) != 50 {
		t.Errorf("expected reservoir of 50, got %d", len(tr.reservoir))
	}
	stats := tr.Stats()
	if stats.Count != 1000 {
		t.Errorf("expected count 1000, got %d", stats.Count)
	}
	if stats.Max != 999 {
		t.Errorf("max is exact regardless of sampling, got %f", stats.Max)
	}
}

func TestLatencyTracker_Concurrent(t *testing.T) {
	tr := NewLatencyTracker(0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				tr.Add(float64(id*100 + j%100))
			}
		}(i)
	}
	wg.Wait()

	if got := tr.Count(); got != 10000 {
		t.Errorf("expected count 10000, got %d", got)
	}
}

func TestLatencyTracker_Reset(t *testing.T) {
	tr := NewLatencyTracker(0)
	for i := 0; i < 100; i++ {
		tr.Add(float64(i))
	}

	tr.Reset()

	if tr.Stats() != nil {
		t.Error("expected nil stats after reset")
	}
	if tr.Count() != 0 {
		t.Errorf("expected count 0 after reset, got %d", tr.Count())
	}
}

func BenchmarkLatencyTracker_Add(b *testing.B) {
	tr := NewLatencyTracker(0)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tr.Add(float64(i % 1000))
	}
}
