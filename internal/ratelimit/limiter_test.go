package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiterNew(t *testing.T) {
	if got := New(10 * time.Millisecond).Interval(); got != 10*time.Millisecond {
		t.Errorf("expected interval 10ms, got %v", got)
	}
	if got := New(-time.Second).Interval(); got != 0 {
		t.Errorf("expected negative interval to clamp to 0, got %v", got)
	}
}

func TestLimiterWaitImmediate(t *testing.T) {
	l := New(time.Second)

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("expected near-instant first wait, got %v", elapsed)
	}
}

func TestLimiterZeroIntervalNeverBlocks(t *testing.T) {
	l := New(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("expected no pacing, took %v", elapsed)
	}
}

func TestLimiterSpacing(t *testing.T) {
	l := New(20 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	// Permits at 0, 20, 40, 60, 80ms.
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Errorf("expected at least ~80ms for 5 permits, got %v", elapsed)
	}
}

func TestLimiterNoCatchUpBurst(t *testing.T) {
	l := New(20 * time.Millisecond)
	ctx := context.Background()

	_ = l.Wait(ctx)
	time.Sleep(100 * time.Millisecond) // fall behind by several intervals

	_ = l.Wait(ctx)
	start := time.Now()
	_ = l.Wait(ctx)
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("expected the permit after a stall to be spaced, got %v", elapsed)
	}
}

func TestLimiterWaitCancellation(t *testing.T) {
	l := New(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	_ = l.Wait(ctx)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if err := l.Wait(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLimiterWaitAlreadyCancelled(t *testing.T) {
	l := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}
