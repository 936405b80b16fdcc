// Package ratelimit spaces transaction submissions by a fixed interval.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter issues permits no closer together than the configured interval.
// A caller that falls behind schedule does not earn a burst: the next
// permit is always at least one interval after the previous one was taken.
type Limiter struct {
	mu             sync.Mutex
	nextPermitTime time.Time
	interval       time.Duration
}

// New creates a Limiter. A non-positive interval never blocks.
func New(interval time.Duration) *Limiter {
	if interval < 0 {
		interval = 0
	}
	return &Limiter{
		nextPermitTime: time.Now(),
		interval:       interval,
	}
}

// Wait blocks until a permit is available or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := time.Now()
	permitTime := l.nextPermitTime
	if permitTime.Before(now) {
		permitTime = now
	}
	l.nextPermitTime = permitTime.Add(l.interval)
	l.mu.Unlock()

	waitDuration := permitTime.Sub(now)
	if waitDuration <= 0 {
		return nil
	}

	timer := time.NewTimer(waitDuration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the permit spacing.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}
