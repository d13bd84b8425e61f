package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most limit calls in any window-long span.
// Admitted timestamps live in a ring sized to limit, oldest at head.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu    sync.Mutex
	stamp []time.Time
	head  int
	count int
}

// NewSlidingWindowLimiter builds a limiter. A non-positive window or limit
// yields a limiter that admits everything.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	l := &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
	if l.enabled() {
		l.stamp = make([]time.Time, limit)
	}
	return l
}

func (l *SlidingWindowLimiter) enabled() bool {
	return l != nil && l.limit > 0 && l.window > 0
}

// Allow records a call and reports whether it fits in the window.
func (l *SlidingWindowLimiter) Allow() bool {
	if !l.enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.expireLocked(now)
	if l.count == l.limit {
		return false
	}
	l.stamp[(l.head+l.count)%l.limit] = now
	l.count++
	return true
}

// RetryAfter reports how long until the next call would be admitted.
func (l *SlidingWindowLimiter) RetryAfter() time.Duration {
	if !l.enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.expireLocked(now)
	if l.count < l.limit {
		return 0
	}
	return l.stamp[l.head].Add(l.window).Sub(now)
}

func (l *SlidingWindowLimiter) expireLocked(now time.Time) {
	cutoff := now.Add(-l.window)
	for l.count > 0 && !l.stamp[l.head].After(cutoff) {
		l.head = (l.head + 1) % l.limit
		l.count--
	}
}
