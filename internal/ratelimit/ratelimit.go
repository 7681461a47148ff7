// Package ratelimit bounds upstream API call volume within a rolling window.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks consumed calls against a fixed ceiling within a rolling
// window. Allow is a pure check; callers must invoke Record only after an
// upstream call actually happened, so cache hits never consume quota.
// The window resets lazily on each check rather than via a background timer.
type Limiter struct {
	max    int
	window time.Duration

	mu          sync.Mutex
	count       int
	windowStart time.Time
	now         func() time.Time
}

// New creates a limiter allowing max calls per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether another upstream call fits in the current window.
// It does not consume quota.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	return l.count < l.max
}

// Record consumes one unit of quota for a completed upstream call.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	l.count++
}

// Count returns the calls consumed in the current window.
func (l *Limiter) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.roll()
	return l.count
}

// roll resets the counter when the window has elapsed. Callers must hold
// the mutex.
func (l *Limiter) roll() {
	now := l.now()
	if l.windowStart.IsZero() {
		l.windowStart = now
		return
	}
	if now.Sub(l.windowStart) >= l.window {
		l.count = 0
		l.windowStart = now
	}
}
