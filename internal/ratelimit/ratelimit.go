// Package ratelimit provides the per-purpose fixed-window limiter
// shared by the turn endpoint and every tool adapter, plus a global
// token-bucket throttle for provider calls.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the synchronous outcome of an Admit call. Rejected calls
// are never retried by this package; the caller decides.
type Decision struct {
	// Allowed reports whether the call was admitted.
	Allowed bool
	// Remaining is the number of admissions left in the window.
	Remaining int
	// RetryAfter is how long until the window resets. Set on rejection.
	RetryAfter time.Duration
}

// window is one fixed counting window for a purpose:key pair.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts calls per (purpose, identity key) in fixed windows.
// All state is in-process; operations complete in constant time with
// no I/O.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit counts one call against purpose:identityKey. The first call in
// a window sets the reset time; calls are admitted while the count
// stays within maxCalls. The whole check-and-increment runs under the
// limiter lock so the counter never double-resets or double-increments
// at a window boundary.
func (l *Limiter) Admit(purpose, identityKey string, maxCalls int, windowDur time.Duration) Decision {
	if identityKey == "" {
		identityKey = "anon"
	}
	key := purpose + ":" + identityKey
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		// New window, or the old one expired: reset exactly once.
		w = &window{count: 0, resetAt: now.Add(windowDur)}
		l.windows[key] = w
	}

	w.count++
	if w.count <= maxCalls {
		return Decision{Allowed: true, Remaining: maxCalls - w.count}
	}
	return Decision{Allowed: false, RetryAfter: w.resetAt.Sub(now)}
}

// Sweep discards windows whose reset time has passed. Expired windows
// are also replaced lazily on next access, so sweeping is purely an
// optimization to bound memory.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
