package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle bounds the aggregate rate of provider calls across all
// sessions, with an extra per-identity bucket so one visitor can't
// starve the global allowance.
type Throttle struct {
	global  *rate.Limiter
	perKey  map[string]*rate.Limiter
	mu      sync.RWMutex
	keyRate float64
	burst   int
}

// NewThrottle creates a throttle. globalPerSecond bounds all provider
// calls together; perKeyPerSecond bounds each identity.
func NewThrottle(globalPerSecond, perKeyPerSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		global:  rate.NewLimiter(rate.Limit(globalPerSecond), burst),
		perKey:  make(map[string]*rate.Limiter),
		keyRate: perKeyPerSecond,
		burst:   burst,
	}
}

// Wait blocks until a provider call may proceed or ctx is done.
func (t *Throttle) Wait(ctx context.Context, identityKey string) error {
	if err := t.global.Wait(ctx); err != nil {
		return fmt.Errorf("global provider throttle: %w", err)
	}
	if err := t.limiter(identityKey).Wait(ctx); err != nil {
		return fmt.Errorf("identity provider throttle: %w", err)
	}
	return nil
}

// Allow reports whether a call may proceed right now.
func (t *Throttle) Allow(identityKey string) bool {
	if !t.global.Allow() {
		return false
	}
	return t.limiter(identityKey).Allow()
}

func (t *Throttle) limiter(identityKey string) *rate.Limiter {
	t.mu.RLock()
	lim, ok := t.perKey[identityKey]
	t.mu.RUnlock()
	if ok {
		return lim
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if lim, ok := t.perKey[identityKey]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(t.keyRate), t.burst)
	t.perKey[identityKey] = lim
	return lim
}
