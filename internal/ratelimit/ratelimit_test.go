package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a mutable time source for deterministic window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestAdmitWithinWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	// Five allowed, the sixth rejected with a positive retry hint.
	for i := 0; i < 5; i++ {
		d := l.Admit("tool:search", "sess-1", 5, time.Minute)
		if !d.Allowed {
			t.Fatalf("call %d rejected, want allowed", i+1)
		}
		if d.Remaining != 4-i {
			t.Errorf("call %d Remaining = %d, want %d", i+1, d.Remaining, 4-i)
		}
	}

	d := l.Admit("tool:search", "sess-1", 5, time.Minute)
	if d.Allowed {
		t.Fatal("sixth call allowed, want rejected")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestAdmitWindowReset(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		l.Admit("chat", "sess-1", 2, time.Minute)
	}
	if d := l.Admit("chat", "sess-1", 2, time.Minute); d.Allowed {
		t.Fatal("over-cap call allowed before reset")
	}

	clock.Advance(time.Minute)

	d := l.Admit("chat", "sess-1", 2, time.Minute)
	if !d.Allowed {
		t.Fatal("first call after reset rejected")
	}
	if d.Remaining != 1 {
		t.Errorf("Remaining = %d, want 1 (count restarted)", d.Remaining)
	}
}

func TestAdmitKeysIndependent(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	l.Admit("tool:search", "sess-1", 1, time.Minute)
	if d := l.Admit("tool:search", "sess-1", 1, time.Minute); d.Allowed {
		t.Fatal("sess-1 over cap but allowed")
	}
	if d := l.Admit("tool:search", "sess-2", 1, time.Minute); !d.Allowed {
		t.Fatal("sess-2 rejected by sess-1's window")
	}
	if d := l.Admit("tool:translate", "sess-1", 1, time.Minute); !d.Allowed {
		t.Fatal("different purpose rejected by search window")
	}
}

func TestAdmitAnonymousFallback(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	l.Admit("voice", "", 1, time.Minute)
	if d := l.Admit("voice", "", 1, time.Minute); d.Allowed {
		t.Fatal("anonymous callers must share one window")
	}
}

// Never more than maxCalls admissions in one window, even with
// concurrent callers hammering the boundary.
func TestAdmitConcurrent(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	const callers = 32
	const maxCalls = 10

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Admit("chat", "sess-1", maxCalls, time.Minute); d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != maxCalls {
		t.Errorf("admitted = %d, want exactly %d", got, maxCalls)
	}
}

func TestAdmitConcurrentAtBoundary(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	// Fill and expire a window.
	for i := 0; i < 4; i++ {
		l.Admit("chat", "sess-1", 3, time.Minute)
	}
	clock.Advance(time.Minute)

	// Concurrent callers at the boundary: exactly one reset wins, so
	// exactly maxCalls are admitted in the fresh window.
	const callers = 16
	const maxCalls = 3

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Admit("chat", "sess-1", maxCalls, time.Minute); d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != maxCalls {
		t.Errorf("admitted after boundary = %d, want exactly %d", got, maxCalls)
	}
}

func TestSweep(t *testing.T) {
	clock := newFakeClock()
	l := New(WithClock(clock.Now))

	l.Admit("chat", "a", 5, time.Minute)
	l.Admit("chat", "b", 5, 2*time.Minute)
	if l.Len() != 2 {
		t.Fatalf("Len = %d, want 2", l.Len())
	}

	clock.Advance(time.Minute)

	if removed := l.Sweep(); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if l.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", l.Len())
	}
}

func TestThrottleAllow(t *testing.T) {
	// One token, no refill worth speaking of within the test.
	th := NewThrottle(0.001, 0.001, 1)

	if !th.Allow("sess-1") {
		t.Fatal("first call not allowed")
	}
	if th.Allow("sess-1") {
		t.Fatal("second call allowed, bucket should be empty")
	}
}

func TestThrottleWaitCancelled(t *testing.T) {
	th := NewThrottle(0.001, 0.001, 1)
	th.Allow("sess-1") // drain

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := th.Wait(ctx, "sess-1"); err == nil {
		t.Fatal("Wait returned nil, want context error")
	}
}
