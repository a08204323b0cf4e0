package session

import (
	"context"
	"sync"
	"time"
)

// DefaultMultimodalBound is the default cap on retained multimodal
// records per session.
const DefaultMultimodalBound = 20

// MemoryStore is the in-process authoritative Store.
// Each session key owns its own lock, so read-modify-write cycles on
// one session never block other sessions.
type MemoryStore struct {
	mu              sync.RWMutex
	entries         map[string]*memoryEntry
	multimodalBound int
	now             func() time.Time
	closed          bool
}

type memoryEntry struct {
	mu  sync.Mutex
	ctx *Context
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMultimodalBound caps the multimodal history length.
func WithMultimodalBound(k int) MemoryOption {
	return func(s *MemoryStore) {
		if k > 0 {
			s.multimodalBound = k
		}
	}
}

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an in-memory session context store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries:         make(map[string]*memoryEntry),
		multimodalBound: DefaultMultimodalBound,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get retrieves the context for a session key.
func (s *MemoryStore) Get(_ context.Context, sessionKey string) (*Context, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	e, ok := s.entries[sessionKey]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.Clone(), nil
}

// Update applies a patch atomically under the per-key lock, creating
// the context lazily on first write.
func (s *MemoryStore) Update(_ context.Context, sessionKey string, patch *Patch) (*Context, error) {
	if sessionKey == "" {
		return nil, ErrInvalidPatch
	}
	if err := patch.validate(); err != nil {
		return nil, err
	}

	e, err := s.entry(sessionKey)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.apply(e.ctx, patch)
	e.ctx.Version++
	e.ctx.UpdatedAt = s.now().UTC()

	return e.ctx.Clone(), nil
}

// entry returns the per-key entry, creating it if needed.
func (s *MemoryStore) entry(sessionKey string) (*memoryEntry, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	e, ok := s.entries[sessionKey]
	s.mu.RUnlock()
	if ok {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	// Double-check after acquiring write lock.
	if e, ok := s.entries[sessionKey]; ok {
		return e, nil
	}
	e = &memoryEntry{ctx: &Context{
		SessionKey: sessionKey,
		CreatedAt:  s.now().UTC(),
	}}
	s.entries[sessionKey] = e
	return e, nil
}

// apply mutates c under the per-key lock. Caller holds e.mu.
func (s *MemoryStore) apply(c *Context, p *Patch) {
	if p.Identity != nil && (c.Identity == nil || p.CorrectIdentity) {
		id := *p.Identity
		if id.ConsentedAt.IsZero() {
			id.ConsentedAt = s.now().UTC()
		}
		c.Identity = &id
	}
	if p.CompanyFacts != nil {
		c.CompanyFacts.merge(p.CompanyFacts)
	}
	if p.PersonFacts != nil {
		c.PersonFacts.merge(p.PersonFacts)
	}
	if p.InferredRole != "" && p.RoleConfidence > c.RoleConfidence {
		c.InferredRole = p.InferredRole
		c.RoleConfidence = p.RoleConfidence
	}
	if p.AppendCapability != nil {
		rec := *p.AppendCapability
		if rec.Timestamp.IsZero() {
			rec.Timestamp = s.now().UTC()
		}
		c.CapabilitiesUsed = append(c.CapabilitiesUsed, rec)
	}
	if p.AppendMultimodal != nil {
		rec := *p.AppendMultimodal
		if rec.Timestamp.IsZero() {
			rec.Timestamp = s.now().UTC()
		}
		c.MultimodalHistory = append(c.MultimodalHistory, rec)
		if over := len(c.MultimodalHistory) - s.multimodalBound; over > 0 {
			c.MultimodalHistory = append(
				c.MultimodalHistory[:0:0], c.MultimodalHistory[over:]...)
		}
	}
}

// Len reports the number of resident sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close marks the store closed. Deletion of individual contexts is a
// caller responsibility and not offered here.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
