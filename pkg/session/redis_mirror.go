package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// factsSnapshot is the durable slice of a context: identity and
// research facts. Rate, idempotency, and capability state stay
// in-process per the resource model.
type factsSnapshot struct {
	Identity       *Identity `json:"identity,omitempty"`
	CompanyFacts   Facts     `json:"companyFacts"`
	PersonFacts    Facts     `json:"personFacts"`
	InferredRole   string    `json:"inferredRole,omitempty"`
	RoleConfidence float64   `json:"roleConfidence,omitempty"`
	Version        int64     `json:"version"`
}

// RedisMirror persists research facts across process restarts.
// It is strictly best-effort: mirror failures are logged and never
// surface to the caller of the store.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default: "concierge:facts:").
	Prefix string
	// TTL is the snapshot expiry (0 = never expire).
	TTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisMirror connects to Redis and verifies the connection.
func NewRedisMirror(cfg RedisConfig) (*RedisMirror, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "concierge:facts:"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisMirror{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// NewRedisMirrorFromClient wraps an existing client. Useful for testing
// with miniredis.
func NewRedisMirrorFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "concierge:facts:"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) key(sessionKey string) string {
	return m.prefix + sessionKey
}

// Save writes the facts snapshot for a context.
func (m *RedisMirror) Save(ctx context.Context, c *Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	m.mu.RUnlock()

	snap := factsSnapshot{
		Identity:       c.Identity,
		CompanyFacts:   c.CompanyFacts,
		PersonFacts:    c.PersonFacts,
		InferredRole:   c.InferredRole,
		RoleConfidence: c.RoleConfidence,
		Version:        c.Version,
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := m.client.Set(ctx, m.key(c.SessionKey), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load retrieves the facts snapshot for a session key.
// Returns ErrNotFound if no snapshot exists.
func (m *RedisMirror) Load(ctx context.Context, sessionKey string) (*Patch, int64, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, 0, ErrStoreClosed
	}
	m.mu.RUnlock()

	data, err := m.client.Get(ctx, m.key(sessionKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get snapshot: %w", err)
	}

	var snap factsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, 0, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	patch := &Patch{
		Identity:       snap.Identity,
		InferredRole:   snap.InferredRole,
		RoleConfidence: snap.RoleConfidence,
	}
	if !snap.CompanyFacts.isZero() {
		cf := snap.CompanyFacts
		patch.CompanyFacts = &cf
	}
	if !snap.PersonFacts.isZero() {
		pf := snap.PersonFacts
		patch.PersonFacts = &pf
	}
	return patch, snap.Version, nil
}

// Ping checks the Redis connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrStoreClosed
	}
	m.mu.RUnlock()
	return m.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (m *RedisMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.client.Close()
}

func (f Facts) isZero() bool {
	return f.Industry == "" && f.Size == "" && f.Role == "" &&
		f.Seniority == "" && len(f.Interests) == 0 && len(f.PainPoints) == 0
}

// MirroredStore decorates a Store with a best-effort Redis facts
// mirror. Mirror writes happen after the in-memory commit and never
// fail the update.
type MirroredStore struct {
	Store
	mirror *RedisMirror
}

// NewMirroredStore wraps inner with the given mirror.
func NewMirroredStore(inner Store, mirror *RedisMirror) *MirroredStore {
	return &MirroredStore{Store: inner, mirror: mirror}
}

// Update applies the patch to the inner store, then mirrors the durable
// slice. A mirror failure is logged, not returned.
func (s *MirroredStore) Update(ctx context.Context, sessionKey string, patch *Patch) (*Context, error) {
	c, err := s.Store.Update(ctx, sessionKey, patch)
	if err != nil {
		return nil, err
	}
	if mirrorErr := s.mirror.Save(ctx, c); mirrorErr != nil {
		log.Printf("session: facts mirror write failed for %s: %v", sessionKey, mirrorErr)
	}
	return c, nil
}

// Get reads the inner store, falling back to the mirror on a miss so a
// returning visitor's facts survive process restarts.
func (s *MirroredStore) Get(ctx context.Context, sessionKey string) (*Context, error) {
	c, err := s.Store.Get(ctx, sessionKey)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return c, err
	}

	patch, _, loadErr := s.mirror.Load(ctx, sessionKey)
	if loadErr != nil {
		return nil, err
	}
	if patch.IsZero() {
		return nil, err
	}
	return s.Store.Update(ctx, sessionKey, patch)
}

// Close closes the inner store and the mirror.
func (s *MirroredStore) Close() error {
	innerErr := s.Store.Close()
	if err := s.mirror.Close(); err != nil && innerErr == nil {
		innerErr = err
	}
	return innerErr
}
