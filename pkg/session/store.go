package session

import (
	"context"
	"errors"
)

// Common errors for store operations.
var (
	// ErrNotFound is returned when a session context doesn't exist.
	ErrNotFound = errors.New("session context not found")
	// ErrInvalidPatch is returned for malformed patches. The prior
	// value is left untouched.
	ErrInvalidPatch = errors.New("invalid patch")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Store holds merged session contexts.
// Implementations must be safe for concurrent use: updates to the same
// key are serialized, updates to different keys proceed in parallel.
type Store interface {
	// Get retrieves the context for a session key.
	// Returns ErrNotFound if no context exists yet.
	Get(ctx context.Context, sessionKey string) (*Context, error)

	// Update applies a partial patch atomically and increments the
	// version. The context is created lazily on first update.
	// A malformed patch returns ErrInvalidPatch and changes nothing.
	Update(ctx context.Context, sessionKey string, patch *Patch) (*Context, error)

	// Close releases resources held by the store.
	Close() error
}

// validate rejects malformed patches before any state is touched.
func (p *Patch) validate() error {
	if p == nil {
		return ErrInvalidPatch
	}
	if p.IsZero() {
		return ErrInvalidPatch
	}
	if p.InferredRole != "" && (p.RoleConfidence < 0 || p.RoleConfidence > 1) {
		return ErrInvalidPatch
	}
	if p.InferredRole == "" && p.RoleConfidence != 0 {
		return ErrInvalidPatch
	}
	if p.AppendCapability != nil && p.AppendCapability.Capability == "" {
		return ErrInvalidPatch
	}
	if p.AppendMultimodal != nil && p.AppendMultimodal.Kind == "" {
		return ErrInvalidPatch
	}
	return nil
}
