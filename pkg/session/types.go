// Package session provides the merged, versioned per-visitor context
// that every turn and tool call reads from and writes back into.
// Sessions are keyed by an opaque string supplied by the caller; the
// key is an identifier, not a security credential.
package session

import (
	"time"
)

// Identity holds the visitor's self-reported details, captured once on
// first consent. Immutable afterwards except for explicit corrections.
type Identity struct {
	// Name is the visitor's name.
	Name string `json:"name,omitempty"`
	// Email is the visitor's email address.
	Email string `json:"email,omitempty"`
	// CompanyDomain is the domain inferred from the email or provided
	// directly.
	CompanyDomain string `json:"companyDomain,omitempty"`
	// ConsentedAt is when the visitor consented to identification.
	ConsentedAt time.Time `json:"consentedAt,omitempty"`
}

// Facts holds structured research results. Each field is
// last-writer-wins: the incoming value replaces the stored one with no
// merge resolution.
type Facts struct {
	Industry   string   `json:"industry,omitempty"`
	Size       string   `json:"size,omitempty"`
	Role       string   `json:"role,omitempty"`
	Seniority  string   `json:"seniority,omitempty"`
	Interests  []string `json:"interests,omitempty"`
	PainPoints []string `json:"painPoints,omitempty"`
}

// CapabilityRecord is one entry in the append-only capability log.
type CapabilityRecord struct {
	// Capability is the tool or mode name (search, voice, translate...).
	Capability string `json:"capability"`
	// Timestamp is when the capability completed.
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries capability-specific details.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MultimodalRecord is one non-text artifact (image or voice analysis).
type MultimodalRecord struct {
	// Kind is the artifact type ("image", "voice").
	Kind string `json:"kind"`
	// Summary is the analysis result.
	Summary string `json:"summary"`
	// Timestamp is when the artifact was analyzed.
	Timestamp time.Time `json:"timestamp"`
}

// Context is the merged state for one session key.
type Context struct {
	// SessionKey is the opaque caller-supplied identifier.
	SessionKey string `json:"sessionKey"`
	// Identity is set once on first consent.
	Identity *Identity `json:"identity,omitempty"`
	// CompanyFacts holds company research results.
	CompanyFacts Facts `json:"companyFacts"`
	// PersonFacts holds person research results.
	PersonFacts Facts `json:"personFacts"`
	// InferredRole is the highest-confidence role classification seen.
	InferredRole string `json:"inferredRole,omitempty"`
	// RoleConfidence is the confidence of InferredRole in [0,1].
	RoleConfidence float64 `json:"roleConfidence,omitempty"`
	// CapabilitiesUsed is the append-only capability log. Never
	// truncated during a session.
	CapabilitiesUsed []CapabilityRecord `json:"capabilitiesUsed,omitempty"`
	// MultimodalHistory holds the most recent artifacts, oldest evicted
	// beyond the configured bound.
	MultimodalHistory []MultimodalRecord `json:"multimodalHistory,omitempty"`
	// Version increases by one on every successful mutation. Callers
	// compare versions to detect stale overwrites.
	Version int64 `json:"version"`
	// CreatedAt is when the context was lazily created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the context was last mutated.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch is a partial update. Only non-nil fields are applied; the whole
// patch is applied atomically under the per-key lock.
type Patch struct {
	// Identity sets the identity. Ignored once set unless
	// CorrectIdentity is true.
	Identity *Identity `json:"identity,omitempty"`
	// CorrectIdentity permits overwriting an already-set identity.
	CorrectIdentity bool `json:"correctIdentity,omitempty"`
	// CompanyFacts replaces company fact fields (last writer wins).
	CompanyFacts *Facts `json:"companyFacts,omitempty"`
	// PersonFacts replaces person fact fields.
	PersonFacts *Facts `json:"personFacts,omitempty"`
	// InferredRole with RoleConfidence overwrites the stored
	// classification only when strictly more confident.
	InferredRole string `json:"inferredRole,omitempty"`
	// RoleConfidence must be in [0,1] when InferredRole is set.
	RoleConfidence float64 `json:"roleConfidence,omitempty"`
	// AppendCapability appends one record to the capability log.
	AppendCapability *CapabilityRecord `json:"appendCapability,omitempty"`
	// AppendMultimodal appends one record to the multimodal history.
	AppendMultimodal *MultimodalRecord `json:"appendMultimodal,omitempty"`
}

// IsZero reports whether the patch carries no changes.
func (p *Patch) IsZero() bool {
	return p.Identity == nil &&
		p.CompanyFacts == nil &&
		p.PersonFacts == nil &&
		p.InferredRole == "" &&
		p.AppendCapability == nil &&
		p.AppendMultimodal == nil
}

// RecentCapabilities returns the last n capability records, newest
// last. The full log is never truncated; this is a view.
func (c *Context) RecentCapabilities(n int) []CapabilityRecord {
	if n <= 0 || len(c.CapabilitiesUsed) == 0 {
		return nil
	}
	if n > len(c.CapabilitiesUsed) {
		n = len(c.CapabilitiesUsed)
	}
	out := make([]CapabilityRecord, n)
	copy(out, c.CapabilitiesUsed[len(c.CapabilitiesUsed)-n:])
	return out
}

// Clone returns a deep copy so callers can't mutate store state.
func (c *Context) Clone() *Context {
	cp := *c
	if c.Identity != nil {
		id := *c.Identity
		cp.Identity = &id
	}
	cp.CompanyFacts = c.CompanyFacts.clone()
	cp.PersonFacts = c.PersonFacts.clone()
	if len(c.CapabilitiesUsed) > 0 {
		cp.CapabilitiesUsed = make([]CapabilityRecord, len(c.CapabilitiesUsed))
		copy(cp.CapabilitiesUsed, c.CapabilitiesUsed)
	}
	if len(c.MultimodalHistory) > 0 {
		cp.MultimodalHistory = make([]MultimodalRecord, len(c.MultimodalHistory))
		copy(cp.MultimodalHistory, c.MultimodalHistory)
	}
	return &cp
}

func (f Facts) clone() Facts {
	cp := f
	if len(f.Interests) > 0 {
		cp.Interests = append([]string(nil), f.Interests...)
	}
	if len(f.PainPoints) > 0 {
		cp.PainPoints = append([]string(nil), f.PainPoints...)
	}
	return cp
}

// merge applies last-writer-wins per field: non-empty incoming fields
// replace stored ones.
func (f *Facts) merge(in *Facts) {
	if in.Industry != "" {
		f.Industry = in.Industry
	}
	if in.Size != "" {
		f.Size = in.Size
	}
	if in.Role != "" {
		f.Role = in.Role
	}
	if in.Seniority != "" {
		f.Seniority = in.Seniority
	}
	if len(in.Interests) > 0 {
		f.Interests = append([]string(nil), in.Interests...)
	}
	if len(in.PainPoints) > 0 {
		f.PainPoints = append([]string(nil), in.PainPoints...)
	}
}
