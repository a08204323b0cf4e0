// Package tools is the gateway between the conversation surface and
// the capability adapters (search, translation, vision, meeting
// scheduling, voice tokens). Every invocation passes one admission
// pipeline: idempotency replay, rate limiting, budget enforcement,
// then a deduplicated execution.
package tools

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/idempotency"
	"github.com/veldtlabs/concierge/internal/observability"
	"github.com/veldtlabs/concierge/internal/ratelimit"
	metrics "github.com/veldtlabs/concierge/pkg/observability"
	"github.com/veldtlabs/concierge/pkg/session"
)

// Meta identifies the caller of a tool invocation.
type Meta struct {
	// SessionKey is required.
	SessionKey string
	// IdempotencyKey makes the invocation replayable. Optional; without
	// it every call executes.
	IdempotencyKey string
	// IdentityKey is the visitor's identity when known. Budget
	// accounting prefers it over the session.
	IdentityKey string
}

// Tool is one capability adapter.
type Tool interface {
	// Name is the gateway-facing tool name.
	Name() string
	// Feature maps the tool onto budget accounting.
	Feature() budget.Feature
	// CostUSD is the flat estimated cost of one invocation.
	CostUSD() float64
	// Execute runs the tool. The returned value is JSON-encoded by the
	// gateway; errors should already carry a fault kind.
	Execute(ctx context.Context, meta Meta, payload json.RawMessage) (any, error)
}

// ToolLimit bounds invocations of one tool per session.
type ToolLimit struct {
	Max    int           `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// Config tunes gateway admission.
type Config struct {
	// Limits maps tool name to its per-session rate limit. Tools
	// without an entry use Default.
	Limits map[string]ToolLimit `yaml:"limits"`
	// Default applies to tools with no explicit limit.
	Default ToolLimit `yaml:"default"`
	// ReplayTTL bounds how long idempotent results are replayable.
	ReplayTTL time.Duration `yaml:"replay_ttl"`
}

// DefaultConfig returns the production admission bounds.
func DefaultConfig() Config {
	return Config{
		Limits: map[string]ToolLimit{
			"search":     {Max: 10, Window: time.Minute},
			"translate":  {Max: 20, Window: time.Minute},
			"vision":     {Max: 5, Window: time.Minute},
			"meeting":    {Max: 3, Window: time.Minute},
			"voicetoken": {Max: 2, Window: time.Minute},
		},
		Default:   ToolLimit{Max: 5, Window: time.Minute},
		ReplayTTL: 10 * time.Minute,
	}
}

// Gateway routes invocations to registered tools.
type Gateway struct {
	store   session.Store
	limiter *ratelimit.Limiter
	cache   *idempotency.Cache
	ledger  *budget.Ledger
	cfg     Config

	group singleflight.Group
	tools map[string]Tool
}

// NewGateway creates a Gateway with the given adapters registered.
func NewGateway(store session.Store, limiter *ratelimit.Limiter, cache *idempotency.Cache,
	ledger *budget.Ledger, cfg Config, adapters ...Tool) *Gateway {

	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultConfig().ReplayTTL
	}
	if cfg.Default.Max <= 0 {
		cfg.Default = DefaultConfig().Default
	}

	g := &Gateway{
		store:   store,
		limiter: limiter,
		cache:   cache,
		ledger:  ledger,
		cfg:     cfg,
		tools:   make(map[string]Tool, len(adapters)),
	}
	for _, a := range adapters {
		g.tools[a.Name()] = a
	}
	return g
}

// Names lists the registered tools.
func (g *Gateway) Names() []string {
	names := make([]string, 0, len(g.tools))
	for n := range g.tools {
		names = append(names, n)
	}
	return names
}

// Invoke runs one tool invocation through the admission pipeline and
// returns the JSON-encoded result. A replayed invocation returns the
// stored bytes unchanged and consumes no rate or budget.
func (g *Gateway) Invoke(ctx context.Context, meta Meta, toolName string, payload json.RawMessage) ([]byte, error) {
	if meta.SessionKey == "" {
		return nil, fault.New(fault.KindValidation, "session key is required")
	}
	tool, ok := g.tools[toolName]
	if !ok {
		return nil, fault.Newf(fault.KindValidation, "unknown tool %q", toolName)
	}

	_, span := observability.StartSpanWithContext(ctx, "tool.invoke", map[string]any{
		"tool": toolName,
	})
	defer span.End()

	// Replay short-circuits the whole pipeline: the action already
	// happened, the caller just lost the response.
	if meta.IdempotencyKey != "" {
		if body, hit := g.cache.Lookup(meta.SessionKey, meta.IdempotencyKey); hit {
			span.SetAttribute("replayed", true)
			metrics.RecordToolReplay(toolName)
			return body, nil
		}
	}

	// Everything from rate admission through the capability record sits
	// in one closure so that, under singleflight, only the flight winner
	// spends an admission, a budget charge, and a history entry.
	admitAndExecute := func() (any, error) {
		limit := g.cfg.Default
		if l, ok := g.cfg.Limits[toolName]; ok {
			limit = l
		}
		if d := g.limiter.Admit("tool:"+toolName, meta.SessionKey, limit.Max, limit.Window); !d.Allowed {
			metrics.RecordRateLimitRejection("tool:" + toolName)
			return nil, fault.RateLimited(toolName+" rate exceeded", d.RetryAfter)
		}

		if err := g.ledger.Enforce(meta.IdentityKey, meta.SessionKey, tool.Feature(), "tool:"+toolName, 0, tool.CostUSD(), true); err != nil {
			if fault.KindOf(err) == fault.KindBudgetExceeded {
				metrics.RecordBudgetRejection(string(tool.Feature()))
			}
			return nil, err
		}

		started := time.Now()
		result, err := tool.Execute(ctx, meta, payload)
		if err != nil {
			metrics.RecordToolCall(toolName, "error", time.Since(started))
			return nil, err
		}
		body, err := json.Marshal(result)
		if err != nil {
			metrics.RecordToolCall(toolName, "error", time.Since(started))
			return nil, fault.Wrap(fault.KindInternal, "encode tool result", err)
		}
		if meta.IdempotencyKey != "" {
			g.cache.Store(meta.SessionKey, meta.IdempotencyKey, body, g.cfg.ReplayTTL)
		}
		metrics.RecordToolCall(toolName, "ok", time.Since(started))

		// Capability usage is recorded best effort; a store hiccup must
		// not fail an invocation that already executed.
		if _, err := g.store.Update(ctx, meta.SessionKey, &session.Patch{
			AppendCapability: &session.CapabilityRecord{
				Capability: toolName,
				Metadata:   map[string]any{"feature": string(tool.Feature())},
			},
		}); err != nil {
			log.Printf("tools: capability record failed for %s on %s: %v", toolName, meta.SessionKey, err)
		}

		return body, nil
	}

	var (
		v   any
		err error
	)
	if meta.IdempotencyKey != "" {
		// Concurrent duplicates of one idempotent invocation collapse
		// to a single execution; late arrivals share its result.
		flightKey := meta.SessionKey + ":" + meta.IdempotencyKey + ":" + toolName
		v, err, _ = g.group.Do(flightKey, admitAndExecute)
	} else {
		v, err = admitAndExecute()
	}
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	return v.([]byte), nil
}
