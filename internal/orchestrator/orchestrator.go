// Package orchestrator turns one conversational turn into a single
// bounded provider call and republishes its output as an ordered
// stream of frames, recording side effects as they complete.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/observability"
	"github.com/veldtlabs/concierge/internal/provider"
	"github.com/veldtlabs/concierge/internal/ratelimit"
	metrics "github.com/veldtlabs/concierge/pkg/observability"
	"github.com/veldtlabs/concierge/pkg/session"
)

// State is the lifecycle of one turn.
type State int32

const (
	StatePending State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Config bounds turn admission and accounting.
type Config struct {
	// MaxTurns and TurnWindow bound turns per session.
	MaxTurns   int           `yaml:"max_turns"`
	TurnWindow time.Duration `yaml:"turn_window"`
	// WriteBackTimeout bounds the asynchronous write-back.
	WriteBackTimeout time.Duration `yaml:"write_back_timeout"`
	// Temperature for provider calls.
	Temperature float32 `yaml:"temperature"`
}

// DefaultConfig returns production turn bounds.
func DefaultConfig() Config {
	return Config{
		MaxTurns:         30,
		TurnWindow:       time.Minute,
		WriteBackTimeout: 10 * time.Second,
		Temperature:      0.7,
	}
}

// Orchestrator executes turns. Safe for concurrent use; turns on
// different sessions proceed fully in parallel.
type Orchestrator struct {
	store    session.Store
	limiter  *ratelimit.Limiter
	throttle *ratelimit.Throttle
	selector *budget.Selector
	ledger   *budget.Ledger
	pricing  *budget.Pricing
	prov     provider.Provider
	cfg      Config

	writeBacks sync.WaitGroup
}

// New creates an Orchestrator.
func New(store session.Store, limiter *ratelimit.Limiter, throttle *ratelimit.Throttle,
	selector *budget.Selector, ledger *budget.Ledger, pricing *budget.Pricing,
	prov provider.Provider, cfg Config) *Orchestrator {

	def := DefaultConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.TurnWindow <= 0 {
		cfg.TurnWindow = def.TurnWindow
	}
	if cfg.WriteBackTimeout <= 0 {
		cfg.WriteBackTimeout = def.WriteBackTimeout
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = def.Temperature
	}

	return &Orchestrator{
		store:    store,
		limiter:  limiter,
		throttle: throttle,
		selector: selector,
		ledger:   ledger,
		pricing:  pricing,
		prov:     prov,
		cfg:      cfg,
	}
}

// TurnRequest is one inbound conversational turn.
type TurnRequest struct {
	// SessionKey is the opaque per-visitor identifier.
	SessionKey string
	// IdentityKey is the visitor's identity when known (email), used
	// for budget accounting. Empty for anonymous visitors.
	IdentityKey string
	// Message is the visitor's message for this turn.
	Message string
	// History is the prior conversation, oldest first.
	History []provider.Message
	// Feature is the requested mode (chat unless a tool adapter is
	// driving the turn).
	Feature budget.Feature
}

// Frame is one element of the caller-visible output stream. Exactly
// one terminal frame (Done or Err set) ends every stream.
type Frame struct {
	// Delta is incremental text.
	Delta string
	// Done marks a clean end of stream.
	Done bool
	// Err is the structured terminal error for a stream that died
	// after partial output. Already-sent deltas stand.
	Err error
}

// TurnStream is the caller's handle on one executing turn.
type TurnStream struct {
	// TurnID identifies the turn in logs and traces.
	TurnID string

	frames chan Frame
	state  atomic.Int32

	// writeBackDone closes when the turn's write-back finished (or was
	// skipped). Tests use it to wait deterministically.
	writeBackDone chan struct{}
}

// Frames returns the ordered output stream. The channel closes after
// the terminal frame.
func (ts *TurnStream) Frames() <-chan Frame { return ts.frames }

// State reports the turn's current lifecycle state.
func (ts *TurnStream) State() State { return State(ts.state.Load()) }

// WriteBackDone closes once side-effect recording has finished or been
// skipped. Completed turns record; failed and cancelled turns do not.
func (ts *TurnStream) WriteBackDone() <-chan struct{} { return ts.writeBackDone }

func (ts *TurnStream) setState(s State) { ts.state.Store(int32(s)) }

// Turn admits, budgets, and executes one turn. Admission and budget
// rejections are returned synchronously before any provider call;
// after a nil error the response arrives on the returned stream.
func (o *Orchestrator) Turn(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	if req.SessionKey == "" || req.Message == "" {
		return nil, fault.New(fault.KindValidation, "session key and message are required")
	}
	if req.Feature == "" {
		req.Feature = budget.FeatureChat
	}

	if d := o.limiter.Admit("turn:"+string(req.Feature), req.SessionKey, o.cfg.MaxTurns, o.cfg.TurnWindow); !d.Allowed {
		metrics.RecordRateLimitRejection("turn:" + string(req.Feature))
		return nil, fault.RateLimited("turn rate exceeded", d.RetryAfter)
	}

	sctx, err := o.store.Get(ctx, req.SessionKey)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, fault.Wrap(fault.KindInternal, "read session context", err)
	}
	hasSession := sctx != nil && (sctx.Identity != nil || sctx.Version > 2)

	system := buildSystem(sctx)
	estInput := estimateTokens(system) + estimateTokens(req.Message)
	for _, m := range req.History {
		estInput += estimateTokens(m.Content)
	}

	choice := o.selector.Select(req.Feature, estInput, hasSession)

	estCost, err := o.pricing.Estimate(choice.Model, estInput, choice.MaxOutputTokens)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "estimate cost", err)
	}

	// Optimistic accounting: the estimate is charged before the
	// provider is touched so concurrent turns can't race the ceiling.
	estTokens := estInput + choice.MaxOutputTokens
	if err := o.ledger.Enforce(req.IdentityKey, req.SessionKey, req.Feature, choice.Model, estTokens, estCost, true); err != nil {
		if fault.KindOf(err) == fault.KindBudgetExceeded {
			metrics.RecordBudgetRejection(string(req.Feature))
		}
		return nil, err
	}

	ts := &TurnStream{
		TurnID:        uuid.New().String(),
		frames:        make(chan Frame, 32),
		writeBackDone: make(chan struct{}),
	}
	ts.setState(StatePending)

	go o.run(ctx, req, ts, choice, estTokens, estCost)

	return ts, nil
}

// run executes the provider call and pumps frames until a terminal
// state. It owns ts.frames.
func (o *Orchestrator) run(ctx context.Context, req TurnRequest, ts *TurnStream, choice budget.Choice, estTokens int, estCost float64) {
	defer close(ts.frames)

	metrics.IncActiveStreams()
	defer metrics.DecActiveStreams()

	started := time.Now()
	_, span := observability.StartSpanWithContext(ctx, "turn.generate", map[string]any{
		"turn_id": ts.TurnID,
		"feature": string(req.Feature),
		"model":   choice.Model,
		"tier":    string(choice.Tier),
	})
	defer span.End()
	defer func() {
		metrics.RecordTurn(string(req.Feature), choice.Model, ts.State().String(), time.Since(started))
	}()

	finish := func(err error) {
		close(ts.writeBackDone)
		if err != nil {
			span.SetError(err)
		}
	}

	if err := o.throttle.Wait(ctx, req.IdentityKey); err != nil {
		ts.setState(StateCancelled)
		o.emit(ctx, ts, Frame{Err: fault.Wrap(fault.KindCancelled, "throttle wait", err)})
		finish(err)
		return
	}

	messages := append(append([]provider.Message(nil), req.History...),
		provider.Message{Role: "user", Content: req.Message})

	sctx, _ := o.store.Get(ctx, req.SessionKey)
	stream, err := o.prov.GenerateStream(ctx, provider.Request{
		Model:       choice.Model,
		System:      buildSystem(sctx),
		Messages:    messages,
		MaxTokens:   choice.MaxOutputTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		ts.setState(StateFailed)
		o.emit(ctx, ts, Frame{Err: fault.Wrap(fault.KindProvider, "start generation", err)})
		finish(err)
		return
	}

	// Closing the stream on caller disconnect unblocks a pending Recv
	// so the provider is not consumed after the client is gone.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.Close()
		case <-watch:
			_ = stream.Close()
		}
	}()
	defer close(watch)

	ts.setState(StateStreaming)

	var usage *provider.Usage
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				// Caller disconnected mid-stream: no write-back of an
				// incomplete result.
				ts.setState(StateCancelled)
				finish(ctx.Err())
				return
			}
			// Provider died mid-stream. Partial output already sent
			// stands; append the structured failure frame.
			ts.setState(StateFailed)
			o.emit(ctx, ts, Frame{Err: fault.Wrap(fault.KindProvider, "generation failed mid-stream", err)})
			finish(err)
			return
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Delta != "" {
			if !o.emit(ctx, ts, Frame{Delta: chunk.Delta}) {
				ts.setState(StateCancelled)
				finish(ctx.Err())
				return
			}
		}
	}

	if ctx.Err() != nil {
		ts.setState(StateCancelled)
		finish(ctx.Err())
		return
	}

	ts.setState(StateCompleted)
	o.emit(ctx, ts, Frame{Done: true})

	// Side effects are recorded asynchronously and must not affect the
	// response already delivered.
	o.writeBacks.Add(1)
	go func() {
		defer o.writeBacks.Done()
		defer close(ts.writeBackDone)
		o.writeBack(req, ts.TurnID, choice, usage, estTokens, estCost)
	}()
}

// emit forwards a frame unless the caller is gone. Reports false once
// ctx is done.
func (o *Orchestrator) emit(ctx context.Context, ts *TurnStream, f Frame) bool {
	select {
	case ts.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// writeBack records capability usage and settles the ledger. Best
// effort: failures are logged, never surfaced.
func (o *Orchestrator) writeBack(req TurnRequest, turnID string, choice budget.Choice, usage *provider.Usage, estTokens int, estCost float64) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.WriteBackTimeout)
	defer cancel()

	meta := map[string]any{
		"turnId": turnID,
		"model":  choice.Model,
		"tier":   string(choice.Tier),
	}

	if usage != nil {
		actualCost, err := o.pricing.Calculate(&budget.Usage{
			Model:        choice.Model,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
		})
		if err != nil {
			log.Printf("orchestrator: price final usage for turn %s: %v", turnID, err)
		} else {
			o.ledger.Reconcile(req.IdentityKey, req.SessionKey, estTokens, estCost, usage.TotalTokens, actualCost.TotalCost)
			metrics.RecordTurnTokens(choice.Model, usage.PromptTokens, usage.CompletionTokens)
			metrics.RecordSpend(actualCost.TotalCost)
			meta["totalTokens"] = usage.TotalTokens
			meta["costUSD"] = actualCost.TotalCost
		}
	}

	if _, err := o.store.Update(ctx, req.SessionKey, &session.Patch{
		AppendCapability: &session.CapabilityRecord{
			Capability: string(req.Feature),
			Metadata:   meta,
		},
	}); err != nil {
		log.Printf("orchestrator: capability write-back failed for turn %s: %v", turnID, err)
	}
}

// Drain waits for outstanding write-backs. Called on shutdown.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.writeBacks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write-backs still pending: %w", ctx.Err())
	}
}

// buildSystem renders the session context into the system preamble.
func buildSystem(sctx *session.Context) string {
	const base = "You are the Veldt Labs sales assistant. Be concise, helpful, and honest about what the product does."
	if sctx == nil {
		return base
	}

	s := base
	if sctx.Identity != nil && sctx.Identity.Name != "" {
		s += "\nVisitor: " + sctx.Identity.Name
		if sctx.Identity.CompanyDomain != "" {
			s += " (" + sctx.Identity.CompanyDomain + ")"
		}
	}
	if sctx.InferredRole != "" {
		s += fmt.Sprintf("\nLikely role: %s", sctx.InferredRole)
	}
	if sctx.CompanyFacts.Industry != "" {
		s += "\nCompany industry: " + sctx.CompanyFacts.Industry
	}
	if len(sctx.CompanyFacts.PainPoints) > 0 {
		s += "\nKnown pain points:"
		for _, p := range sctx.CompanyFacts.PainPoints {
			s += " " + p + ";"
		}
	}
	return s
}

// estimateTokens approximates the token count of text. Four bytes per
// token tracks the provider tokenizers closely enough for budgeting.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}
