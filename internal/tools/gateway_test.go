package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/idempotency"
	"github.com/veldtlabs/concierge/internal/ratelimit"
	"github.com/veldtlabs/concierge/pkg/session"
)

// countingTool records executions and returns a fixed result.
type countingTool struct {
	name  string
	cost  float64
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (t *countingTool) Name() string            { return t.name }
func (t *countingTool) Feature() budget.Feature { return budget.FeatureSearch }
func (t *countingTool) CostUSD() float64        { return t.cost }

func (t *countingTool) Execute(ctx context.Context, _ Meta, _ json.RawMessage) (any, error) {
	n := t.calls.Add(1)
	if t.delay > 0 {
		select {
		case <-time.After(t.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return map[string]any{"execution": n}, nil
}

func newTestGateway(t *testing.T, cfg Config, adapters ...Tool) (*Gateway, session.Store) {
	t.Helper()
	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	g := NewGateway(store, ratelimit.New(), idempotency.New(),
		budget.NewLedger(budget.DefaultLedgerConfig()), cfg, adapters...)
	return g, store
}

func TestInvokeUnknownTool(t *testing.T) {
	g, _ := newTestGateway(t, Config{})
	_, err := g.Invoke(context.Background(), Meta{SessionKey: "s"}, "nonsense", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInvokeRequiresSessionKey(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, &countingTool{name: "probe"})
	_, err := g.Invoke(context.Background(), Meta{}, "probe", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInvokeRecordsCapability(t *testing.T) {
	tool := &countingTool{name: "probe"}
	g, store := newTestGateway(t, Config{}, tool)

	body, err := g.Invoke(context.Background(), Meta{SessionKey: "s1"}, "probe", nil)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"execution":1`)

	sctx, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, sctx.CapabilitiesUsed, 1)
	assert.Equal(t, "probe", sctx.CapabilitiesUsed[0].Capability)
}

func TestReplayReturnsIdenticalBytes(t *testing.T) {
	tool := &countingTool{name: "probe"}
	g, _ := newTestGateway(t, Config{}, tool)

	meta := Meta{SessionKey: "s1", IdempotencyKey: "op-1"}
	first, err := g.Invoke(context.Background(), meta, "probe", nil)
	require.NoError(t, err)

	second, err := g.Invoke(context.Background(), meta, "probe", nil)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first, second), "replay must be byte-identical")
	assert.Equal(t, int32(1), tool.calls.Load(), "the action must execute exactly once")
}

func TestReplayDoesNotConsumeRateBudget(t *testing.T) {
	tool := &countingTool{name: "probe"}
	cfg := Config{Limits: map[string]ToolLimit{"probe": {Max: 1, Window: time.Hour}}}
	g, _ := newTestGateway(t, cfg, tool)

	meta := Meta{SessionKey: "s1", IdempotencyKey: "op-1"}
	_, err := g.Invoke(context.Background(), meta, "probe", nil)
	require.NoError(t, err)

	// The limit is exhausted, but replays still succeed.
	for i := 0; i < 3; i++ {
		_, err := g.Invoke(context.Background(), meta, "probe", nil)
		require.NoError(t, err)
	}

	// A fresh idempotency key is a new action and hits the limit.
	_, err = g.Invoke(context.Background(), Meta{SessionKey: "s1", IdempotencyKey: "op-2"}, "probe", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
}

func TestRateLimitPerTool(t *testing.T) {
	probe := &countingTool{name: "probe"}
	other := &countingTool{name: "other"}
	cfg := Config{Limits: map[string]ToolLimit{
		"probe": {Max: 5, Window: time.Hour},
		"other": {Max: 5, Window: time.Hour},
	}}
	g, _ := newTestGateway(t, cfg, probe, other)

	meta := Meta{SessionKey: "s1"}
	for i := 0; i < 5; i++ {
		_, err := g.Invoke(context.Background(), meta, "probe", nil)
		require.NoError(t, err)
	}

	_, err := g.Invoke(context.Background(), meta, "probe", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))
	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Greater(t, f.RetryAfter, time.Duration(0))

	// Limits are per purpose; other tools are untouched.
	_, err = g.Invoke(context.Background(), meta, "other", nil)
	require.NoError(t, err)
}

func TestBudgetEnforced(t *testing.T) {
	tool := &countingTool{name: "pricey", cost: 0.30}
	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	ledger := budget.NewLedger(budget.LedgerConfig{AnonCeilingUSD: 0.50})
	g := NewGateway(store, ratelimit.New(), idempotency.New(), ledger, Config{}, tool)

	meta := Meta{SessionKey: "s1"}
	_, err := g.Invoke(context.Background(), meta, "pricey", nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), meta, "pricey", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindBudgetExceeded, fault.KindOf(err))
	assert.Equal(t, int32(1), tool.calls.Load())
}

func TestConcurrentDuplicatesExecuteOnce(t *testing.T) {
	tool := &countingTool{name: "slow", delay: 50 * time.Millisecond}
	g, _ := newTestGateway(t, Config{}, tool)

	meta := Meta{SessionKey: "s1", IdempotencyKey: "op-1"}
	const callers = 8
	results := make([][]byte, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, err := g.Invoke(context.Background(), meta, "slow", nil)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = body
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), tool.calls.Load(), "concurrent duplicates must collapse")
	for i := 1; i < callers; i++ {
		assert.True(t, bytes.Equal(results[0], results[i]))
	}
}

func TestConcurrentDuplicatesPayAdmissionOnce(t *testing.T) {
	tool := &countingTool{name: "slow", cost: 0.30, delay: 50 * time.Millisecond}
	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	// The config only has room for a single admission and a single
	// charge; duplicates sharing the flight must not spend their own.
	ledger := budget.NewLedger(budget.LedgerConfig{AnonCeilingUSD: 0.50})
	cfg := Config{Limits: map[string]ToolLimit{"slow": {Max: 1, Window: time.Minute}}}
	g := NewGateway(store, ratelimit.New(), idempotency.New(), ledger, cfg, tool)

	meta := Meta{SessionKey: "s1", IdempotencyKey: "op-1"}
	const callers = 6
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = g.Invoke(context.Background(), meta, "slow", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int32(1), tool.calls.Load())

	_, cost := ledger.Totals("", "s1")
	assert.InDelta(t, 0.30, cost, 1e-9, "only the flight winner is charged")

	sctx, err := store.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, sctx.CapabilitiesUsed, 1, "only the flight winner records usage")
}

func TestToolErrorPassesThrough(t *testing.T) {
	tool := &countingTool{name: "broken", err: fault.New(fault.KindProvider, "backend down")}
	g, store := newTestGateway(t, Config{}, tool)

	_, err := g.Invoke(context.Background(), Meta{SessionKey: "s1", IdempotencyKey: "op-1"}, "broken", nil)
	require.Error(t, err)
	assert.Equal(t, fault.KindProvider, fault.KindOf(err))

	// Failures are not replayable and leave no capability record.
	_, err = store.Get(context.Background(), "s1")
	require.ErrorIs(t, err, session.ErrNotFound)

	// A retry with the same key executes again.
	tool.err = nil
	_, err = g.Invoke(context.Background(), Meta{SessionKey: "s1", IdempotencyKey: "op-1"}, "broken", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), tool.calls.Load())
}

func TestNamesListsRegisteredTools(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, &countingTool{name: "a"}, &countingTool{name: "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, g.Names())
}
