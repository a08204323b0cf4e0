package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/provider"
	"github.com/veldtlabs/concierge/internal/ratelimit"
	"github.com/veldtlabs/concierge/pkg/session"
)

type testHarness struct {
	orch   *Orchestrator
	store  session.Store
	ledger *budget.Ledger
	mock   *provider.MockProvider
}

func newHarness(t *testing.T, mock *provider.MockProvider, cfg Config) *testHarness {
	t.Helper()

	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	ledger := budget.NewLedger(budget.DefaultLedgerConfig())
	orch := New(
		store,
		ratelimit.New(),
		ratelimit.NewThrottle(1000, 1000, 100),
		budget.NewSelector(budget.DefaultSelectorConfig()),
		ledger,
		budget.NewPricing(),
		mock,
		cfg,
	)
	return &testHarness{orch: orch, store: store, ledger: ledger, mock: mock}
}

// drain collects every frame until the stream closes.
func drain(t *testing.T, ts *TurnStream) (text string, done bool, streamErr error) {
	t.Helper()
	var b strings.Builder
	for f := range ts.Frames() {
		b.WriteString(f.Delta)
		if f.Done {
			done = true
		}
		if f.Err != nil {
			streamErr = f.Err
		}
	}
	return b.String(), done, streamErr
}

func waitWriteBack(t *testing.T, ts *TurnStream) {
	t.Helper()
	select {
	case <-ts.WriteBackDone():
	case <-time.After(2 * time.Second):
		t.Fatal("write-back did not finish")
	}
}

func TestTurnStreamsCompleteResponse(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.StreamScripts = [][]*provider.Chunk{{
		{Delta: "Our platform "},
		{Delta: "handles that."},
		{FinishReason: "stop", Usage: &provider.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52}},
	}}
	h := newHarness(t, mock, Config{})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{
		SessionKey: "sess-1",
		Message:    "Does it integrate with Salesforce?",
	})
	require.NoError(t, err)
	require.NotEmpty(t, ts.TurnID)

	text, done, streamErr := drain(t, ts)
	require.NoError(t, streamErr)
	assert.True(t, done, "expected a Done frame")
	assert.Equal(t, "Our platform handles that.", text)
	assert.Equal(t, StateCompleted, ts.State())

	waitWriteBack(t, ts)

	sctx, err := h.store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, sctx.CapabilitiesUsed, 1)
	assert.Equal(t, "chat", sctx.CapabilitiesUsed[0].Capability)
	assert.Equal(t, ts.TurnID, sctx.CapabilitiesUsed[0].Metadata["turnId"])

	_, cost := h.ledger.Totals("", "sess-1")
	assert.Greater(t, cost, 0.0, "turn should be charged against the session")
}

func TestTurnChargesBeforeProviderResponds(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.StreamScripts = [][]*provider.Chunk{{{Delta: "hi"}}}
	h := newHarness(t, mock, Config{})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{
		SessionKey: "sess-charge",
		Message:    "hello",
	})
	require.NoError(t, err)

	// The optimistic charge lands before any frame is read.
	_, cost := h.ledger.Totals("", "sess-charge")
	assert.Greater(t, cost, 0.0)

	drain(t, ts)
	waitWriteBack(t, ts)
}

func TestTurnValidation(t *testing.T) {
	h := newHarness(t, provider.NewMockProvider(), Config{})

	_, err := h.orch.Turn(context.Background(), TurnRequest{Message: "no session"})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	_, err = h.orch.Turn(context.Background(), TurnRequest{SessionKey: "s"})
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))

	assert.Equal(t, 0, h.mock.CallCount())
}

func TestTurnRateLimited(t *testing.T) {
	mock := provider.NewMockProvider()
	h := newHarness(t, mock, Config{MaxTurns: 1, TurnWindow: time.Hour})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-rl", Message: "one"})
	require.NoError(t, err)
	drain(t, ts)
	waitWriteBack(t, ts)

	_, err = h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-rl", Message: "two"})
	require.Error(t, err)
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))

	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Greater(t, f.RetryAfter, time.Duration(0))

	// Another session is unaffected.
	ts2, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-other", Message: "one"})
	require.NoError(t, err)
	drain(t, ts2)
	waitWriteBack(t, ts2)
}

func TestTurnBudgetRejectedBeforeProviderCall(t *testing.T) {
	mock := provider.NewMockProvider()

	store := session.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	ledger := budget.NewLedger(budget.LedgerConfig{AnonCeilingUSD: 0.0000001})
	orch := New(store, ratelimit.New(), ratelimit.NewThrottle(1000, 1000, 100),
		budget.NewSelector(budget.DefaultSelectorConfig()), ledger, budget.NewPricing(),
		mock, Config{})

	_, err := orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-broke", Message: "hello"})
	require.Error(t, err)
	assert.Equal(t, fault.KindBudgetExceeded, fault.KindOf(err))
	assert.Equal(t, 0, mock.CallCount(), "rejected turns must never reach the provider")
}

func TestCancelledTurnSkipsWriteBack(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.StreamScripts = [][]*provider.Chunk{{{Delta: "partial "}}}
	mock.BlockOnRecv = true
	h := newHarness(t, mock, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	ts, err := h.orch.Turn(ctx, TurnRequest{SessionKey: "sess-cancel", Message: "hello"})
	require.NoError(t, err)

	// Read the partial delta, then disconnect.
	f := <-ts.Frames()
	assert.Equal(t, "partial ", f.Delta)
	cancel()

	_, done, streamErr := drain(t, ts)
	assert.False(t, done, "cancelled stream must not emit Done")
	require.NoError(t, streamErr)
	assert.Equal(t, StateCancelled, ts.State())

	waitWriteBack(t, ts)

	// An abandoned turn leaves no capability record behind.
	_, err = h.store.Get(context.Background(), "sess-cancel")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestProviderFailureMidStream(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.StreamScripts = [][]*provider.Chunk{{{Delta: "some "}, {Delta: "output "}}}
	mock.ChunkErr = provider.NewError("mock", provider.ErrorCodeServerError, "upstream 503", nil)
	h := newHarness(t, mock, Config{})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-fail", Message: "hello"})
	require.NoError(t, err)

	text, done, streamErr := drain(t, ts)
	assert.Equal(t, "some output ", text, "already-sent deltas stand")
	assert.False(t, done)
	require.Error(t, streamErr)
	assert.Equal(t, fault.KindProvider, fault.KindOf(streamErr))
	assert.Equal(t, StateFailed, ts.State())

	waitWriteBack(t, ts)
}

func TestProviderRejectsCallUpfront(t *testing.T) {
	mock := provider.NewMockProvider()
	mock.Errors = []error{provider.NewError("mock", provider.ErrorCodeAuthentication, "bad key", nil)}
	h := newHarness(t, mock, Config{})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-auth", Message: "hello"})
	require.NoError(t, err)

	_, done, streamErr := drain(t, ts)
	assert.False(t, done)
	require.Error(t, streamErr)
	assert.Equal(t, fault.KindProvider, fault.KindOf(streamErr))
	assert.Equal(t, StateFailed, ts.State())
}

func TestDrainWaitsForWriteBacks(t *testing.T) {
	mock := provider.NewMockProvider()
	h := newHarness(t, mock, Config{})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-drain", Message: "hello"})
	require.NoError(t, err)
	drain(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.orch.Drain(ctx))

	select {
	case <-ts.WriteBackDone():
	default:
		t.Fatal("Drain returned before the write-back finished")
	}
}

func TestSystemPromptCarriesSessionFacts(t *testing.T) {
	mock := provider.NewMockProvider()
	h := newHarness(t, mock, Config{})

	_, err := h.store.Update(context.Background(), "sess-facts", &session.Patch{
		Identity: &session.Identity{Name: "Dana Reyes", Email: "dana@acme.test", CompanyDomain: "acme.test"},
	})
	require.NoError(t, err)

	ts, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-facts", Message: "pricing?"})
	require.NoError(t, err)
	drain(t, ts)
	waitWriteBack(t, ts)

	require.Equal(t, 1, mock.CallCount())
	assert.Contains(t, mock.Calls[0].System, "Dana Reyes")
	assert.Contains(t, mock.Calls[0].System, "acme.test")
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StatePending:   "pending",
		StateStreaming: "streaming",
		StateCompleted: "completed",
		StateFailed:    "failed",
		StateCancelled: "cancelled",
		State(99):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestFeatureDefaultsToChat(t *testing.T) {
	mock := provider.NewMockProvider()
	h := newHarness(t, mock, Config{})

	ts, err := h.orch.Turn(context.Background(), TurnRequest{SessionKey: "sess-feat", Message: "hi"})
	require.NoError(t, err)
	drain(t, ts)
	waitWriteBack(t, ts)

	sctx, err := h.store.Get(context.Background(), "sess-feat")
	require.NoError(t, err)
	require.Len(t, sctx.CapabilitiesUsed, 1)
	assert.Equal(t, string(budget.FeatureChat), sctx.CapabilitiesUsed[0].Capability)
}
