package budget

import (
	"sync"
	"time"

	"github.com/veldtlabs/concierge/internal/fault"
)

// LedgerConfig bounds spend per identity over a rolling window.
type LedgerConfig struct {
	// Window is the accounting window (default 24h).
	Window time.Duration `yaml:"window"`
	// CeilingUSD is the per-identity spend ceiling within a window.
	CeilingUSD float64 `yaml:"ceiling_usd"`
	// AnonCeilingUSD applies to sessions without an identity. Kept
	// tighter since anonymous keys are free to mint.
	AnonCeilingUSD float64 `yaml:"anon_ceiling_usd"`
}

// DefaultLedgerConfig returns the production ceilings.
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		Window:         24 * time.Hour,
		CeilingUSD:     2.00,
		AnonCeilingUSD: 0.50,
	}
}

type account struct {
	tokens        int64
	costUSD       float64
	windowResetAt time.Time
}

// Ledger keeps running token/cost totals per identity. Mutations are
// append-and-sum; totals only drop at window rollover. Charges are
// accounted optimistically before the provider call so concurrent
// calls against one identity cannot jointly race past the ceiling.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]*account
	cfg      LedgerConfig
	now      func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock substitutes the time source. Used by tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates a Ledger.
func NewLedger(cfg LedgerConfig, opts ...LedgerOption) *Ledger {
	def := DefaultLedgerConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.CeilingUSD <= 0 {
		cfg.CeilingUSD = def.CeilingUSD
	}
	if cfg.AnonCeilingUSD <= 0 {
		cfg.AnonCeilingUSD = def.AnonCeilingUSD
	}
	l := &Ledger{
		accounts: make(map[string]*account),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// accountKey charges the identity when known, otherwise the session.
func accountKey(identityKey, sessionKey string) (string, bool) {
	if identityKey != "" {
		return "id:" + identityKey, true
	}
	return "sess:" + sessionKey, false
}

// Enforce checks the running total against the ceiling. When persist
// is true and the call is allowed, the estimate is charged immediately
// under the ledger lock (optimistic accounting). Rejection is a
// BudgetExceeded fault, deliberately distinct from rate limiting.
func (l *Ledger) Enforce(identityKey, sessionKey string, feature Feature, model string, estimatedTokens int, estimatedCostUSD float64, persist bool) error {
	key, identified := accountKey(identityKey, sessionKey)
	ceiling := l.cfg.CeilingUSD
	if !identified {
		ceiling = l.cfg.AnonCeilingUSD
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok || !now.Before(acct.windowResetAt) {
		acct = &account{windowResetAt: now.Add(l.cfg.Window)}
		l.accounts[key] = acct
	}

	if acct.costUSD+estimatedCostUSD > ceiling {
		return fault.Newf(fault.KindBudgetExceeded,
			"%s quota exhausted for %s (%.4f + %.4f > %.2f USD)",
			feature, model, acct.costUSD, estimatedCostUSD, ceiling)
	}

	if persist {
		acct.costUSD += estimatedCostUSD
		acct.tokens += int64(estimatedTokens)
	}
	return nil
}

// Reconcile settles the optimistic charge against the final usage.
// Totals never decrement inside a window, so only a positive delta
// (actual above estimate) is appended; overestimates stand until
// rollover.
func (l *Ledger) Reconcile(identityKey, sessionKey string, estimatedTokens int, estimatedCostUSD float64, actualTokens int, actualCostUSD float64) {
	key, _ := accountKey(identityKey, sessionKey)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok || !now.Before(acct.windowResetAt) {
		return
	}
	if d := actualCostUSD - estimatedCostUSD; d > 0 {
		acct.costUSD += d
	}
	if d := int64(actualTokens) - int64(estimatedTokens); d > 0 {
		acct.tokens += d
	}
}

// Totals reports the running window totals for an account. Used by the
// admin surface and tests.
func (l *Ledger) Totals(identityKey, sessionKey string) (tokens int64, costUSD float64) {
	key, _ := accountKey(identityKey, sessionKey)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.accounts[key]
	if !ok || !now.Before(acct.windowResetAt) {
		return 0, 0
	}
	return acct.tokens, acct.costUSD
}

// Sweep drops accounts whose window has rolled over.
func (l *Ledger) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, acct := range l.accounts {
		if !now.Before(acct.windowResetAt) {
			delete(l.accounts, key)
			removed++
		}
	}
	return removed
}
