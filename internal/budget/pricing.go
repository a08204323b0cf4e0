// Package budget decides which model serves a request and caps spend
// per identity over a rolling window.
package budget

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ModelPricing contains pricing information for a specific model.
type ModelPricing struct {
	Model       string
	InputPer1M  float64 // cost per 1M input tokens in USD
	OutputPer1M float64 // cost per 1M output tokens in USD
}

// Usage represents token usage for a single provider call.
type Usage struct {
	Model        string
	InputTokens  int
	OutputTokens int
}

// Cost represents the calculated cost for provider usage.
type Cost struct {
	InputCost  float64
	OutputCost float64
	TotalCost  float64
	Currency   string
}

// Pricing maps models to per-token prices.
type Pricing struct {
	mu     sync.RWMutex
	models map[string]*ModelPricing
}

// NewPricing creates a pricing table with defaults for the models this
// product routes to. Prices as of mid 2026 - update periodically.
func NewPricing() *Pricing {
	p := &Pricing{models: make(map[string]*ModelPricing)}
	for _, mp := range []*ModelPricing{
		{Model: "gpt-4o", InputPer1M: 2.5, OutputPer1M: 10.0},
		{Model: "gpt-4o-mini", InputPer1M: 0.15, OutputPer1M: 0.60},
		{Model: "gpt-4-turbo", InputPer1M: 10.0, OutputPer1M: 30.0},
		{Model: "gemini-2.5-pro", InputPer1M: 1.25, OutputPer1M: 10.0},
		{Model: "gemini-2.5-flash", InputPer1M: 0.15, OutputPer1M: 0.60},
	} {
		p.models[mp.Model] = mp
	}
	return p
}

// Add adds or updates pricing for a model.
func (p *Pricing) Add(mp *ModelPricing) {
	if mp == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models[mp.Model] = mp
}

// Get retrieves pricing for a model. Falls back to the longest
// registered prefix so dated variants resolve deterministically.
func (p *Pricing) Get(model string) (*ModelPricing, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if mp, ok := p.models[model]; ok {
		cp := *mp
		return &cp, true
	}

	keys := make([]string, 0, len(p.models))
	for k := range p.models {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })

	for _, k := range keys {
		if strings.HasPrefix(model, k) {
			cp := *p.models[k]
			return &cp, true
		}
	}
	return nil, false
}

// Calculate computes the cost for the given usage.
func (p *Pricing) Calculate(usage *Usage) (*Cost, error) {
	mp, ok := p.Get(usage.Model)
	if !ok {
		return nil, fmt.Errorf("no pricing found for model: %s", usage.Model)
	}

	cost := &Cost{Currency: "USD"}
	if usage.InputTokens > 0 {
		cost.InputCost = (float64(usage.InputTokens) / 1_000_000) * mp.InputPer1M
	}
	if usage.OutputTokens > 0 {
		cost.OutputCost = (float64(usage.OutputTokens) / 1_000_000) * mp.OutputPer1M
	}
	cost.TotalCost = cost.InputCost + cost.OutputCost
	return cost, nil
}

// Estimate prices an upcoming call from its estimated token split.
func (p *Pricing) Estimate(model string, inputTokens, outputTokens int) (float64, error) {
	cost, err := p.Calculate(&Usage{
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	if err != nil {
		return 0, err
	}
	return cost.TotalCost, nil
}
