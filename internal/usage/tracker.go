// Package usage accumulates token counts and dollar cost across every model
// call made during one research run.
package usage

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"deep-research-agent/internal/domain"
)

// Summary is a point-in-time snapshot of a Tracker.
type Summary struct {
	Calls        int             `json:"calls"`
	InputTokens  int             `json:"inputTokens"`
	OutputTokens int             `json:"outputTokens"`
	Cost         decimal.Decimal `json:"costUsd"`
}

// Tracker is safe for concurrent use; parallel researchers record into the
// same tracker.
type Tracker struct {
	mu      sync.Mutex
	pricing map[string]ModelPricing
	summary Summary
	byModel map[string]Summary
}

// NewTracker creates a tracker. A nil pricing table uses DefaultPricing.
func NewTracker(pricing map[string]ModelPricing) *Tracker {
	if pricing == nil {
		pricing = DefaultPricing
	}
	return &Tracker{
		pricing: pricing,
		summary: Summary{Cost: decimal.Zero},
		byModel: make(map[string]Summary),
	}
}

// Record adds one call's usage.
func (t *Tracker) Record(model string, u domain.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := decimal.Zero
	if p, ok := t.priceFor(model); ok {
		cost = p.Cost(u.InputTokens, u.OutputTokens)
	}

	t.summary = add(t.summary, u, cost)
	t.byModel[model] = add(t.byModel[model], u, cost)
}

// priceFor looks up model, falling back to the longest priced id that model
// extends with a "-" suffix, so dated snapshots such as
// "claude-sonnet-4-5-20250929" bill at the base model's rate.
func (t *Tracker) priceFor(model string) (ModelPricing, bool) {
	if p, ok := t.pricing[model]; ok {
		return p, true
	}
	var (
		best  ModelPricing
		found string
	)
	for id, p := range t.pricing {
		if strings.HasPrefix(model, id+"-") && len(id) > len(found) {
			best, found = p, id
		}
	}
	return best, found != ""
}

// Summary returns the running totals.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// ByModel returns the running totals per model.
func (t *Tracker) ByModel() map[string]Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Summary, len(t.byModel))
	for k, v := range t.byModel {
		out[k] = v
	}
	return out
}

func add(s Summary, u domain.Usage, cost decimal.Decimal) Summary {
	s.Calls++
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
	s.Cost = s.Cost.Add(cost)
	return s
}
