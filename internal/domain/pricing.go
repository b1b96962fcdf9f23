package domain

import (
	"fmt"
	"math"
)

// ModelPrice is a USD price pair per million tokens.
type ModelPrice struct {
	In  float64 `yaml:"in"`
	Out float64 `yaml:"out"`
}

// ProviderPricing holds the per-model prices of one provider plus the
// fallback pair used for models the table does not list.
type ProviderPricing struct {
	Models  map[string]ModelPrice `yaml:"models"`
	Default *ModelPrice           `yaml:"default"`
}

// PriceTable resolves a provider/model pair to a price pair. Lookup order:
// exact model entry, then the provider default, then the table default.
type PriceTable struct {
	Providers map[string]ProviderPricing `yaml:"providers"`
	Default   *ModelPrice                `yaml:"default"`
}

// DefaultPriceTable returns the built-in rates. A deployment overrides them
// with a pricing file; the table default keeps unknown providers billable.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		Providers: map[string]ProviderPricing{
			"anthropic": {
				Models: map[string]ModelPrice{
					"claude-sonnet-4-0": {In: 3.00, Out: 15.00},
					"claude-haiku-4-5":  {In: 0.25, Out: 1.25},
					"claude-opus-4-5":   {In: 15.00, Out: 75.00},
				},
				Default: &ModelPrice{In: 3.00, Out: 15.00},
			},
			"openai": {
				Models: map[string]ModelPrice{
					"gpt-5.1":    {In: 10.00, Out: 30.00},
					"gpt-5-mini": {In: 0.15, Out: 0.60},
					"gpt-4o":     {In: 5.00, Out: 15.00},
				},
				Default: &ModelPrice{In: 5.00, Out: 15.00},
			},
			"google": {
				Models: map[string]ModelPrice{
					"gemini-2.5-pro":   {In: 1.25, Out: 5.00},
					"gemini-2.5-flash": {In: 0.075, Out: 0.30},
				},
				Default: &ModelPrice{In: 1.00, Out: 3.00},
			},
			"groq": {
				Models: map[string]ModelPrice{
					"llama-3.3-70b": {In: 0.59, Out: 0.79},
				},
				Default: &ModelPrice{In: 0.20, Out: 0.20},
			},
			"xai": {
				Models: map[string]ModelPrice{
					"grok-code-fast": {In: 2.00, Out: 8.00},
				},
				Default: &ModelPrice{In: 2.00, Out: 8.00},
			},
		},
		Default: &ModelPrice{In: 1.00, Out: 3.00},
	}
}

// Lookup resolves the price pair for a provider/model. It returns
// ErrPricingUnknown only when neither a provider default nor a table default
// exists.
func (t PriceTable) Lookup(provider, model string) (ModelPrice, error) {
	if p, ok := t.Providers[provider]; ok {
		if price, ok := p.Models[model]; ok {
			return price, nil
		}
		if p.Default != nil {
			return *p.Default, nil
		}
	}
	if t.Default != nil {
		return *t.Default, nil
	}
	return ModelPrice{}, fmt.Errorf("op=domain.Lookup provider=%s model=%s: %w", provider, model, ErrPricingUnknown)
}

// Cost prices one call's usage in USD.
func (t PriceTable) Cost(provider, model string, u Usage) (float64, error) {
	price, err := t.Lookup(provider, model)
	if err != nil {
		return 0, err
	}
	return float64(u.TokensIn)/1_000_000*price.In + float64(u.TokensOut)/1_000_000*price.Out, nil
}

// BudgetStatus is the ratcheted classification of project spend against its
// allocated budget.
type BudgetStatus string

const (
	BudgetOK       BudgetStatus = "ok"
	BudgetWarning  BudgetStatus = "warning"
	BudgetCritical BudgetStatus = "critical"
	BudgetExceeded BudgetStatus = "exceeded"
)

// BudgetSnapshot is one point-in-time reading of project spend. Remaining is
// +Inf for projects without a budget.
type BudgetSnapshot struct {
	Status      BudgetStatus `json:"status"`
	Spent       float64      `json:"spent"`
	Budget      *float64     `json:"budget,omitempty"`
	Remaining   float64      `json:"remaining"`
	UsedPercent float64      `json:"used_percent"`
}

// ClassifyBudget buckets spend by percentage used: below 80 is ok, 80 up to
// 95 warns, 95 up to 100 is critical, 100 and above is exceeded. A nil
// budget never restricts.
func ClassifyBudget(spent float64, budget *float64) BudgetSnapshot {
	snap := BudgetSnapshot{Spent: spent, Budget: budget}
	if budget == nil {
		snap.Status = BudgetOK
		snap.Remaining = math.Inf(1)
		return snap
	}
	snap.Remaining = *budget - spent
	if *budget <= 0 {
		snap.Status = BudgetExceeded
		snap.UsedPercent = 100
		return snap
	}
	snap.UsedPercent = spent / *budget * 100
	switch {
	case snap.UsedPercent >= 100:
		snap.Status = BudgetExceeded
	case snap.UsedPercent >= 95:
		snap.Status = BudgetCritical
	case snap.UsedPercent >= 80:
		snap.Status = BudgetWarning
	default:
		snap.Status = BudgetOK
	}
	return snap
}

// Exhausted reports whether new work must not start.
func (s BudgetSnapshot) Exhausted() bool {
	return s.Status == BudgetExceeded
}

// CostReport aggregates one project's spend over a period. Failed jobs keep
// their cost: tokens were bought whether or not the attempt succeeded.
type CostReport struct {
	TotalCost     float64 `json:"total_cost"`
	TotalJobs     int64   `json:"total_jobs"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	AveragePerJob float64 `json:"average_per_job"`
}
