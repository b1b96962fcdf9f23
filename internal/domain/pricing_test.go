package domain

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPriceTableLookup(t *testing.T) {
	table := DefaultPriceTable()

	tests := []struct {
		name     string
		provider string
		model    string
		in, out  float64
	}{
		{"exact anthropic model", "anthropic", "claude-sonnet-4-0", 3.00, 15.00},
		{"exact openai model", "openai", "gpt-5-mini", 0.15, 0.60},
		{"unknown model falls to provider default", "anthropic", "claude-nonexistent", 3.00, 15.00},
		{"unknown groq model", "groq", "mixtral-nonexistent", 0.20, 0.20},
		{"unknown provider falls to table default", "mystery", "whatever", 1.00, 3.00},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := table.Lookup(tt.provider, tt.model)
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if price.In != tt.in || price.Out != tt.out {
				t.Errorf("Lookup(%s, %s) = %v/%v, want %v/%v", tt.provider, tt.model, price.In, price.Out, tt.in, tt.out)
			}
		})
	}
}

func TestPriceTableLookupUnknown(t *testing.T) {
	table := PriceTable{Providers: map[string]ProviderPricing{
		"strict": {Models: map[string]ModelPrice{"only-model": {In: 1, Out: 2}}},
	}}

	if _, err := table.Lookup("strict", "only-model"); err != nil {
		t.Fatalf("exact lookup should succeed: %v", err)
	}
	_, err := table.Lookup("strict", "other-model")
	if !errors.Is(err, ErrPricingUnknown) {
		t.Errorf("expected ErrPricingUnknown, got %v", err)
	}
	_, err = table.Lookup("absent", "model")
	if !errors.Is(err, ErrPricingUnknown) {
		t.Errorf("expected ErrPricingUnknown for absent provider, got %v", err)
	}
}

func TestCost(t *testing.T) {
	table := DefaultPriceTable()

	// 3000 in at $3/M plus 100 out at $15/M.
	got, err := table.Cost("anthropic", "claude-sonnet-4-0", Usage{TokensIn: 3000, TokensOut: 100})
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if !almostEqual(got, 0.0105) {
		t.Errorf("Cost = %v, want 0.0105", got)
	}

	got, err = table.Cost("openai", "gpt-4o", Usage{TokensIn: 1_000_000, TokensOut: 1_000_000})
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if !almostEqual(got, 20.00) {
		t.Errorf("Cost = %v, want 20.00", got)
	}

	got, err = table.Cost("anthropic", "claude-sonnet-4-0", Usage{})
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if got != 0 {
		t.Errorf("Cost of zero usage = %v, want 0", got)
	}
}

func TestClassifyBudget(t *testing.T) {
	budget := func(v float64) *float64 { return &v }

	tests := []struct {
		name     string
		spent    float64
		budget   *float64
		expected BudgetStatus
	}{
		{"well under", 10, budget(100), BudgetOK},
		{"just under warning", 79.99, budget(100), BudgetOK},
		{"warning floor", 80, budget(100), BudgetWarning},
		{"warning ceiling", 94.99, budget(100), BudgetWarning},
		{"critical floor", 95, budget(100), BudgetCritical},
		{"critical ceiling", 99.99, budget(100), BudgetCritical},
		{"exceeded floor", 100, budget(100), BudgetExceeded},
		{"over", 150, budget(100), BudgetExceeded},
		{"zero budget", 0, budget(0), BudgetExceeded},
		{"no budget", 1e9, nil, BudgetOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := ClassifyBudget(tt.spent, tt.budget)
			if snap.Status != tt.expected {
				t.Errorf("ClassifyBudget(%v) status = %s, want %s", tt.spent, snap.Status, tt.expected)
			}
		})
	}
}

func TestClassifyBudgetUnlimited(t *testing.T) {
	snap := ClassifyBudget(42.5, nil)
	if !math.IsInf(snap.Remaining, 1) {
		t.Errorf("Remaining = %v, want +Inf", snap.Remaining)
	}
	if snap.Exhausted() {
		t.Error("unlimited budget must never be exhausted")
	}
	if snap.UsedPercent != 0 {
		t.Errorf("UsedPercent = %v, want 0", snap.UsedPercent)
	}
}

func TestClassifyBudgetRemaining(t *testing.T) {
	b := 50.0
	snap := ClassifyBudget(20, &b)
	if !almostEqual(snap.Remaining, 30) {
		t.Errorf("Remaining = %v, want 30", snap.Remaining)
	}
	if !almostEqual(snap.UsedPercent, 40) {
		t.Errorf("UsedPercent = %v, want 40", snap.UsedPercent)
	}
}
