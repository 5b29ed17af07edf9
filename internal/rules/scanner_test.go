package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

func profitSnapshot(symbol string, qty, price float64) *types.Snapshot {
	return &types.Snapshot{
		ID:         "snap-1",
		CapturedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Balances:   map[string]decimal.Decimal{symbol: decimal.NewFromFloat(qty)},
		Prices:     map[string]decimal.Decimal{symbol: decimal.NewFromFloat(price)},
	}
}

func TestScannerFindsGainAboveBaseline(t *testing.T) {
	t.Parallel()

	s := NewScanner(config.ProfitConfig{MinGainPct: 10, FeePct: 0.6})
	snap := profitSnapshot(types.SymbolXRP, 12.14, 0.5)
	baselines := map[string]types.Baseline{
		types.SymbolXRP: {
			Symbol:      types.SymbolXRP,
			Baseline:    decimal.NewFromInt(10),
			AvgBuyPrice: decimal.NewFromFloat(0.40),
		},
	}

	opps := s.Scan(snap, baselines)
	if len(opps) != 1 {
		t.Fatalf("Scan() returned %d opportunities, want 1", len(opps))
	}
	o := opps[0]

	if !o.SellQty.Equal(decimal.NewFromFloat(2.14)) {
		t.Errorf("SellQty = %s, want 2.14", o.SellQty)
	}
	if !o.GainPct.Equal(decimal.NewFromInt(25)) {
		t.Errorf("GainPct = %s, want 25", o.GainPct)
	}
	// 2.14 * 0.5 * (1 - 0.6%) = 1.06358
	if !o.EstimatedNetUSD.Equal(decimal.NewFromFloat(1.06358)) {
		t.Errorf("EstimatedNetUSD = %s, want 1.06358", o.EstimatedNetUSD)
	}
	if want := "XRP profit-taking 25%"; o.Title != want {
		t.Errorf("Title = %q, want %q", o.Title, want)
	}
}

func TestScannerSkips(t *testing.T) {
	t.Parallel()

	s := NewScanner(config.ProfitConfig{MinGainPct: 10, FeePct: 0.6})

	tests := []struct {
		name     string
		snap     *types.Snapshot
		baseline types.Baseline
	}{
		{
			"no average buy price",
			profitSnapshot(types.SymbolBTC, 1, 100),
			types.Baseline{Symbol: types.SymbolBTC, Baseline: decimal.NewFromFloat(0.5)},
		},
		{
			"holding at the floor",
			profitSnapshot(types.SymbolBTC, 0.5, 100),
			types.Baseline{Symbol: types.SymbolBTC, Baseline: decimal.NewFromFloat(0.5), AvgBuyPrice: decimal.NewFromInt(50)},
		},
		{
			"gain below threshold",
			profitSnapshot(types.SymbolBTC, 1, 104),
			types.Baseline{Symbol: types.SymbolBTC, Baseline: decimal.NewFromFloat(0.5), AvgBuyPrice: decimal.NewFromInt(100)},
		},
		{
			"min_tokens floor swallows the surplus",
			profitSnapshot(types.SymbolXRP, 12, 0.5),
			types.Baseline{Symbol: types.SymbolXRP, Baseline: decimal.NewFromInt(10), MinTokens: decimal.NewFromInt(12), AvgBuyPrice: decimal.NewFromFloat(0.1)},
		},
	}

	for _, tt := range tests {
		baselines := map[string]types.Baseline{tt.baseline.Symbol: tt.baseline}
		if opps := s.Scan(tt.snap, baselines); len(opps) != 0 {
			t.Errorf("%s: Scan() = %v, want none", tt.name, opps)
		}
	}

	if opps := s.Scan(nil, nil); opps != nil {
		t.Errorf("Scan(nil) = %v, want nil", opps)
	}
}

func TestOpportunityIntent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	o := Opportunity{
		Symbol:          types.SymbolXRP,
		SellQty:         decimal.NewFromFloat(2.14),
		EstimatedNetUSD: decimal.NewFromFloat(1.06),
		Title:           "XRP profit-taking 25%",
	}

	intent := o.Intent(now)
	if intent.Action.Kind != types.ActionExit || intent.Action.Symbol != types.SymbolXRP {
		t.Errorf("intent action = %+v, want XRP exit", intent.Action)
	}
	if !intent.DryRun {
		t.Error("profit-taking intents must always require approval")
	}
	if !intent.RecommendedSellQty.Equal(o.SellQty) {
		t.Errorf("RecommendedSellQty = %s, want %s", intent.RecommendedSellQty, o.SellQty)
	}
	if intent.Reason != o.Title {
		t.Errorf("Reason = %q, want %q", intent.Reason, o.Title)
	}
}
