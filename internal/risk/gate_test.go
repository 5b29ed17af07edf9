package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

func newTestGate() *Gate {
	cfg := config.RiskConfig{
		MaxTradesHour:       3,
		DailyLossLimit:      -1000,
		CollateralMinHealth: 1.1,
		RecoveryGrace:       time.Hour,
		AssumedPeakFactor:   1.0,
	}
	g := NewGate(cfg, NewState())
	g.nowFn = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }
	return g
}

// testContext builds a 1 BTC @ 100 + 100 XRP @ 0.5 portfolio (total 150).
func testContext() Context {
	return Context{
		Snapshot: &types.Snapshot{
			Balances: map[string]decimal.Decimal{
				types.SymbolBTC: decimal.NewFromInt(1),
				types.SymbolXRP: decimal.NewFromInt(100),
			},
			Prices: map[string]decimal.Decimal{
				types.SymbolBTC: decimal.NewFromInt(100),
				types.SymbolXRP: decimal.NewFromFloat(0.5),
			},
		},
		TotalValue: decimal.NewFromInt(150),
		Baselines:  map[string]types.Baseline{},
		Locked:     map[string]decimal.Decimal{},
	}
}

func exitIntent(symbol string, allocPct int64) *types.Intent {
	return &types.Intent{
		RuleID: "r1",
		Action: types.Action{Kind: types.ActionExit, Symbol: symbol, AllocationPct: decimal.NewFromInt(allocPct)},
	}
}

func TestGateKillSwitchWinsFirst(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	// Cooldown would also reject, but the kill switch is checked first.
	g.state.RecordExecution("r1", "BTC", types.Sell, decimal.Zero, g.nowFn())

	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{CooldownSecs: 600}}
	ctx := testContext()
	ctx.KillSwitchOn = true

	d := g.Check(rule, ctx, exitIntent(types.SymbolBTC, 10))
	if d.Allowed || d.Code != CodeKillSwitch {
		t.Errorf("Decision = %+v, want rejection with code %s", d, CodeKillSwitch)
	}
}

func TestGateCooldown(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	now := g.nowFn()
	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{CooldownSecs: 600}}

	g.state.RecordExecution("r1", "BTC", types.Sell, decimal.Zero, now.Add(-time.Minute))
	d := g.Check(rule, testContext(), exitIntent(types.SymbolBTC, 10))
	if d.Allowed || d.Code != CodeCooldown {
		t.Errorf("Decision = %+v, want rejection with code %s", d, CodeCooldown)
	}

	// Re-check after the window has elapsed.
	g2 := newTestGate()
	g2.state.RecordExecution("r1", "BTC", types.Sell, decimal.Zero, now.Add(-11*time.Minute))
	if d := g2.Check(rule, testContext(), exitIntent(types.SymbolBTC, 10)); !d.Allowed {
		t.Errorf("Decision = %+v, want allowed after cooldown elapsed", d)
	}
}

func TestGateDailyLossLimit(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{MaxDailyLossPct: decimal.NewFromInt(5)}}
	ctx := testContext()
	ctx.TotalValue = decimal.NewFromInt(1000)

	// 6% of portfolio lost today, limit is 5%.
	g.state.RecordExecution("other", "BTC", types.Sell, decimal.NewFromInt(-60), g.nowFn())

	d := g.Check(rule, ctx, exitIntent(types.SymbolBTC, 10))
	if d.Allowed || d.Code != CodeDailyLoss {
		t.Errorf("Decision = %+v, want rejection with code %s", d, CodeDailyLoss)
	}
}

func TestGateVelocityThrottle(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	now := g.nowFn()
	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{ThrottleVelocity: true}}

	for i := 0; i < 3; i++ {
		g.state.RecordExecution("other", "XRP", types.Sell, decimal.Zero, now.Add(-time.Duration(i+1)*time.Minute))
	}

	d := g.Check(rule, testContext(), exitIntent(types.SymbolXRP, 5))
	if d.Allowed || d.Code != CodeVelocity {
		t.Errorf("Decision = %+v, want rejection with code %s", d, CodeVelocity)
	}
}

func TestGateBaselineProtection(t *testing.T) {
	t.Parallel()

	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{BaselineProtection: true}}

	tests := []struct {
		name     string
		allocPct int64
		wantCode string
	}{
		// Selling 20% of 150 USD = 30 USD = 0.3 BTC, leaving 0.7 < baseline 0.9.
		{"through the floor", 20, BaselineCode(types.SymbolBTC)},
		// Selling 5% = 7.5 USD = 0.075 BTC, leaving 0.925 >= 0.9.
		{"above the floor", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGate()
			ctx := testContext()
			ctx.Baselines[types.SymbolBTC] = types.Baseline{
				Symbol:   types.SymbolBTC,
				Baseline: decimal.NewFromFloat(0.9),
			}
			d := g.Check(rule, ctx, exitIntent(types.SymbolBTC, tt.allocPct))
			if tt.wantCode == "" {
				if !d.Allowed {
					t.Errorf("Decision = %+v, want allowed", d)
				}
			} else if d.Allowed || d.Code != tt.wantCode {
				t.Errorf("Decision = %+v, want rejection with code %s", d, tt.wantCode)
			}
		})
	}
}

func TestGateXRPMinTokensRaisesFloor(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{BaselineProtection: true}}
	ctx := testContext()
	ctx.Baselines[types.SymbolXRP] = types.Baseline{
		Symbol:    types.SymbolXRP,
		Baseline:  decimal.NewFromInt(10),
		MinTokens: decimal.NewFromInt(95),
	}

	// Selling 5% of 150 USD = 7.5 USD = 15 XRP, leaving 85 < min_tokens 95.
	d := g.Check(rule, ctx, exitIntent(types.SymbolXRP, 5))
	if d.Allowed || d.Code != BaselineCode(types.SymbolXRP) {
		t.Errorf("Decision = %+v, want rejection with code %s", d, BaselineCode(types.SymbolXRP))
	}
}

func TestGateCollateralProtection(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	rule := &types.Rule{ID: "r1"}
	ctx := testContext()
	ctx.Locked[types.SymbolBTC] = decimal.NewFromFloat(0.8)

	// Selling 40% of 150 USD = 60 USD = 0.6 BTC, leaving 0.4 < locked 0.8.
	d := g.Check(rule, ctx, exitIntent(types.SymbolBTC, 40))
	if d.Allowed || d.Code != CodeCollateral {
		t.Errorf("Decision = %+v, want rejection with code %s", d, CodeCollateral)
	}

	// Selling 10% = 0.15 BTC, leaving 0.85 >= 0.8.
	if d := g.Check(rule, ctx, exitIntent(types.SymbolBTC, 10)); !d.Allowed {
		t.Errorf("Decision = %+v, want allowed", d)
	}
}

func TestGateMaxPosition(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{MaxPositionPct: decimal.NewFromInt(40)}}
	ctx := testContext()

	// XRP exposure is 50/150 = 33.33%; adding 10% breaches the 40% cap.
	enter := &types.Intent{
		RuleID: "r1",
		Action: types.Action{Kind: types.ActionEnter, Symbol: types.SymbolXRP, AllocationPct: decimal.NewFromInt(10)},
	}
	d := g.Check(rule, ctx, enter)
	if d.Allowed || d.Code != CodeMaxPosition {
		t.Errorf("Decision = %+v, want rejection with code %s", d, CodeMaxPosition)
	}

	small := &types.Intent{
		RuleID: "r1",
		Action: types.Action{Kind: types.ActionEnter, Symbol: types.SymbolXRP, AllocationPct: decimal.NewFromInt(5)},
	}
	if d := g.Check(rule, ctx, small); !d.Allowed {
		t.Errorf("Decision = %+v, want allowed", d)
	}
}

func TestGateAllowsCleanIntent(t *testing.T) {
	t.Parallel()

	g := newTestGate()
	rule := &types.Rule{ID: "r1", Risk: types.RuleRisk{
		CooldownSecs:       600,
		MaxDailyLossPct:    decimal.NewFromInt(5),
		BaselineProtection: true,
		ThrottleVelocity:   true,
	}}
	d := g.Check(rule, testContext(), exitIntent(types.SymbolXRP, 5))
	if !d.Allowed || d.Code != "" {
		t.Errorf("Decision = %+v, want clean allow", d)
	}
}
