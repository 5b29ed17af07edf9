package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

// Rejection codes. Stable strings — they appear in alerts, audit rows, and
// HTTP responses.
const (
	CodeKillSwitch  = "KILL_SWITCH_ENABLED"
	CodeCooldown    = "COOLDOWN"
	CodeDrawdown    = "MAX_DRAWDOWN"
	CodeDailyLoss   = "DAILY_LOSS_LIMIT"
	CodeVelocity    = "VELOCITY_THROTTLE"
	CodeCollateral  = "COLLATERAL_BTC"
	CodeMaxPosition = "MAX_POSITION"
)

// BaselineCode returns the per-symbol baseline rejection code, e.g.
// BASELINE_BTC.
func BaselineCode(symbol string) string { return "BASELINE_" + symbol }

// Decision is the gate's verdict. Rejection is a normal result, never an
// error.
type Decision struct {
	Allowed bool
	Code    string
	Reason  string
}

func allow() Decision { return Decision{Allowed: true} }

func reject(code, format string, args ...any) Decision {
	return Decision{Allowed: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Context is the read-only market state a single gate call evaluates
// against. Built once per tick from the latest snapshot; the gate itself
// performs no I/O.
type Context struct {
	Snapshot   *types.Snapshot
	TotalValue decimal.Decimal
	Baselines  map[string]types.Baseline
	// Locked maps symbol → locked collateral quantity.
	Locked       map[string]decimal.Decimal
	KillSwitchOn bool
}

// Gate applies the fixed-order guardrail checks.
type Gate struct {
	cfg   config.RiskConfig
	state *State
	nowFn func() time.Time
}

// NewGate creates the gate over shared risk state.
func NewGate(cfg config.RiskConfig, state *State) *Gate {
	return &Gate{cfg: cfg, state: state, nowFn: time.Now}
}

// State exposes the shared risk state (the pipeline records executions
// through it).
func (g *Gate) State() *State { return g.state }

// Check runs the guardrails in fixed order; the first failure wins.
//
//  0. kill-switch
//  1. per-rule cooldown
//  2. max drawdown (assumed-peak heuristic)
//  3. daily loss limit
//  4. velocity throttle
//  5. baseline protection (core-asset sells)
//  6. collateral protection (BTC sells)
//  7. max position (entries)
func (g *Gate) Check(rule *types.Rule, ctx Context, intent *types.Intent) Decision {
	now := g.nowFn()
	action := intent.Action

	// 0. Global halt.
	if ctx.KillSwitchOn {
		return reject(CodeKillSwitch, "kill switch engaged")
	}

	// 1. Cooldown.
	if rule.Risk.CooldownSecs > 0 {
		if last, ok := g.state.LastExecution(rule.ID); ok {
			elapsed := now.Sub(last)
			cooldown := time.Duration(rule.Risk.CooldownSecs) * time.Second
			if elapsed < cooldown {
				return reject(CodeCooldown, "rule executed %s ago, cooldown %s", elapsed.Round(time.Second), cooldown)
			}
		}
	}

	// 2. Max drawdown. The peak is assumed, not tracked: see the
	// assumed_peak_factor config knob.
	if rule.Risk.MaxDailyLossPct.Sign() > 0 && ctx.TotalValue.Sign() > 0 {
		peak := ctx.TotalValue.Mul(decimal.NewFromFloat(g.cfg.AssumedPeakFactor))
		floor := peak.Mul(decimal.NewFromInt(1).Sub(rule.Risk.MaxDailyLossPct.Div(decimal.NewFromInt(100))))
		if ctx.TotalValue.LessThan(floor) {
			return reject(CodeDrawdown, "portfolio %s below assumed-peak floor %s",
				ctx.TotalValue.StringFixed(2), floor.StringFixed(2))
		}
	}

	// 3. Daily loss limit (percent of portfolio value).
	if rule.Risk.MaxDailyLossPct.Sign() > 0 && ctx.TotalValue.Sign() > 0 {
		loss := g.state.DailyLoss(now).Abs()
		lossPct := loss.Div(ctx.TotalValue).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThanOrEqual(rule.Risk.MaxDailyLossPct) {
			return reject(CodeDailyLoss, "daily loss %s%% >= limit %s%%",
				lossPct.StringFixed(2), rule.Risk.MaxDailyLossPct.StringFixed(2))
		}
	}

	// 4. Velocity throttle.
	if rule.Risk.ThrottleVelocity {
		trades := g.state.TradesLastHour(now)
		if trades >= g.cfg.MaxTradesHour {
			return reject(CodeVelocity, "%d trades in the last hour (max %d)", trades, g.cfg.MaxTradesHour)
		}
	}

	qtyToSell := sellQuantity(action, ctx)

	// 5. Baseline protection: never sell a core asset through its floor.
	if rule.Risk.BaselineProtection && action.Kind == types.ActionExit && types.IsCoreAsset(action.Symbol) {
		holding := ctx.Snapshot.Balances[action.Symbol]
		base, hasBase := ctx.Baselines[action.Symbol]
		if hasBase {
			remaining := holding.Sub(qtyToSell)
			floor := base.Baseline
			if action.Symbol == types.SymbolXRP && base.MinTokens.GreaterThan(floor) {
				floor = base.MinTokens
			}
			if remaining.LessThan(floor) {
				return reject(BaselineCode(action.Symbol),
					"selling %s would leave %s %s, below baseline %s",
					qtyToSell.StringFixed(8), remaining.StringFixed(8), action.Symbol, floor.StringFixed(8))
			}
		}
	}

	// 6. Collateral protection: BTC backing a loan cannot be sold.
	if action.Kind == types.ActionExit && action.Symbol == types.SymbolBTC {
		if locked, ok := ctx.Locked[types.SymbolBTC]; ok && locked.Sign() > 0 {
			holding := ctx.Snapshot.Balances[types.SymbolBTC]
			if holding.Sub(qtyToSell).LessThan(locked) {
				return reject(CodeCollateral,
					"selling %s BTC would breach locked collateral %s",
					qtyToSell.StringFixed(8), locked.StringFixed(8))
			}
		}
	}

	// 7. Max position: entries may not push exposure past the cap.
	if action.Kind == types.ActionEnter && rule.Risk.MaxPositionPct.Sign() > 0 && ctx.TotalValue.Sign() > 0 {
		exposure := exposurePct(action.Symbol, ctx)
		if exposure.Add(action.AllocationPct).GreaterThan(rule.Risk.MaxPositionPct) {
			return reject(CodeMaxPosition, "exposure %s%% + allocation %s%% exceeds cap %s%%",
				exposure.StringFixed(2), action.AllocationPct.StringFixed(2),
				rule.Risk.MaxPositionPct.StringFixed(2))
		}
	}

	return allow()
}

// sellQuantity converts an exit action's allocation percent into asset
// quantity at the snapshot price. Zero when the price is missing.
func sellQuantity(action types.Action, ctx Context) decimal.Decimal {
	if action.Kind != types.ActionExit {
		return decimal.Zero
	}
	price, ok := ctx.Snapshot.Prices[action.Symbol]
	if !ok || price.Sign() <= 0 {
		return decimal.Zero
	}
	usd := action.AllocationPct.Div(decimal.NewFromInt(100)).Mul(ctx.TotalValue)
	return usd.Div(price)
}

// exposurePct returns the symbol's share of total portfolio value.
func exposurePct(symbol string, ctx Context) decimal.Decimal {
	price, ok := ctx.Snapshot.Prices[symbol]
	if !ok || ctx.TotalValue.Sign() <= 0 {
		return decimal.Zero
	}
	value := ctx.Snapshot.Balances[symbol].Mul(price)
	return value.Div(ctx.TotalValue).Mul(decimal.NewFromInt(100))
}
