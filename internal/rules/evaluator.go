// Package rules evaluates declarative trading rules against portfolio
// snapshots and emits trade intents.
//
// The evaluator is read-only: it consults the snapshot history for lookback
// conditions but never writes to persistence. Intents flow to the pipeline,
// which owns gating, approvals, and execution. The profit-taking scanner
// lives here too since it shares the same read-only posture.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

// History is the snapshot lookback capability the evaluator reads from.
// *store.Store satisfies it.
type History interface {
	SnapshotsSince(ctx context.Context, cutoff time.Time) ([]*types.Snapshot, error)
}

// Evaluator turns enabled rules plus the latest snapshot into intents.
type Evaluator struct {
	history History
	cfg     config.PipelineConfig
	logger  *slog.Logger
	nowFn   func() time.Time
}

// New creates the evaluator.
func New(history History, cfg config.PipelineConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		history: history,
		cfg:     cfg,
		logger:  logger.With("component", "rules"),
		nowFn:   time.Now,
	}
}

// Evaluate runs one tick over the rule list, in insertion order. events
// carries external event names published since the last tick; interval
// triggers always fire, event triggers fire only on a matching name.
//
// All conditions of a rule must hold (short-circuit AND); a condition with
// missing market data fails that condition, not the tick. Actions of a
// matched rule become intents left to right.
func (e *Evaluator) Evaluate(ctx context.Context, snap *types.Snapshot, ruleList []*types.Rule, events map[string]bool) []*types.Intent {
	if snap == nil {
		return nil
	}
	now := e.nowFn()
	total := snap.TotalValueUSD()

	var intents []*types.Intent
	for _, rule := range ruleList {
		if !rule.Enabled {
			continue
		}
		if !e.triggered(rule, events) {
			continue
		}
		if !e.Matches(ctx, snap, rule) {
			continue
		}
		for _, action := range rule.Actions {
			intents = append(intents, e.buildIntent(rule, action, snap, total, now))
		}
	}
	return intents
}

// Matches reports whether every condition of the rule holds against the
// snapshot. Used by Evaluate and by the backtest task for historical
// replay.
func (e *Evaluator) Matches(ctx context.Context, snap *types.Snapshot, rule *types.Rule) bool {
	total := snap.TotalValueUSD()
	for _, cond := range rule.Conditions {
		ok, err := e.condition(ctx, snap, total, cond)
		if err != nil {
			e.logger.Warn("condition evaluation failed", "rule", rule.ID, "kind", cond.Kind, "error", err)
			ok = false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *Evaluator) triggered(rule *types.Rule, events map[string]bool) bool {
	switch rule.Trigger.Kind {
	case types.TriggerInterval, "":
		return true
	case types.TriggerEvent:
		return events[rule.Trigger.Event]
	default:
		return false
	}
}

func (e *Evaluator) buildIntent(rule *types.Rule, action types.Action, snap *types.Snapshot, total decimal.Decimal, now time.Time) *types.Intent {
	intent := &types.Intent{
		RuleID:    rule.ID,
		Action:    action,
		Reason:    fmt.Sprintf("rule %q matched", rule.Name),
		CreatedAt: now.UTC(),
	}
	if action.Kind == types.ActionEnter || action.Kind == types.ActionExit {
		intent.EstimatedValueUSD = action.AllocationPct.Div(decimal.NewFromInt(100)).Mul(total)
	}

	// Core assets execute without approval only when auto-execution is
	// explicitly enabled; everything else requires a human.
	if types.IsCoreAsset(action.Symbol) {
		intent.DryRun = !e.cfg.AutoExecuteEnabled
	} else {
		intent.DryRun = true
	}
	return intent
}

// condition evaluates a single condition. Missing data returns (false, nil).
func (e *Evaluator) condition(ctx context.Context, snap *types.Snapshot, total decimal.Decimal, cond types.Condition) (bool, error) {
	switch cond.Kind {
	case types.CondPortfolioExposure:
		return e.exposureCondition(snap, total, cond), nil
	case types.CondPriceChangePct:
		return e.priceChangeCondition(ctx, snap, cond)
	case types.CondIndicator:
		return e.indicatorCondition(ctx, snap, cond)
	default:
		return false, fmt.Errorf("unknown condition kind %q", cond.Kind)
	}
}

func (e *Evaluator) exposureCondition(snap *types.Snapshot, total decimal.Decimal, cond types.Condition) bool {
	price, ok := snap.Prices[cond.Symbol]
	if !ok || total.Sign() <= 0 {
		return false
	}
	exposure, _ := snap.Balances[cond.Symbol].Mul(price).Div(total).Mul(decimal.NewFromInt(100)).Float64()

	if cond.LtPct != nil && !(exposure < *cond.LtPct) {
		return false
	}
	if cond.GtPct != nil && !(exposure > *cond.GtPct) {
		return false
	}
	return cond.LtPct != nil || cond.GtPct != nil
}

func (e *Evaluator) priceChangeCondition(ctx context.Context, snap *types.Snapshot, cond types.Condition) (bool, error) {
	if cond.WindowMins <= 0 {
		return false, nil
	}
	now, ok := snap.Prices[cond.Symbol]
	if !ok || now.Sign() <= 0 {
		return false, nil
	}
	cutoff := snap.CapturedAt.Add(-time.Duration(cond.WindowMins) * time.Minute)
	history, err := e.history.SnapshotsSince(ctx, cutoff)
	if err != nil {
		return false, err
	}

	// Oldest in-window price is the reference point.
	var then decimal.Decimal
	for _, s := range history {
		if p, ok := s.Prices[cond.Symbol]; ok && p.Sign() > 0 {
			then = p
			break
		}
	}
	if then.Sign() <= 0 {
		return false, nil
	}
	change, _ := now.Sub(then).Div(then).Mul(decimal.NewFromInt(100)).Float64()

	if cond.Lt != nil && !(change < *cond.Lt) {
		return false, nil
	}
	if cond.Gt != nil && !(change > *cond.Gt) {
		return false, nil
	}
	return cond.Lt != nil || cond.Gt != nil, nil
}

func (e *Evaluator) indicatorCondition(ctx context.Context, snap *types.Snapshot, cond types.Condition) (bool, error) {
	period := cond.Period
	if period <= 0 {
		period = 14
	}
	series, err := e.priceSeries(ctx, snap, cond.Symbol)
	if err != nil {
		return false, err
	}

	var value float64
	var ok bool
	switch cond.Indicator {
	case "rsi":
		value, ok = RSI(series, period)
	case "sma":
		value, ok = SMA(series, period)
	case "volatility":
		value, ok = Volatility(series, period)
	default:
		return false, fmt.Errorf("unknown indicator %q", cond.Indicator)
	}
	if !ok {
		return false, nil // not enough history
	}

	if cond.Above != nil && !(value > *cond.Above) {
		return false, nil
	}
	if cond.Below != nil && !(value < *cond.Below) {
		return false, nil
	}
	return cond.Above != nil || cond.Below != nil, nil
}

// priceSeries pulls the symbol's prices from the trailing day of snapshots,
// oldest first, ending with the current snapshot's price.
func (e *Evaluator) priceSeries(ctx context.Context, snap *types.Snapshot, symbol string) ([]float64, error) {
	history, err := e.history.SnapshotsSince(ctx, snap.CapturedAt.Add(-24*time.Hour))
	if err != nil {
		return nil, err
	}
	var series []float64
	for _, s := range history {
		if s.ID == snap.ID {
			continue
		}
		if p, ok := s.Prices[symbol]; ok && p.Sign() > 0 {
			f, _ := p.Float64()
			series = append(series, f)
		}
	}
	if p, ok := snap.Prices[symbol]; ok && p.Sign() > 0 {
		f, _ := p.Float64()
		series = append(series, f)
	}
	return series, nil
}
