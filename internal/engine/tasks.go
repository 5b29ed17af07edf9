package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwarden/internal/brokerage"
	"coinwarden/internal/bus"
	"coinwarden/internal/risk"
	"coinwarden/internal/rules"
	"coinwarden/pkg/types"
)

// registerTasks installs the full periodic task set. Light mode skips
// Start, so registration here is unconditional.
func (e *Engine) registerTasks() {
	e.runner.EveryDynamic("snapshot", e.snapInterval, func(ctx context.Context) {
		_, _ = e.snapEngine.Capture(ctx, "scheduled")
	})
	e.runner.Every("rules", time.Minute, e.rulesTick)
	e.runner.Every("killswitch", time.Minute, e.controller.Evaluate)
	e.runner.Every("performance", 5*time.Minute, e.performanceTick)
	e.runner.Every("anomaly", 5*time.Minute, e.detector.Run)
	e.runner.Every("volatility", 5*time.Minute, e.volatilityTick)
	e.runner.Every("diagnostics", 5*time.Minute, e.diagnosticsTick)
	e.runner.Every("learning", time.Hour, func(ctx context.Context) {
		if err := e.learner.Run(ctx); err != nil {
			e.logger.Warn("learning pass failed", "error", err)
		}
	})
	e.runner.Every("profit", time.Hour, e.profitTick)
	e.runner.Every("mfa-gc", 10*time.Minute, e.mfaGCTick)
	e.runner.Every("sentiment", time.Hour, e.sentimentTick)
	e.runner.Every("backtest", 24*time.Hour, e.backtestTick)
	e.runner.Every("credentials", 24*time.Hour, e.credentialTick)
	e.runner.DailyAt("optimizer", 2, 0, e.optimizerTick)
}

// rulesTick runs one evaluation pass: latest snapshot, enabled rules, gate,
// intake. Skipped entirely while the kill switch is engaged.
func (e *Engine) rulesTick(ctx context.Context) {
	ks, err := e.store.ReadKillSwitch(ctx)
	if err != nil {
		e.logger.Warn("kill-switch read failed, skipping rules tick", "error", err)
		return
	}
	if ks.Enabled {
		return
	}

	snap, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		e.logger.Warn("no snapshot yet, skipping rules tick", "error", err)
		return
	}
	ruleList, err := e.store.ListRules(ctx)
	if err != nil {
		e.logger.Warn("rule read failed, skipping rules tick", "error", err)
		return
	}
	if len(ruleList) == 0 {
		return
	}

	intents := e.evaluator.Evaluate(ctx, snap, ruleList, e.drainEvents(true))
	if len(intents) == 0 {
		return
	}

	byID := make(map[string]*types.Rule, len(ruleList))
	for _, r := range ruleList {
		byID[r.ID] = r
	}
	e.pipeline.ProcessIntents(ctx, byID, e.buildRiskContext(ctx, snap, ks), intents)
}

// buildRiskContext assembles the read-only state one gate pass evaluates
// against.
func (e *Engine) buildRiskContext(ctx context.Context, snap *types.Snapshot, ks types.KillSwitch) risk.Context {
	baselines, err := e.store.ListBaselines(ctx)
	if err != nil {
		baselines = nil
	}
	locked := make(map[string]decimal.Decimal)
	if positions, err := e.store.ListCollateral(ctx); err == nil {
		for _, p := range positions {
			locked[p.Symbol] = p.Locked
		}
	}
	return risk.Context{
		Snapshot:     snap,
		TotalValue:   snap.TotalValueUSD(),
		Baselines:    baselines,
		Locked:       locked,
		KillSwitchOn: ks.Enabled,
	}
}

// profitTick scans for holdings above baseline with a gain worth taking and
// raises one pending approval per opportunity.
func (e *Engine) profitTick(ctx context.Context) {
	snap, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return
	}
	baselines, err := e.store.ListBaselines(ctx)
	if err != nil || len(baselines) == 0 {
		return
	}
	opportunities := e.scanner.Scan(snap, baselines)
	if len(opportunities) == 0 {
		return
	}

	pending, err := e.store.ListApprovals(ctx, types.StatusPending, 200)
	if err != nil {
		e.logger.Warn("approval read failed, skipping profit pass", "error", err)
		return
	}
	open := make(map[string]bool)
	for _, a := range pending {
		if a.Type == "profit_taking" {
			open[a.Symbol] = true
		}
	}

	for _, o := range opportunities {
		if open[o.Symbol] {
			continue
		}
		summary := fmt.Sprintf("sell %s %s at %s (gain %s%%, est. net $%s after fees)",
			o.SellQty.StringFixed(8), o.Symbol, o.Price.StringFixed(4),
			o.GainPct.StringFixed(1), o.EstimatedNetUSD.StringFixed(2))
		if _, err := e.pipeline.CreatePendingApproval(ctx, "profit_taking", o.Title, summary, o.Intent(time.Now())); err != nil {
			e.logger.Warn("profit approval failed", "symbol", o.Symbol, "error", err)
		}
	}
}

// performanceTick alerts when the portfolio dropped more than the
// configured percent over 24 hours.
func (e *Engine) performanceTick(ctx context.Context) {
	latest, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return
	}
	prev, err := e.store.SnapshotNearest(ctx, latest.CapturedAt.Add(-24*time.Hour))
	if err != nil {
		return
	}
	prevTotal := prev.TotalValueUSD()
	if prevTotal.Sign() <= 0 {
		return
	}
	changePct := latest.TotalValueUSD().Sub(prevTotal).Div(prevTotal).Mul(decimal.NewFromInt(100))
	if changePct.GreaterThanOrEqual(decimal.NewFromFloat(-e.cfg.Perf.AlertDropPct)) {
		return
	}

	msg := fmt.Sprintf("portfolio down %s%% over 24h ($%s → $%s)",
		changePct.Abs().StringFixed(2), prevTotal.StringFixed(2), latest.TotalValueUSD().StringFixed(2))
	e.raiseAlert(ctx, "performance", types.SeverityHigh, msg, map[string]any{
		"changePct": changePct.InexactFloat64(),
	})
	_ = e.notifier.Notify(ctx, msg)
}

// volatilityTick retunes the snapshot cadence from the trailing-day price
// volatility of BTC (falling back to XRP when BTC has no series).
func (e *Engine) volatilityTick(ctx context.Context) {
	snaps, err := e.store.SnapshotsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || len(snaps) < 4 {
		return
	}

	series := priceSeriesOf(snaps, types.SymbolBTC)
	symbol := types.SymbolBTC
	if len(series) < 4 {
		series = priceSeriesOf(snaps, types.SymbolXRP)
		symbol = types.SymbolXRP
	}
	if len(series) < 4 {
		return
	}

	stddev, ok := rules.Volatility(series, len(series)-1)
	if !ok {
		return
	}

	current := e.snapInterval.Get()
	target := current
	switch {
	case stddev >= e.cfg.Volatility.HighStdDevPct:
		target = e.cfg.Volatility.FastInterval
	case stddev <= e.cfg.Volatility.LowStdDevPct:
		target = e.cfg.Volatility.SlowInterval
	}
	if target == current {
		return
	}

	e.snapInterval.Set(target)
	msg := fmt.Sprintf("snapshot cadence %s → %s (%s volatility %.2f%%)", current, target, symbol, stddev)
	e.logger.Info("snapshot cadence retuned", "from", current, "to", target, "stddev_pct", stddev)
	e.raiseAlert(ctx, "cadence", types.SeverityInfo, msg, map[string]any{
		"from": current.String(), "to": target.String(), "stddevPct": stddev, "symbol": symbol,
	})
}

func priceSeriesOf(snaps []*types.Snapshot, symbol string) []float64 {
	var out []float64
	for _, s := range snaps {
		if p, ok := s.Prices[symbol]; ok && p.Sign() > 0 {
			out = append(out, p.InexactFloat64())
		}
	}
	return out
}

// diagnosticsTick logs a process health line and alerts while persistence
// is degraded.
func (e *Engine) diagnosticsTick(ctx context.Context) {
	connected := e.store.Connected()
	e.logger.Info("diagnostics",
		"store_connected", connected,
		"bus_subscribers", e.bus.SubscriberCount(),
		"goroutines", runtime.NumGoroutine(),
		"uptime", e.Uptime().Round(time.Second),
		"snapshot_interval", e.snapInterval.Get(),
	)
	if !connected {
		e.raiseAlert(ctx, "diagnostics", types.SeverityWarning,
			"persistence degraded, operating from cache", nil)
	}
}

// mfaGCTick deletes expired unverified challenges.
func (e *Engine) mfaGCTick(ctx context.Context) {
	n, err := e.store.GCExpiredMFA(ctx, time.Now())
	if err != nil {
		e.logger.Warn("mfa gc failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Info("expired mfa challenges removed", "count", n)
	}
}

// sentimentTick refreshes the macro fear/greed reading. Extreme readings
// raise an informational alert.
func (e *Engine) sentimentTick(ctx context.Context) {
	if e.sentiment == nil {
		return
	}
	value, class, err := e.sentiment.FetchIndex(ctx)
	if err != nil {
		e.logger.Warn("sentiment fetch failed", "error", err)
		return
	}
	e.sentimentMu.Lock()
	e.sentimentValue = value
	e.sentimentClass = class
	e.sentimentAt = time.Now().UTC()
	e.sentimentMu.Unlock()

	if value <= 20 || value >= 80 {
		e.raiseAlert(ctx, "sentiment", types.SeverityInfo,
			fmt.Sprintf("macro sentiment %d (%s)", value, class),
			map[string]any{"value": value, "classification": class})
	}
}

// backtestTick replays enabled rules over the trailing day of snapshots and
// records how often each would have matched.
func (e *Engine) backtestTick(ctx context.Context) {
	snaps, err := e.store.SnapshotsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || len(snaps) == 0 {
		return
	}
	ruleList, err := e.store.ListRules(ctx)
	if err != nil || len(ruleList) == 0 {
		return
	}

	matches := make(map[string]any, len(ruleList))
	for _, rule := range ruleList {
		if !rule.Enabled {
			continue
		}
		n := 0
		for _, snap := range snaps {
			if e.evaluator.Matches(ctx, snap, rule) {
				n++
			}
		}
		matches[rule.Name] = n
	}
	if len(matches) == 0 {
		return
	}
	e.logger.Info("backtest complete", "rules", len(matches), "snapshots", len(snaps))
	e.raiseAlert(ctx, "backtest", types.SeverityInfo,
		fmt.Sprintf("replayed %d rules over %d snapshots", len(matches), len(snaps)), matches)
}

// credentialTick verifies the brokerage signing key still works.
func (e *Engine) credentialTick(ctx context.Context) {
	client, ok := e.broker.(*brokerage.RESTClient)
	if !ok {
		return
	}
	if err := client.VerifyCredentials(); err != nil {
		e.raiseAlert(ctx, "credentials", types.SeverityHigh,
			"brokerage signing key check failed", map[string]any{"error": err.Error()})
		return
	}
	e.logger.Info("brokerage credentials verified")
}

// optimizerTick proposes disabling the worst-performing rule of the last
// week as a rule-update approval. Rules are never mutated directly.
func (e *Engine) optimizerTick(ctx context.Context) {
	stats, err := e.store.RulePnL(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil || len(stats) == 0 {
		return
	}

	worstID := ""
	worstPnL := decimal.Zero
	for ruleID, s := range stats {
		if s.Trades >= 3 && s.RealizedPnL.LessThan(worstPnL) {
			worstID = ruleID
			worstPnL = s.RealizedPnL
		}
	}
	if worstID == "" {
		return
	}

	rule, err := e.store.GetRule(ctx, worstID)
	if err != nil {
		return
	}
	if e.hasPendingRuleChange(ctx, worstID) {
		return
	}

	note := fmt.Sprintf("rule %q realized $%s over %d trades in the last 7 days",
		rule.Name, worstPnL.StringFixed(2), stats[worstID].Trades)
	summary, err := e.adv.Advise(ctx, "Summarize for the owner why this trading rule should be paused: "+note)
	if err != nil || summary == "" {
		summary = note
	}

	change := &types.RuleChange{RuleID: worstID, Disable: true, Note: note}
	title := fmt.Sprintf("Disable rule %q", rule.Name)
	if _, err := e.pipeline.CreateRuleChangeApproval(ctx, title, summary, change); err != nil {
		e.logger.Warn("optimizer approval failed", "rule", worstID, "error", err)
	}
}

func (e *Engine) hasPendingRuleChange(ctx context.Context, ruleID string) bool {
	pending, err := e.store.ListApprovals(ctx, types.StatusPending, 200)
	if err != nil {
		return true // fail closed, try again tomorrow
	}
	for _, a := range pending {
		if a.Metadata.RuleChange != nil && a.Metadata.RuleChange.RuleID == ruleID {
			return true
		}
	}
	return false
}

func (e *Engine) raiseAlert(ctx context.Context, kind string, severity types.Severity, message string, data map[string]any) {
	alert := &types.Alert{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Data:     data,
		TS:       time.Now().UTC(),
	}
	if err := e.store.RecordAlert(ctx, alert); err != nil {
		e.logger.Warn("alert write failed", "kind", kind, "error", err)
	}
	e.bus.Publish(bus.TopicAlertRaised, alert)
}
