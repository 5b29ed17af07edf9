// Package snapshot captures periodic portfolio snapshots.
//
// Each capture fetches balances and prices from the brokerage, filters to
// assets the supervisor cares about (held, locked as collateral, or
// protected by a baseline), seeds baselines on first run, persists the
// snapshot, and publishes portfolio:updated. A failed fetch raises a
// warning alert and skips the tick — no retries accumulate inside a tick.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwarden/internal/brokerage"
	"coinwarden/internal/bus"
	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

// Engine is the snapshot capture component.
type Engine struct {
	broker brokerage.Client
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// New wires the engine.
func New(broker brokerage.Client, st *store.Store, b *bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		broker: broker,
		store:  st,
		bus:    b,
		logger: logger.With("component", "snapshot"),
	}
}

// Capture runs one snapshot pass. reason is recorded on the snapshot
// ("scheduled", "forced", "volatility").
func (e *Engine) Capture(ctx context.Context, reason string) (*types.Snapshot, error) {
	balances, err := e.broker.FetchBalances(ctx)
	if err != nil {
		e.alertFailure(ctx, "fetch balances", err)
		return nil, err
	}

	baselines, err := e.store.ListBaselines(ctx)
	if err != nil && err != store.ErrNotConnected {
		e.logger.Warn("baseline read failed", "error", err)
	}

	// Collateral is refreshed on the snapshot cadence; failure here is not
	// fatal to the capture.
	locked := e.refreshCollateral(ctx)

	symbols := symbolUnion(balances, baselines, locked)
	prices, err := e.broker.FetchPrices(ctx, symbols)
	if err != nil {
		e.alertFailure(ctx, "fetch prices", err)
		return nil, err
	}

	snap := &types.Snapshot{
		ID:         uuid.NewString(),
		CapturedAt: time.Now().UTC(),
		Balances:   make(map[string]decimal.Decimal),
		Prices:     make(map[string]decimal.Decimal),
		Reason:     reason,
	}
	for _, sym := range symbols {
		qty := balances[sym]
		if qty.Sign() <= 0 && locked[sym].Sign() <= 0 && baselines[sym].Baseline.Sign() <= 0 {
			continue
		}
		snap.Balances[sym] = qty
		if price, ok := prices[sym]; ok {
			snap.Prices[sym] = price
		}
	}

	if len(baselines) == 0 {
		e.seedBaselines(ctx, balances)
	}

	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		e.alertFailure(ctx, "persist snapshot", err)
		return nil, err
	}

	e.logger.Info("snapshot captured",
		"assets", len(snap.Balances),
		"total_usd", snap.TotalValueUSD().StringFixed(2),
		"reason", reason,
	)
	e.bus.Publish(bus.TopicPortfolioUpdated, snap)
	return snap, nil
}

// symbolUnion merges the symbols seen in balances, baselines, and locked
// collateral, in stable order.
func symbolUnion(balances map[string]decimal.Decimal, baselines map[string]types.Baseline, locked map[string]decimal.Decimal) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(sym string) {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	for sym := range balances {
		add(sym)
	}
	for sym := range baselines {
		add(sym)
	}
	for sym := range locked {
		add(sym)
	}
	sort.Strings(out)
	return out
}

// refreshCollateral fetches and persists collateral positions, returning
// locked quantity per symbol.
func (e *Engine) refreshCollateral(ctx context.Context) map[string]decimal.Decimal {
	locked := make(map[string]decimal.Decimal)
	positions, err := e.broker.FetchCollateral(ctx)
	if err != nil {
		e.logger.Warn("collateral fetch failed", "error", err)
		return locked
	}
	for _, p := range positions {
		locked[p.Symbol] = p.Locked
		if err := e.store.UpsertCollateral(ctx, p); err != nil {
			e.logger.Warn("collateral persist failed", "symbol", p.Symbol, "error", err)
		}
	}
	return locked
}

// seedBaselines installs the initial floors on first run: all current BTC
// holdings are protected, and XRP gets the 10-token policy minimum.
func (e *Engine) seedBaselines(ctx context.Context, balances map[string]decimal.Decimal) {
	btc := balances[types.SymbolBTC]
	if btc.IsNegative() {
		btc = decimal.Zero
	}
	xrp := balances[types.SymbolXRP]
	if xrp.LessThan(types.XRPMinTokens) {
		xrp = types.XRPMinTokens
	}

	seeds := []types.Baseline{
		{Symbol: types.SymbolBTC, Baseline: btc, AutoIncrementOnDeposit: true},
		{Symbol: types.SymbolXRP, Baseline: xrp, AutoIncrementOnDeposit: true, MinTokens: types.XRPMinTokens},
	}
	for _, b := range seeds {
		if err := e.store.UpsertBaseline(ctx, b); err != nil {
			e.logger.Warn("baseline seed failed", "symbol", b.Symbol, "error", err)
			return
		}
	}
	e.logger.Info("baselines seeded",
		"btc", btc.StringFixed(8), "xrp", xrp.StringFixed(8))
}

func (e *Engine) alertFailure(ctx context.Context, op string, err error) {
	e.logger.Warn("snapshot tick skipped", "op", op, "error", err)
	alert := &types.Alert{
		ID:       uuid.NewString(),
		Kind:     "snapshot",
		Severity: types.SeverityWarning,
		Message:  fmt.Sprintf("snapshot skipped: %s failed", op),
		Data:     map[string]any{"error": err.Error()},
		TS:       time.Now().UTC(),
	}
	if aerr := e.store.RecordAlert(ctx, alert); aerr != nil {
		e.logger.Warn("alert write failed", "error", aerr)
	}
	e.bus.Publish(bus.TopicAlertRaised, alert)
}

// Delta summarizes a symbol's 24-hour move.
type Delta struct {
	Symbol       string          `json:"symbol"`
	PriceNow     decimal.Decimal `json:"priceNow"`
	Price24hAgo  decimal.Decimal `json:"price24hAgo"`
	ChangePct    decimal.Decimal `json:"changePct"`
	ValueNowUSD  decimal.Decimal `json:"valueNowUsd"`
	ValuePrevUSD decimal.Decimal `json:"valuePrevUsd"`
}

// Deltas24h compares the latest snapshot against the one nearest 24 hours
// ago. Symbols without a price in either snapshot are omitted.
func (e *Engine) Deltas24h(ctx context.Context) ([]Delta, error) {
	latest, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	prev, err := e.store.SnapshotNearest(ctx, latest.CapturedAt.Add(-24*time.Hour))
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil // not enough history yet
		}
		return nil, err
	}

	var out []Delta
	for sym, now := range latest.Prices {
		then, ok := prev.Prices[sym]
		if !ok || then.Sign() <= 0 {
			continue
		}
		change := now.Sub(then).Div(then).Mul(decimal.NewFromInt(100))
		out = append(out, Delta{
			Symbol:       sym,
			PriceNow:     now,
			Price24hAgo:  then,
			ChangePct:    change,
			ValueNowUSD:  latest.Balances[sym].Mul(now),
			ValuePrevUSD: prev.Balances[sym].Mul(then),
		})
	}
	return out, nil
}
