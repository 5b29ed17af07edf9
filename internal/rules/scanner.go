package rules

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

// Opportunity is a profit-taking proposal. The scanner is read-only; the
// pipeline turns opportunities into pending approvals.
type Opportunity struct {
	Symbol          string
	GainPct         decimal.Decimal
	SellQty         decimal.Decimal
	Price           decimal.Decimal
	EstimatedNetUSD decimal.Decimal
	Title           string
}

// Intent converts the opportunity into an exit intent for approval intake.
// Profit-taking always requires a human, so DryRun is set.
func (o Opportunity) Intent(now time.Time) *types.Intent {
	return &types.Intent{
		Action: types.Action{
			Kind:   types.ActionExit,
			Symbol: o.Symbol,
			Mode:   types.ModeMarket,
		},
		Reason:             o.Title,
		CreatedAt:          now.UTC(),
		DryRun:             true,
		EstimatedValueUSD:  o.EstimatedNetUSD,
		RecommendedSellQty: o.SellQty,
	}
}

// Scanner finds core-asset holdings sitting above their baseline with an
// unrealized gain worth taking.
type Scanner struct {
	cfg config.ProfitConfig
}

// NewScanner creates the scanner.
func NewScanner(cfg config.ProfitConfig) *Scanner {
	return &Scanner{cfg: cfg}
}

// Scan inspects each core asset with a recorded average buy price. The
// sellable quantity is whatever sits above the baseline floor; the gain is
// measured from the average buy price to the snapshot price, and the
// estimated proceeds are net of the configured fee.
func (s *Scanner) Scan(snap *types.Snapshot, baselines map[string]types.Baseline) []Opportunity {
	if snap == nil {
		return nil
	}
	minGain := decimal.NewFromFloat(s.cfg.MinGainPct)
	feeFactor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(s.cfg.FeePct).Div(decimal.NewFromInt(100)))

	var out []Opportunity
	for _, symbol := range []string{types.SymbolBTC, types.SymbolXRP} {
		base, ok := baselines[symbol]
		if !ok || base.AvgBuyPrice.Sign() <= 0 {
			continue
		}
		price, ok := snap.Prices[symbol]
		if !ok || price.Sign() <= 0 {
			continue
		}

		floor := base.Baseline
		if base.MinTokens.GreaterThan(floor) {
			floor = base.MinTokens
		}
		sellQty := snap.Balances[symbol].Sub(floor)
		if sellQty.Sign() <= 0 {
			continue
		}

		gainPct := price.Sub(base.AvgBuyPrice).Div(base.AvgBuyPrice).Mul(decimal.NewFromInt(100))
		if gainPct.LessThan(minGain) {
			continue
		}

		out = append(out, Opportunity{
			Symbol:          symbol,
			GainPct:         gainPct,
			SellQty:         sellQty,
			Price:           price,
			EstimatedNetUSD: sellQty.Mul(price).Mul(feeFactor),
			Title:           fmt.Sprintf("%s profit-taking %s%%", symbol, gainPct.Round(0)),
		})
	}
	return out
}
