// Package learning periodically distills recent approval decisions into a
// preferences record. The output is advisory: the optimizer and the HTTP
// surface read it, nothing gates on it. Failures are non-fatal.
package learning

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

// maxDecisions bounds how many recent decisions one pass aggregates.
const maxDecisions = 5000

// Aggregator recomputes owner preferences from decision history.
type Aggregator struct {
	store  *store.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// New creates the aggregator.
func New(st *store.Store, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:  st,
		logger: logger.With("component", "learning"),
		nowFn:  time.Now,
	}
}

// Run aggregates up to maxDecisions decided approvals and upserts the
// preferences record. No decisions yet is not an error.
func (a *Aggregator) Run(ctx context.Context) error {
	decisions, err := a.store.RecentDecisions(ctx, maxDecisions)
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		return nil
	}

	prefs := Derive(decisions, a.nowFn().UTC())
	if err := a.store.UpsertPreferences(ctx, prefs); err != nil {
		return err
	}
	a.logger.Info("preferences updated",
		"samples", prefs.SampleSize,
		"approval_rate", prefs.ApprovalRate.StringFixed(2),
		"tolerance", prefs.RiskTolerance,
	)
	return nil
}

// Derive computes preferences from a set of decided approvals.
func Derive(decisions []*types.Approval, now time.Time) types.Preferences {
	total := len(decisions)
	accepted := 0
	symbolCounts := make(map[string]int)
	var gainSum decimal.Decimal
	gains := 0

	for _, d := range decisions {
		switch d.Status {
		case types.StatusApproved, types.StatusExecuted, types.StatusSimulated:
			accepted++
			if d.Symbol != "" {
				symbolCounts[d.Symbol]++
			}
		}
		// Profit-taking titles carry the gain the owner acted on; average
		// the accepted ones into the preferred target.
		if d.Type == "profit_taking" && d.Status != types.StatusDeclined {
			if pct, ok := gainFromTitle(d.Title); ok {
				gains++
				gainSum = gainSum.Add(pct)
			}
		}
	}

	rate := decimal.NewFromInt(int64(accepted)).Div(decimal.NewFromInt(int64(total)))

	tolerance := "conservative"
	switch {
	case rate.GreaterThan(decimal.NewFromFloat(0.75)):
		tolerance = "aggressive"
	case rate.GreaterThan(decimal.NewFromFloat(0.4)):
		tolerance = "moderate"
	}

	favorite := ""
	best := 0
	for sym, n := range symbolCounts {
		if n > best || (n == best && sym < favorite) {
			favorite = sym
			best = n
		}
	}

	target := decimal.NewFromInt(25)
	if gains > 0 {
		target = gainSum.Div(decimal.NewFromInt(int64(gains)))
	}

	confidence := decimal.NewFromInt(int64(total)).Div(decimal.NewFromInt(100))
	if confidence.GreaterThan(decimal.NewFromInt(1)) {
		confidence = decimal.NewFromInt(1)
	}

	return types.Preferences{
		RiskTolerance:   tolerance,
		ProfitTargetPct: target,
		ApprovalRate:    rate,
		FavoriteSymbol:  favorite,
		Confidence:      confidence,
		SampleSize:      total,
		UpdatedAt:       now,
	}
}

var gainPattern = regexp.MustCompile(`profit-taking ([0-9]+(?:\.[0-9]+)?)%`)

// gainFromTitle extracts the gain percent from a profit-taking title like
// "XRP profit-taking 25%".
func gainFromTitle(title string) (decimal.Decimal, bool) {
	m := gainPattern.FindStringSubmatch(title)
	if m == nil {
		return decimal.Zero, false
	}
	pct, err := decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, false
	}
	return pct, true
}
