package learning

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coinwarden/pkg/types"
)

func approval(status types.ApprovalStatus, symbol string) *types.Approval {
	return &types.Approval{Status: status, Symbol: symbol, Type: "trade"}
}

func TestDeriveApprovalRateAndTolerance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		accepted      int
		declined      int
		wantTolerance string
	}{
		{"all accepted", 8, 0, "aggressive"},
		{"half and half", 5, 5, "moderate"},
		{"mostly declined", 2, 8, "conservative"},
	}

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var decisions []*types.Approval
			for i := 0; i < tt.accepted; i++ {
				decisions = append(decisions, approval(types.StatusExecuted, "BTC"))
			}
			for i := 0; i < tt.declined; i++ {
				decisions = append(decisions, approval(types.StatusDeclined, "BTC"))
			}

			prefs := Derive(decisions, now)
			assert.Equal(t, tt.wantTolerance, prefs.RiskTolerance)

			wantRate := decimal.NewFromInt(int64(tt.accepted)).Div(decimal.NewFromInt(int64(tt.accepted + tt.declined)))
			assert.True(t, prefs.ApprovalRate.Equal(wantRate), "ApprovalRate = %s, want %s", prefs.ApprovalRate, wantRate)
			assert.Equal(t, tt.accepted+tt.declined, prefs.SampleSize)
		})
	}
}

func TestDeriveFavoriteSymbol(t *testing.T) {
	t.Parallel()

	decisions := []*types.Approval{
		approval(types.StatusExecuted, "XRP"),
		approval(types.StatusExecuted, "XRP"),
		approval(types.StatusApproved, "BTC"),
		approval(types.StatusDeclined, "BTC"), // declined does not count
		approval(types.StatusSimulated, ""),   // no symbol
	}

	prefs := Derive(decisions, time.Now().UTC())
	assert.Equal(t, "XRP", prefs.FavoriteSymbol)
}

func TestDeriveProfitTargetFromTitles(t *testing.T) {
	t.Parallel()

	decisions := []*types.Approval{
		{Status: types.StatusExecuted, Type: "profit_taking", Title: "XRP profit-taking 20%", Symbol: "XRP"},
		{Status: types.StatusApproved, Type: "profit_taking", Title: "BTC profit-taking 40%", Symbol: "BTC"},
		{Status: types.StatusDeclined, Type: "profit_taking", Title: "BTC profit-taking 90%", Symbol: "BTC"},
		{Status: types.StatusExecuted, Type: "trade", Title: "unrelated", Symbol: "BTC"},
	}

	prefs := Derive(decisions, time.Now().UTC())
	// Declined profit targets are ignored: average of 20 and 40.
	assert.True(t, prefs.ProfitTargetPct.Equal(decimal.NewFromInt(30)),
		"ProfitTargetPct = %s, want 30", prefs.ProfitTargetPct)
}

func TestDeriveProfitTargetDefault(t *testing.T) {
	t.Parallel()

	prefs := Derive([]*types.Approval{approval(types.StatusExecuted, "BTC")}, time.Now().UTC())
	assert.True(t, prefs.ProfitTargetPct.Equal(decimal.NewFromInt(25)),
		"ProfitTargetPct = %s, want default 25", prefs.ProfitTargetPct)
}

func TestDeriveConfidenceCap(t *testing.T) {
	t.Parallel()

	var small []*types.Approval
	for i := 0; i < 10; i++ {
		small = append(small, approval(types.StatusExecuted, "BTC"))
	}
	prefs := Derive(small, time.Now().UTC())
	assert.True(t, prefs.Confidence.Equal(decimal.NewFromFloat(0.1)),
		"Confidence = %s, want 0.1", prefs.Confidence)

	var large []*types.Approval
	for i := 0; i < 250; i++ {
		large = append(large, approval(types.StatusDeclined, "BTC"))
	}
	prefs = Derive(large, time.Now().UTC())
	assert.True(t, prefs.Confidence.Equal(decimal.NewFromInt(1)),
		"Confidence = %s, want cap 1", prefs.Confidence)
}

func TestGainFromTitle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		title  string
		want   string
		wantOK bool
	}{
		{"XRP profit-taking 25%", "25", true},
		{"BTC profit-taking 12.5%", "12.5", true},
		{"no gain here", "", false},
		{"profit-taking %", "", false},
	}

	for _, tt := range tests {
		got, ok := gainFromTitle(tt.title)
		require.Equal(t, tt.wantOK, ok, "gainFromTitle(%q)", tt.title)
		if tt.wantOK {
			want, err := decimal.NewFromString(tt.want)
			require.NoError(t, err)
			assert.True(t, got.Equal(want), "gainFromTitle(%q) = %s, want %s", tt.title, got, want)
		}
	}
}
