package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestApprovalStatusCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to ApprovalStatus
		want     bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusDeclined, true},
		{StatusPending, StatusSimulated, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusExecuted, false},
		{StatusApproved, StatusExecuted, true},
		{StatusApproved, StatusSimulated, true},
		{StatusApproved, StatusFailed, true},
		{StatusApproved, StatusDeclined, false},
		{StatusApproved, StatusPending, false},
		{StatusExecuted, StatusFailed, false},
		{StatusDeclined, StatusApproved, false},
		{StatusSimulated, StatusExecuted, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s → %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApprovalStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []ApprovalStatus{StatusExecuted, StatusDeclined, StatusSimulated, StatusFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ApprovalStatus{StatusPending, StatusApproved} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMFAChallengeExpiredBoundary(t *testing.T) {
	t.Parallel()

	expires := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := &MFAChallenge{ExpiresAt: expires}

	if c.Expired(expires) {
		t.Error("challenge should still be valid exactly at ExpiresAt")
	}
	if !c.Expired(expires.Add(time.Millisecond)) {
		t.Error("challenge should be expired 1ms after ExpiresAt")
	}
	if c.Expired(expires.Add(-time.Minute)) {
		t.Error("challenge should be valid before ExpiresAt")
	}
}

func TestSnapshotTotalValueUSD(t *testing.T) {
	t.Parallel()

	snap := Snapshot{
		Balances: map[string]decimal.Decimal{
			"BTC":  decimal.NewFromFloat(0.5),
			"XRP":  decimal.NewFromInt(100),
			"DOGE": decimal.NewFromInt(1000), // no price: contributes nothing
		},
		Prices: map[string]decimal.Decimal{
			"BTC": decimal.NewFromInt(60000),
			"XRP": decimal.NewFromFloat(0.5),
		},
	}

	want := decimal.NewFromInt(30050)
	if got := snap.TotalValueUSD(); !got.Equal(want) {
		t.Errorf("TotalValueUSD() = %s, want %s", got, want)
	}
}

func TestIsCoreAsset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		symbol string
		want   bool
	}{
		{SymbolBTC, true},
		{SymbolXRP, true},
		{SymbolUSDC, false},
		{"DOGE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsCoreAsset(tt.symbol); got != tt.want {
			t.Errorf("IsCoreAsset(%q) = %v, want %v", tt.symbol, got, tt.want)
		}
	}
}
