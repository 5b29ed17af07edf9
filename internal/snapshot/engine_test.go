package snapshot

import (
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

func TestSymbolUnion(t *testing.T) {
	t.Parallel()

	balances := map[string]decimal.Decimal{
		"BTC": decimal.NewFromInt(1),
		"XRP": decimal.NewFromInt(100),
	}
	baselines := map[string]types.Baseline{
		"BTC": {Symbol: "BTC"},
		"ETH": {Symbol: "ETH"},
	}
	locked := map[string]decimal.Decimal{
		"BTC": decimal.NewFromFloat(0.5),
		"SOL": decimal.NewFromInt(2),
	}

	got := symbolUnion(balances, baselines, locked)
	want := []string{"BTC", "ETH", "SOL", "XRP"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("symbolUnion() = %v, want %v", got, want)
	}

	if got := symbolUnion(nil, nil, nil); len(got) != 0 {
		t.Errorf("symbolUnion(empty) = %v, want none", got)
	}

	// Empty symbol keys never make it in.
	if got := symbolUnion(map[string]decimal.Decimal{"": decimal.NewFromInt(1)}, nil, nil); len(got) != 0 {
		t.Errorf("symbolUnion with empty key = %v, want none", got)
	}
}
