package brokerage

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

func TestFakeFillsAtCurrentPrice(t *testing.T) {
	t.Parallel()

	f := NewFake()
	f.Balances["BTC"] = decimal.NewFromInt(1)
	f.Prices["BTC"] = decimal.NewFromInt(60000)

	res, err := f.PlaceOrder(context.Background(), types.OrderRequest{
		Side:   types.Sell,
		Symbol: "BTC",
		Amount: decimal.NewFromFloat(0.25),
		Mode:   types.ModeMarket,
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error: %v", err)
	}
	if res.Status != "filled" {
		t.Errorf("Status = %q, want filled", res.Status)
	}
	if !res.AvgFillPrice.Equal(decimal.NewFromInt(60000)) {
		t.Errorf("AvgFillPrice = %s, want 60000", res.AvgFillPrice)
	}

	balances, err := f.FetchBalances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !balances["BTC"].Equal(decimal.NewFromFloat(0.75)) {
		t.Errorf("BTC balance after sell = %s, want 0.75", balances["BTC"])
	}
	if len(f.Orders) != 1 {
		t.Errorf("recorded %d orders, want 1", len(f.Orders))
	}
}

func TestFakeRejectsNonPositiveAmount(t *testing.T) {
	t.Parallel()

	f := NewFake()
	_, err := f.PlaceOrder(context.Background(), types.OrderRequest{Side: types.Buy, Symbol: "BTC"})
	if err == nil {
		t.Fatal("PlaceOrder with zero amount should fail")
	}
	if IsTransient(err) {
		t.Error("a zero amount is a permanent error")
	}
}

func TestFakeErrorInjection(t *testing.T) {
	t.Parallel()

	f := NewFake()
	boom := errors.New("venue down")
	f.Err = boom

	if _, err := f.FetchBalances(context.Background()); !errors.Is(err, boom) {
		t.Errorf("FetchBalances error = %v, want injected", err)
	}
	if _, err := f.FetchPrices(context.Background(), []string{"BTC"}); !errors.Is(err, boom) {
		t.Errorf("FetchPrices error = %v, want injected", err)
	}
	if _, err := f.FetchCollateral(context.Background()); !errors.Is(err, boom) {
		t.Errorf("FetchCollateral error = %v, want injected", err)
	}
}

func TestFakeFetchPricesFiltersSymbols(t *testing.T) {
	t.Parallel()

	f := NewFake()
	f.Prices["BTC"] = decimal.NewFromInt(60000)
	f.Prices["XRP"] = decimal.NewFromFloat(0.5)

	prices, err := f.FetchPrices(context.Background(), []string{"BTC", "DOGE"})
	if err != nil {
		t.Fatal(err)
	}
	if len(prices) != 1 {
		t.Fatalf("got %d prices, want 1", len(prices))
	}
	if !prices["BTC"].Equal(decimal.NewFromInt(60000)) {
		t.Errorf("BTC price = %s, want 60000", prices["BTC"])
	}
}
