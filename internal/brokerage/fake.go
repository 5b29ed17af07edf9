package brokerage

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

// Fake is an in-memory brokerage used by tests and by runs with no venue
// key configured. Balances and prices are seeded by the caller; orders
// fill instantly at the current price.
type Fake struct {
	mu         sync.Mutex
	Balances   map[string]decimal.Decimal
	Prices     map[string]decimal.Decimal
	Collateral []types.Collateral

	// Err, when set, is returned by every call. Lets tests exercise the
	// skip-tick failure policy.
	Err error

	Orders []types.OrderRequest // every order passed to PlaceOrder
}

var _ Client = (*Fake)(nil)

// NewFake returns a fake with empty books.
func NewFake() *Fake {
	return &Fake{
		Balances: make(map[string]decimal.Decimal),
		Prices:   make(map[string]decimal.Decimal),
	}
}

func (f *Fake) FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make(map[string]decimal.Decimal, len(f.Balances))
	for k, v := range f.Balances {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, sym := range symbols {
		if p, ok := f.Prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

func (f *Fake) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if req.Amount.Sign() <= 0 {
		return nil, permanent("place order", fmt.Errorf("amount must be > 0"))
	}
	f.Orders = append(f.Orders, req)

	price := f.Prices[req.Symbol]
	qty := req.Amount
	switch req.Side {
	case types.Buy:
		f.Balances[req.Symbol] = f.Balances[req.Symbol].Add(qty)
	case types.Sell:
		f.Balances[req.Symbol] = f.Balances[req.Symbol].Sub(qty)
	}
	return &types.OrderResult{
		OrderID:      "fake-" + uuid.NewString(),
		Status:       "filled",
		FilledQty:    qty,
		AvgFillPrice: price,
	}, nil
}

func (f *Fake) FetchCollateral(ctx context.Context) ([]types.Collateral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]types.Collateral(nil), f.Collateral...), nil
}
