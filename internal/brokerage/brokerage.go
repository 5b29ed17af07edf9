// Package brokerage implements the venue capability consumed by the
// snapshot engine and the execution pipeline.
//
// The REST client talks to the brokerage API for account and order
// management:
//   - FetchBalances:   GET  /accounts           — per-asset available quantity
//   - FetchPrices:     GET  /products/spot      — USD spot prices for symbols
//   - PlaceOrder:      POST /orders             — submit a market or limit order
//   - FetchCollateral: GET  /collateral         — locked collateral positions
//
// Every request is rate-limited via per-category token buckets, retried on
// 5xx, and authenticated with a short-lived ES256 JWT minted per request.
// Failures are classified transient or permanent so the control loops can
// skip a tick instead of escalating.
package brokerage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

// Client is the narrow capability interface the core consumes. The engine
// wires either the REST client or the fake; nothing else in the process
// knows which.
type Client interface {
	FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
	FetchCollateral(ctx context.Context) ([]types.Collateral, error)
}

// Error wraps a venue failure with a transient/permanent classification.
type Error struct {
	Transient bool
	Op        string
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("brokerage %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether the error is retryable (network failure,
// timeout, 5xx, 429). Callers skip the tick; no state is mutated.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func transient(op string, err error) error {
	return &Error{Transient: true, Op: op, Err: err}
}

func permanent(op string, err error) error {
	return &Error{Transient: false, Op: op, Err: err}
}

// classifyStatus maps an HTTP status to an error kind. 429 and 5xx are
// transient; 4xx are permanent (bad request, auth, insufficient funds).
func classifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("status %d: %s", status, body)
	if status == 429 || status >= 500 {
		return transient(op, err)
	}
	return permanent(op, err)
}

// Clock abstracts time for cooldown and expiry logic so tests can pin it.
// Monotonic reads come from the Go runtime; UTC wall time keys the daily
// loss reset.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
