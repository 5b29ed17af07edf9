// Token-bucket throttling for the brokerage API.
//
// The venue publishes per-category request budgets measured over 10-second
// windows. The buckets here refill continuously, so sustained traffic is
// smoothed out instead of bursting into the hard limit:
//
//	Order:  30 burst, 3/s  — order placement
//	Market: 100 burst, 10/s — balance, price, and collateral reads
package brokerage

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling token bucket. Wait blocks the
// caller until a token frees up or the context ends.
type TokenBucket struct {
	mu       sync.Mutex
	avail    float64 // fractional tokens on hand
	burst    float64
	perSec   float64
	refilled time.Time // last refill accounting
}

// NewTokenBucket returns a bucket that starts full.
func NewTokenBucket(burst, perSec float64) *TokenBucket {
	return &TokenBucket{avail: burst, burst: burst, perSec: perSec, refilled: time.Now()}
}

// take credits tokens for the elapsed wall time, then claims one if
// available. On a miss it reports how long until the next token accrues.
func (tb *TokenBucket) take() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.avail += now.Sub(tb.refilled).Seconds() * tb.perSec
	if tb.avail > tb.burst {
		tb.avail = tb.burst
	}
	tb.refilled = now

	if tb.avail >= 1 {
		tb.avail--
		return true, 0
	}
	return false, time.Duration((1 - tb.avail) / tb.perSec * float64(time.Second))
}

// Wait blocks until a token is claimed or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := tb.take()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter holds one bucket per brokerage endpoint category. Every call
// waits on its category's bucket before the HTTP request goes out.
type RateLimiter struct {
	Order  *TokenBucket // POST /orders
	Market *TokenBucket // GET /accounts, /products/spot, /collateral
}

// NewRateLimiter sizes the buckets to the venue's published budgets.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(30, 3),
		Market: NewTokenBucket(100, 10),
	}
}
