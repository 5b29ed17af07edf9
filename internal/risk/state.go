// Package risk enforces the supervisor's trading guardrails.
//
// Three pieces live here:
//
//   - State:      the only cross-task mutable structure in the process — a
//     rolling execution window with derived counters, guarded by one mutex.
//     Only the execution pipeline mutates it (RecordExecution).
//   - Gate:       the stateful filter every intent passes through before it
//     may become an approval or an order. Checks run in a fixed order and
//     the first failure short-circuits with a reason code.
//   - Controller: the kill-switch / throttle loop that observes State and
//     collateral health every minute, engages a global halt on breach, and
//     auto-recovers after a sustained grace period.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

// historyCap bounds the rolling execution window.
const historyCap = 1000

type execRecord struct {
	at  time.Time
	pnl decimal.Decimal
}

// State is the in-memory risk state. All mutations and counter reads take
// a single short-lived lock and perform no I/O.
type State struct {
	mu             sync.Mutex
	history        []execRecord // rolling window, trimmed to historyCap
	dailyLoss      decimal.Decimal
	lastDailyReset string // UTC date (2006-01-02) of the last reset
	lastExecutions map[string]time.Time
}

// NewState creates empty risk state.
func NewState() *State {
	return &State{
		lastExecutions: make(map[string]time.Time),
	}
}

// RecordExecution registers a completed order. Negative pnl accumulates
// into the daily loss counter; the per-rule cooldown clock restarts.
func (s *State) RecordExecution(ruleID, symbol string, side types.Side, pnl decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetDailyLocked(at)

	s.history = append(s.history, execRecord{at: at, pnl: pnl})
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	if pnl.IsNegative() {
		s.dailyLoss = s.dailyLoss.Add(pnl)
	}
	if ruleID != "" {
		s.lastExecutions[ruleID] = at
	}
}

// TradesLastHour counts executions within the trailing hour.
func (s *State) TradesLastHour(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	n := 0
	for _, rec := range s.history {
		if !rec.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// DailyLoss returns the accumulated loss for the current UTC day (zero or
// negative). The counter resets when the UTC date changes.
func (s *State) DailyLoss(now time.Time) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetDailyLocked(now)
	return s.dailyLoss
}

// LastExecution returns when the rule last executed, if ever.
func (s *State) LastExecution(ruleID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastExecutions[ruleID]
	return t, ok
}

// resetDailyLocked zeroes the daily loss when the UTC date rolls over.
// Caller holds the lock.
func (s *State) resetDailyLocked(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != s.lastDailyReset {
		s.lastDailyReset = day
		s.dailyLoss = decimal.Zero
	}
}
