// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the supervisor — snapshots,
// rules, intents, approvals, executions, and the risk/kill-switch records.
// It has no dependencies on internal packages, so it can be imported by
// any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderMode distinguishes market from limit execution.
type OrderMode string

const (
	ModeMarket OrderMode = "market"
	ModeLimit  OrderMode = "limit"
)

// Actor identifies who performed a state transition. The kill-switch
// controller only auto-releases switches it engaged itself, so the actor
// is a tag, not a free-form string.
type Actor string

const (
	ActorOwner      Actor = "owner"
	ActorSystemRisk Actor = "system:risk"
	ActorSystem     Actor = "system"
)

// Severity grades alerts from informational to critical.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Core assets are eligible for auto-execution subject to baseline floors.
const (
	SymbolBTC  = "BTC"
	SymbolXRP  = "XRP"
	SymbolUSDC = "USDC"
)

// XRPMinTokens is the policy floor for XRP baselines: the supervisor will
// never sell the XRP position below 10 tokens regardless of configuration.
var XRPMinTokens = decimal.NewFromInt(10)

// IsCoreAsset reports whether a symbol may be auto-executed.
func IsCoreAsset(symbol string) bool {
	return symbol == SymbolBTC || symbol == SymbolXRP
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio snapshots
// ————————————————————————————————————————————————————————————————————————

// Snapshot is an immutable point-in-time capture of balances and prices.
// Balances and Prices are keyed by symbol; every priced symbol that appears
// in Balances carries finite, non-negative values.
type Snapshot struct {
	ID         string                     `json:"id"`
	CapturedAt time.Time                  `json:"capturedAt"`
	Balances   map[string]decimal.Decimal `json:"balances"`
	Prices     map[string]decimal.Decimal `json:"prices"`
	Reason     string                     `json:"reason"` // "scheduled", "forced", "volatility"
}

// TotalValueUSD sums balance × price across all symbols that have a price.
func (s *Snapshot) TotalValueUSD() decimal.Decimal {
	total := decimal.Zero
	for sym, qty := range s.Balances {
		if price, ok := s.Prices[sym]; ok {
			total = total.Add(qty.Mul(price))
		}
	}
	return total
}

// Baseline is a per-symbol floor of holdings the system will never sell
// through. AvgBuyPrice feeds the profit-taking scanner; it is maintained by
// deposit recording and owner updates, never by the evaluator or executor.
type Baseline struct {
	Symbol                 string          `json:"symbol"`
	Baseline               decimal.Decimal `json:"baseline"`
	AutoIncrementOnDeposit bool            `json:"autoIncrementOnDeposit"`
	MinTokens              decimal.Decimal `json:"minTokens,omitempty"`
	AvgBuyPrice            decimal.Decimal `json:"avgBuyPrice,omitempty"`
}

// Collateral describes a locked position backing a loan or derivative.
type Collateral struct {
	Symbol    string          `json:"symbol"`
	Locked    decimal.Decimal `json:"locked"`
	Health    decimal.Decimal `json:"health"` // collateral ratio; < 1 means undercollateralized
	FetchedAt time.Time       `json:"fetchedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Rules and intents
// ————————————————————————————————————————————————————————————————————————

// TriggerKind selects how a rule is scheduled.
type TriggerKind string

const (
	TriggerInterval TriggerKind = "interval" // fires every rule tick
	TriggerEvent    TriggerKind = "event"    // fires when a named bus event arrives
)

// Trigger controls when a rule is considered for evaluation.
type Trigger struct {
	Kind  TriggerKind `json:"kind"`
	Event string      `json:"event,omitempty"` // topic name for event triggers
}

// ConditionKind tags the polymorphic rule condition.
type ConditionKind string

const (
	CondPortfolioExposure ConditionKind = "portfolioExposure"
	CondPriceChangePct    ConditionKind = "priceChangePct"
	CondIndicator         ConditionKind = "indicator"
)

// Condition is a tagged union: only the fields relevant to Kind are set.
// Thresholds are pointers so "unset" is distinguishable from zero.
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	Symbol string        `json:"symbol"`

	// portfolioExposure: current exposure percent bounds
	LtPct *float64 `json:"ltPct,omitempty"`
	GtPct *float64 `json:"gtPct,omitempty"`

	// priceChangePct: percent move over a lookback window
	WindowMins int      `json:"windowMins,omitempty"`
	Lt         *float64 `json:"lt,omitempty"`
	Gt         *float64 `json:"gt,omitempty"`

	// indicator: rsi | sma | volatility with an operator threshold
	Indicator string   `json:"indicator,omitempty"`
	Period    int      `json:"period,omitempty"`
	Above     *float64 `json:"above,omitempty"`
	Below     *float64 `json:"below,omitempty"`
}

// ActionKind tags what a matched rule proposes to do.
type ActionKind string

const (
	ActionEnter ActionKind = "enter"
	ActionExit  ActionKind = "exit"
	ActionAlert ActionKind = "alert"
)

// Action describes one proposed trade (or notification) of a rule.
type Action struct {
	Kind          ActionKind      `json:"kind"`
	Symbol        string          `json:"symbol"`
	AllocationPct decimal.Decimal `json:"allocationPct"` // percent of portfolio value
	Mode          OrderMode       `json:"mode,omitempty"`
	LimitPrice    decimal.Decimal `json:"limitPrice,omitempty"`
	Message       string          `json:"message,omitempty"` // alert actions only
}

// RuleRisk is the per-rule risk envelope consulted by the gate.
type RuleRisk struct {
	CooldownSecs       int             `json:"cooldownSecs"`
	MaxPositionPct     decimal.Decimal `json:"maxPositionPct"`
	MaxDailyLossPct    decimal.Decimal `json:"maxDailyLossPct"`
	BaselineProtection bool            `json:"baselineProtection"`
	ThrottleVelocity   bool            `json:"throttleVelocity"`
	RequireApproval    bool            `json:"requireApproval"`
}

// Rule is a declarative trading rule. Rules are owned by the owner through
// the HTTP surface and never auto-mutated; the optimizer proposes changes
// as approvals instead of writing rules directly.
type Rule struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	Trigger    Trigger           `json:"trigger"`
	Conditions []Condition       `json:"conditions"`
	Actions    []Action          `json:"actions"`
	Risk       RuleRisk          `json:"risk"`
	Meta       map[string]string `json:"meta,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// Intent is a transient trade proposal emitted by the evaluator before risk
// gating. DryRun intents always route through the approval pipeline.
type Intent struct {
	RuleID             string          `json:"ruleId"`
	Action             Action          `json:"action"`
	Reason             string          `json:"reason"`
	CreatedAt          time.Time       `json:"createdAt"`
	DryRun             bool            `json:"dryRun"`
	EstimatedValueUSD  decimal.Decimal `json:"estimatedValueUsd"`
	RecommendedSellQty decimal.Decimal `json:"recommendedSellQty,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Approvals and executions
// ————————————————————————————————————————————————————————————————————————

// ApprovalStatus is the approval state machine's state. Terminal statuses
// are write-once; transitions are monotonic and enforced by compare-and-set.
type ApprovalStatus string

const (
	StatusPending   ApprovalStatus = "pending"
	StatusApproved  ApprovalStatus = "approved"
	StatusDeclined  ApprovalStatus = "declined"
	StatusExecuted  ApprovalStatus = "executed"
	StatusSimulated ApprovalStatus = "simulated"
	StatusFailed    ApprovalStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s ApprovalStatus) Terminal() bool {
	switch s {
	case StatusExecuted, StatusDeclined, StatusSimulated, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s → next.
//
//	pending  → approved | declined | simulated | failed
//	approved → executed | simulated | failed
func (s ApprovalStatus) CanTransition(next ApprovalStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusDeclined ||
			next == StatusSimulated || next == StatusFailed
	case StatusApproved:
		return next == StatusExecuted || next == StatusSimulated || next == StatusFailed
	}
	return false
}

// ApprovalMetadata carries the originating intent through the approval
// lifecycle so the execute endpoint can reconstruct the order. Rule-update
// approvals carry a RuleChange instead of an intent.
type ApprovalMetadata struct {
	Intent     *Intent     `json:"intent,omitempty"`
	RuleChange *RuleChange `json:"ruleChange,omitempty"`
}

// RuleChange is a proposed rule mutation awaiting owner approval. Rules are
// never auto-mutated; the optimizer routes every change through here.
type RuleChange struct {
	RuleID  string `json:"ruleId"`
	Disable bool   `json:"disable"`
	Note    string `json:"note,omitempty"`
}

// Approval is a durable record of a pending or decided intent requiring
// owner acknowledgement.
type Approval struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"` // "trade", "profit_taking", "rule_update"
	Symbol    string           `json:"symbol"`
	Amount    decimal.Decimal  `json:"amount"`
	Title     string           `json:"title"`
	Summary   string           `json:"summary"`
	Status    ApprovalStatus   `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	ActedBy   Actor            `json:"actedBy,omitempty"`
	ActedAt   *time.Time       `json:"actedAt,omitempty"`
	Metadata  ApprovalMetadata `json:"metadata,omitempty"`
}

// Execution is an append-only record of an actually-submitted (or
// simulated) order. Inserts are unique by OrderID when one is present.
type Execution struct {
	ID           string          `json:"id"`
	ApprovalID   string          `json:"approvalId,omitempty"`
	RuleID       string          `json:"ruleId,omitempty"`
	Side         Side            `json:"side"`
	Symbol       string          `json:"symbol"`
	Amount       decimal.Decimal `json:"amount"`
	Mode         OrderMode       `json:"mode"`
	OrderID      string          `json:"orderId,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	Status       string          `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty,omitempty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice,omitempty"`
	PnL          decimal.Decimal `json:"pnl,omitempty"`
	DryRun       bool            `json:"dryRun"`
	ExecutedAt   time.Time       `json:"executedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Safety records
// ————————————————————————————————————————————————————————————————————————

// KillSwitch is the process-wide halt flag. Singleton; single writer (the
// throttle controller for system engagements, the HTTP surface for manual).
type KillSwitch struct {
	Enabled   bool      `json:"enabled"`
	Reason    string    `json:"reason,omitempty"`
	SetBy     Actor     `json:"setBy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MFAChallenge is a short-lived code required to authorize a notionally
// large execution. Verified is write-once-true; a challenge binds to one
// trade and is not transferable.
type MFAChallenge struct {
	TradeID      string    `json:"tradeId"`
	UserID       string    `json:"userId"`
	Code         string    `json:"code"` // 6 digits
	ExpiresAt    time.Time `json:"expiresAt"`
	Verified     bool      `json:"verified"`
	TradeDetails string    `json:"tradeDetails"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Expired reports whether the challenge is no longer redeemable at now.
// A code is valid through ExpiresAt and invalid strictly after it.
func (c *MFAChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Alert is an append-only operational event with a severity grade.
type Alert struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"` // "snapshot", "anomaly", "cadence", "performance", "diagnostics", …
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
	TS       time.Time      `json:"ts"`
}

// AuditEntry is an append-only record of a security-relevant action.
type AuditEntry struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	Actor   Actor          `json:"actor,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	TS      time.Time      `json:"ts"`
}

// Preferences is the learning loop's periodically recomputed summary of
// owner behavior.
type Preferences struct {
	RiskTolerance      string          `json:"riskTolerance"` // "conservative", "moderate", "aggressive"
	ProfitTargetPct    decimal.Decimal `json:"profitTargetPct"`
	ApprovalRate       decimal.Decimal `json:"approvalRate"`
	FavoriteSymbol     string          `json:"favoriteSymbol"`
	Confidence         decimal.Decimal `json:"confidence"` // min(1, samples/100)
	SampleSize         int             `json:"sampleSize"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Brokerage wire types
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is what the pipeline hands to the brokerage capability.
type OrderRequest struct {
	Side       Side            `json:"side"`
	Symbol     string          `json:"symbol"`
	Amount     decimal.Decimal `json:"amount"`
	Mode       OrderMode       `json:"mode"`
	LimitPrice decimal.Decimal `json:"limitPrice,omitempty"`
	ClientID   string          `json:"clientId,omitempty"`
}

// OrderResult is the brokerage's acknowledgement of a placed order.
type OrderResult struct {
	OrderID      string          `json:"orderId"`
	Status       string          `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty,omitempty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice,omitempty"`
}
