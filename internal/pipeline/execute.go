package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwarden/internal/bus"
	"coinwarden/internal/risk"
	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

// ErrShutdown is returned once BeginShutdown has been called.
var ErrShutdown = errors.New("pipeline: shutdown in progress")

// ExecuteRequest is one order to place. Amount is asset quantity; when zero
// it is derived from AllocationPct against the latest snapshot.
type ExecuteRequest struct {
	ApprovalID        string
	RuleID            string
	Side              types.Side
	Symbol            string
	Amount            decimal.Decimal
	AllocationPct     decimal.Decimal
	Mode              types.OrderMode
	LimitPrice        decimal.Decimal
	Reason            string
	EstimatedValueUSD decimal.Decimal
	DryRun            bool
	// MFACode is empty on the first attempt for a large order; the caller
	// retries with the delivered code.
	MFACode string
	ActedBy types.Actor
}

// ExecuteResult is the outcome of one execution attempt. Policy rejections
// and MFA round-trips are results, not errors; errors mean infrastructure
// failure.
type ExecuteResult struct {
	OK          bool             `json:"ok"`
	Status      string           `json:"status,omitempty"` // "submitted", "simulated"
	OrderID     string           `json:"orderId,omitempty"`
	Code        string           `json:"code,omitempty"` // rejection code
	Reason      string           `json:"reason,omitempty"`
	MFARequired bool             `json:"mfaRequired,omitempty"`
	MFAFailed   bool             `json:"mfaFailed,omitempty"`
	ExpiresAt   *time.Time       `json:"expiresAt,omitempty"`
	Execution   *types.Execution `json:"execution,omitempty"`
}

func rejected(code, format string, args ...any) *ExecuteResult {
	return &ExecuteResult{OK: false, Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Execute runs the full pre-flight and order path for one request. All
// safety checks are re-evaluated here at call time, never trusted from
// intake.
func (p *Pipeline) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if p.shuttingDown.Load() {
		return nil, ErrShutdown
	}
	now := p.clock.Now()

	snap, err := p.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: no snapshot available: %w", err)
	}
	price := snap.Prices[req.Symbol]

	amount := req.Amount
	if amount.Sign() <= 0 && req.AllocationPct.Sign() > 0 && price.Sign() > 0 {
		amount = req.AllocationPct.Div(decimal.NewFromInt(100)).Mul(snap.TotalValueUSD()).Div(price)
	}
	if amount.Sign() <= 0 {
		return rejected("INVALID_AMOUNT", "order amount must be positive"), nil
	}

	// MFA gating for notionally large orders.
	if req.EstimatedValueUSD.GreaterThan(decimal.NewFromFloat(p.cfg.Pipeline.MFAThresholdUSD)) {
		result, done, err := p.mfaGate(ctx, req, amount, now)
		if err != nil || done {
			return result, err
		}
	}

	// Pre-flight, in order: kill switch, slippage, balance, velocity, daily
	// loss.
	ks, err := p.store.ReadKillSwitch(ctx)
	if err != nil {
		return nil, fmt.Errorf("pipeline: kill-switch read: %w", err)
	}
	if ks.Enabled {
		return rejected(risk.CodeKillSwitch, "kill switch engaged by %s: %s", ks.SetBy, ks.Reason), nil
	}

	if req.Mode == types.ModeLimit {
		if req.LimitPrice.Sign() <= 0 {
			return rejected("INVALID_LIMIT", "limit orders require a positive limit price"), nil
		}
		if price.Sign() > 0 {
			slippage := price.Sub(req.LimitPrice).Abs().Div(price)
			if slippage.GreaterThan(decimal.NewFromFloat(p.cfg.Pipeline.MaxSlippagePct)) {
				return rejected("SLIPPAGE", "limit price %s is %s from market %s (max %.2f%%)",
					req.LimitPrice.StringFixed(4), slippage.Mul(decimal.NewFromInt(100)).StringFixed(2)+"%",
					price.StringFixed(4), p.cfg.Pipeline.MaxSlippagePct*100), nil
			}
		}
	}

	if req.Side == types.Sell {
		balances, err := p.broker.FetchBalances(ctx)
		if err != nil {
			return nil, fmt.Errorf("pipeline: balance check: %w", err)
		}
		if balances[req.Symbol].LessThan(amount) {
			return rejected("INSUFFICIENT_BALANCE", "selling %s %s but only %s held",
				amount.StringFixed(8), req.Symbol, balances[req.Symbol].StringFixed(8)), nil
		}
	}

	state := p.gate.State()
	if trades := state.TradesLastHour(now); trades >= p.cfg.Risk.MaxTradesHour {
		return rejected(risk.CodeVelocity, "%d trades in the last hour (max %d)", trades, p.cfg.Risk.MaxTradesHour), nil
	}
	if loss := state.DailyLoss(now); loss.LessThanOrEqual(decimal.NewFromFloat(p.cfg.Risk.DailyLossLimit)) {
		return rejected(risk.CodeDailyLoss, "daily loss %s has reached the limit", loss.StringFixed(2)), nil
	}

	if p.cfg.DryRun || p.cfg.OwnerID == "" || req.DryRun {
		return p.simulate(ctx, req, amount, price, now), nil
	}
	return p.placeLive(ctx, req, amount, price, now)
}

// mfaGate runs the challenge handshake. done=true means the result is final
// for this attempt (challenge issued, or verification failed).
func (p *Pipeline) mfaGate(ctx context.Context, req ExecuteRequest, amount decimal.Decimal, now time.Time) (*ExecuteResult, bool, error) {
	tradeID := req.ApprovalID
	if tradeID == "" {
		tradeID = uuid.NewString()
	}

	if req.MFACode == "" {
		code, err := sixDigitCode()
		if err != nil {
			return nil, true, fmt.Errorf("pipeline: code generation: %w", err)
		}
		expires := now.Add(p.cfg.Pipeline.MFACodeTTL).UTC()
		challenge := &types.MFAChallenge{
			TradeID:      tradeID,
			UserID:       p.cfg.OwnerID,
			Code:         code,
			ExpiresAt:    expires,
			TradeDetails: fmt.Sprintf("%s %s %s", req.Side, amount.StringFixed(8), req.Symbol),
			CreatedAt:    now.UTC(),
		}
		if err := p.store.InsertMFA(ctx, challenge); err != nil {
			return nil, true, fmt.Errorf("pipeline: challenge persist: %w", err)
		}
		if err := p.notifier.PublishCode(ctx, p.cfg.OwnerID, code, expires); err != nil {
			p.logger.Warn("mfa code delivery failed", "trade", tradeID, "error", err)
		}
		p.logger.Info("mfa challenge issued", "trade", tradeID, "expires", expires)
		return &ExecuteResult{MFARequired: true, ExpiresAt: &expires}, true, nil
	}

	err := p.store.VerifyMFA(ctx, tradeID, req.MFACode, now)
	switch {
	case err == nil:
		return nil, false, nil
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
		return &ExecuteResult{MFAFailed: true, Reason: p.mfaFailureReason(ctx, tradeID, req.MFACode, now)}, true, nil
	default:
		return nil, true, fmt.Errorf("pipeline: challenge verify: %w", err)
	}
}

func (p *Pipeline) mfaFailureReason(ctx context.Context, tradeID, code string, now time.Time) string {
	challenge, err := p.store.FindMFA(ctx, tradeID)
	if err != nil {
		return "no active challenge"
	}
	switch {
	case challenge.Verified:
		return "already used"
	case challenge.Expired(now):
		return "code expired"
	case challenge.Code != code:
		return "invalid code"
	default:
		return "verification failed"
	}
}

// simulate records an execution without contacting the venue.
func (p *Pipeline) simulate(ctx context.Context, req ExecuteRequest, amount, price decimal.Decimal, now time.Time) *ExecuteResult {
	orderID := "dry-run-" + uuid.NewString()[:8]
	exec := &types.Execution{
		ID:           uuid.NewString(),
		ApprovalID:   req.ApprovalID,
		RuleID:       req.RuleID,
		Side:         req.Side,
		Symbol:       req.Symbol,
		Amount:       amount,
		Mode:         req.Mode,
		OrderID:      orderID,
		Status:       "simulated",
		AvgFillPrice: price,
		DryRun:       true,
		ExecutedAt:   now.UTC(),
	}
	if err := p.store.AppendExecution(ctx, exec); err != nil {
		p.logger.Warn("simulated execution persist failed", "error", err)
	}
	p.logger.Info("order simulated", "order", orderID, "side", req.Side, "symbol", req.Symbol, "amount", amount.StringFixed(8))
	p.bus.Publish(bus.TopicTradeResult, exec)
	return &ExecuteResult{OK: true, Status: "simulated", OrderID: orderID, Execution: exec}
}

func (p *Pipeline) placeLive(ctx context.Context, req ExecuteRequest, amount, price decimal.Decimal, now time.Time) (*ExecuteResult, error) {
	order := types.OrderRequest{
		Side:       req.Side,
		Symbol:     req.Symbol,
		Amount:     amount,
		Mode:       req.Mode,
		LimitPrice: req.LimitPrice,
		ClientID:   uuid.NewString(),
	}
	p.bus.Publish(bus.TopicTradeSubmitted, order)

	result, err := p.broker.PlaceOrder(ctx, order)
	if err != nil {
		// Every submitted event gets a result, failures included, so stream
		// consumers can always pair the two by client ID.
		p.bus.Publish(bus.TopicTradeResult, &types.Execution{
			ID:         uuid.NewString(),
			ApprovalID: req.ApprovalID,
			RuleID:     req.RuleID,
			Side:       req.Side,
			Symbol:     req.Symbol,
			Amount:     amount,
			Mode:       req.Mode,
			ClientID:   order.ClientID,
			Status:     "failed",
			ExecutedAt: now.UTC(),
		})
		return nil, fmt.Errorf("pipeline: place order: %w", err)
	}

	fillPrice := result.AvgFillPrice
	if fillPrice.Sign() <= 0 {
		fillPrice = price
	}
	pnl := p.realizedPnL(ctx, req, amount, fillPrice)

	p.gate.State().RecordExecution(req.RuleID, req.Symbol, req.Side, pnl, now)

	exec := &types.Execution{
		ID:           uuid.NewString(),
		ApprovalID:   req.ApprovalID,
		RuleID:       req.RuleID,
		Side:         req.Side,
		Symbol:       req.Symbol,
		Amount:       amount,
		Mode:         req.Mode,
		OrderID:      result.OrderID,
		ClientID:     order.ClientID,
		Status:       result.Status,
		FilledQty:    result.FilledQty,
		AvgFillPrice: result.AvgFillPrice,
		PnL:          pnl,
		ExecutedAt:   now.UTC(),
	}
	if err := p.store.AppendExecution(ctx, exec); err != nil {
		p.logger.Error("execution persist failed", "order", result.OrderID, "error", err)
	}
	p.logger.Info("order placed", "order", result.OrderID, "side", req.Side,
		"symbol", req.Symbol, "amount", amount.StringFixed(8), "pnl", pnl.StringFixed(2))
	p.bus.Publish(bus.TopicTradeResult, exec)
	return &ExecuteResult{OK: true, Status: "submitted", OrderID: result.OrderID, Execution: exec}, nil
}

// realizedPnL estimates the realized gain on a sell from the recorded
// average buy price. Zero when unknown or for buys.
func (p *Pipeline) realizedPnL(ctx context.Context, req ExecuteRequest, amount, fillPrice decimal.Decimal) decimal.Decimal {
	if req.Side != types.Sell || fillPrice.Sign() <= 0 {
		return decimal.Zero
	}
	baselines, err := p.store.ListBaselines(ctx)
	if err != nil {
		return decimal.Zero
	}
	base, ok := baselines[req.Symbol]
	if !ok || base.AvgBuyPrice.Sign() <= 0 {
		return decimal.Zero
	}
	return fillPrice.Sub(base.AvgBuyPrice).Mul(amount)
}

// ExecuteApproval drives one decided approval through execution, applying
// the status transition that matches the outcome.
func (p *Pipeline) ExecuteApproval(ctx context.Context, id, mfaCode string, actedBy types.Actor) (*ExecuteResult, error) {
	approval, err := p.store.FindApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if approval.Metadata.Intent == nil {
		return nil, fmt.Errorf("pipeline: approval %s carries no intent", id)
	}

	from := approval.Status
	switch from {
	case types.StatusApproved:
	case types.StatusPending:
		// pending may only execute as a simulation
		if !approval.Metadata.Intent.DryRun && !p.cfg.DryRun {
			return rejected("NOT_APPROVED", "approval %s is pending; approve it first", id), nil
		}
	default:
		return rejected("TERMINAL_STATUS", "approval %s is %s", id, from), nil
	}

	req := requestFromIntent(approval.Metadata.Intent)
	req.ApprovalID = id
	req.MFACode = mfaCode
	req.ActedBy = actedBy
	req.EstimatedValueUSD = approval.Amount

	result, err := p.Execute(ctx, req)
	if err != nil {
		p.transition(ctx, id, from, types.StatusFailed, actedBy)
		return nil, err
	}
	if result.MFARequired || result.MFAFailed || !result.OK {
		return result, nil
	}

	to := types.StatusExecuted
	if result.Status == "simulated" {
		to = types.StatusSimulated
	}
	p.transition(ctx, id, from, to, actedBy)
	return result, nil
}

func (p *Pipeline) transition(ctx context.Context, id string, from, to types.ApprovalStatus, actedBy types.Actor) {
	if err := p.store.UpdateApprovalStatus(ctx, id, from, to, actedBy); err != nil {
		p.logger.Warn("approval transition failed", "id", id, "from", from, "to", to, "error", err)
		return
	}
	if approval, err := p.store.FindApproval(ctx, id); err == nil {
		p.bus.Publish(bus.TopicApprovalUpdated, approval)
	}
	p.audit(ctx, "approval_"+string(to), actedBy, fmt.Sprintf("approval %s → %s", id, to))
}
