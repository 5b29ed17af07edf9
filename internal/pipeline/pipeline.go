// Package pipeline owns the approval/execution path.
//
// Intents arriving from the evaluator pass through the risk gate, then
// either become pending approvals awaiting the owner or auto-execute within
// the per-tick bound. Execution itself re-checks safety at call time (kill
// switch, slippage, balance, velocity) and gates notionally large orders
// behind a one-time MFA code.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwarden/internal/brokerage"
	"coinwarden/internal/bus"
	"coinwarden/internal/config"
	"coinwarden/internal/notify"
	"coinwarden/internal/risk"
	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

// Pipeline wires the gate, store, brokerage, and notifier into the approval
// and execution flows.
type Pipeline struct {
	cfg      *config.Config
	store    *store.Store
	broker   brokerage.Client
	gate     *risk.Gate
	bus      *bus.Bus
	notifier notify.Notifier
	logger   *slog.Logger
	clock    brokerage.Clock

	shuttingDown atomic.Bool
}

// New creates the pipeline.
func New(cfg *config.Config, st *store.Store, broker brokerage.Client, gate *risk.Gate, b *bus.Bus, notifier notify.Notifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		gate:     gate,
		bus:      b,
		notifier: notifier,
		logger:   logger.With("component", "pipeline"),
		clock:    brokerage.SystemClock{},
	}
}

// BeginShutdown makes every subsequent execution call reject. In-flight
// calls complete normally.
func (p *Pipeline) BeginShutdown() { p.shuttingDown.Store(true) }

// ProcessIntents runs the intake path for one evaluation tick. Intents are
// handled in emission order; rejected ones raise an informational alert.
// Auto-execution is bounded per tick and restricted to enter/exit actions.
func (p *Pipeline) ProcessIntents(ctx context.Context, rulesByID map[string]*types.Rule, riskCtx risk.Context, intents []*types.Intent) {
	autoExecuted := 0
	for _, intent := range intents {
		if intent.Action.Kind == types.ActionAlert {
			p.raiseRuleAlert(ctx, intent)
			continue
		}

		rule, ok := rulesByID[intent.RuleID]
		if !ok {
			p.logger.Warn("intent references unknown rule", "rule", intent.RuleID)
			continue
		}

		decision := p.gate.Check(rule, riskCtx, intent)
		if !decision.Allowed {
			p.rejectIntent(ctx, intent, decision)
			continue
		}

		needsApproval := intent.DryRun ||
			!types.IsCoreAsset(intent.Action.Symbol) ||
			intent.EstimatedValueUSD.GreaterThan(decimal.NewFromFloat(p.cfg.Pipeline.MFAThresholdUSD)) ||
			rule.Risk.RequireApproval

		if needsApproval {
			title := fmt.Sprintf("%s %s %s%% of portfolio",
				intent.Action.Kind, intent.Action.Symbol, intent.Action.AllocationPct.StringFixed(1))
			if _, err := p.CreatePendingApproval(ctx, "trade", title, intent.Reason, intent); err != nil {
				p.logger.Error("approval creation failed", "rule", intent.RuleID, "error", err)
			}
			continue
		}

		if autoExecuted >= p.cfg.Pipeline.AutoExecuteMaxPerTick {
			continue
		}
		autoExecuted++
		p.autoExecute(ctx, rule, intent)
	}
}

// CreatePendingApproval persists a pending approval carrying the intent and
// publishes approval:created.
func (p *Pipeline) CreatePendingApproval(ctx context.Context, typ, title, summary string, intent *types.Intent) (*types.Approval, error) {
	approval := &types.Approval{
		ID:        uuid.NewString(),
		Type:      typ,
		Symbol:    intent.Action.Symbol,
		Amount:    intent.EstimatedValueUSD,
		Title:     title,
		Summary:   summary,
		Status:    types.StatusPending,
		CreatedAt: p.clock.Now().UTC(),
		Metadata:  types.ApprovalMetadata{Intent: intent},
	}
	if err := p.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	p.logger.Info("approval created", "id", approval.ID, "type", typ, "title", title)
	p.bus.Publish(bus.TopicApprovalCreated, approval)
	return approval, nil
}

// CreateRuleChangeApproval persists a pending rule-update approval.
func (p *Pipeline) CreateRuleChangeApproval(ctx context.Context, title, summary string, change *types.RuleChange) (*types.Approval, error) {
	approval := &types.Approval{
		ID:        uuid.NewString(),
		Type:      "rule_update",
		Title:     title,
		Summary:   summary,
		Status:    types.StatusPending,
		CreatedAt: p.clock.Now().UTC(),
		Metadata:  types.ApprovalMetadata{RuleChange: change},
	}
	if err := p.store.CreateApproval(ctx, approval); err != nil {
		return nil, err
	}
	p.logger.Info("rule-change approval created", "id", approval.ID, "rule", change.RuleID)
	p.bus.Publish(bus.TopicApprovalCreated, approval)
	return approval, nil
}

// Decide applies an owner decision (approve or decline) to a pending
// approval with a compare-and-set transition.
func (p *Pipeline) Decide(ctx context.Context, id string, to types.ApprovalStatus, actedBy types.Actor) (*types.Approval, error) {
	if to != types.StatusApproved && to != types.StatusDeclined {
		return nil, fmt.Errorf("pipeline: decision must be approved or declined, got %q", to)
	}
	if err := p.store.UpdateApprovalStatus(ctx, id, types.StatusPending, to, actedBy); err != nil {
		// Replaying the same decision is a no-op, not a conflict. No event
		// is re-emitted.
		if errors.Is(err, store.ErrConflict) {
			if approval, ferr := p.store.FindApproval(ctx, id); ferr == nil && approval.Status == to {
				return approval, nil
			}
		}
		return nil, err
	}
	approval, err := p.store.FindApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	p.bus.Publish(bus.TopicApprovalUpdated, approval)
	p.audit(ctx, "approval_"+string(to), actedBy, fmt.Sprintf("approval %s %s", id, to))

	// Approved rule changes apply immediately; the approval itself is the
	// execution.
	if to == types.StatusApproved && approval.Metadata.RuleChange != nil {
		p.applyRuleChange(ctx, approval, actedBy)
	}
	return approval, nil
}

func (p *Pipeline) applyRuleChange(ctx context.Context, approval *types.Approval, actedBy types.Actor) {
	change := approval.Metadata.RuleChange
	if err := p.store.SetRuleEnabled(ctx, change.RuleID, !change.Disable); err != nil {
		p.logger.Error("rule change failed", "rule", change.RuleID, "error", err)
		p.transition(ctx, approval.ID, types.StatusApproved, types.StatusFailed, actedBy)
		return
	}
	p.logger.Info("rule change applied", "rule", change.RuleID, "disabled", change.Disable)
	p.audit(ctx, "rule_change_applied", actedBy,
		fmt.Sprintf("rule %s enabled=%t via approval %s", change.RuleID, !change.Disable, approval.ID))
	p.transition(ctx, approval.ID, types.StatusApproved, types.StatusExecuted, actedBy)
}

func (p *Pipeline) autoExecute(ctx context.Context, rule *types.Rule, intent *types.Intent) {
	req := requestFromIntent(intent)
	req.RuleID = rule.ID
	result, err := p.Execute(ctx, req)
	if err != nil {
		p.logger.Error("auto-execution failed", "rule", rule.ID, "error", err)
		return
	}
	p.logger.Info("auto-executed", "rule", rule.ID, "order", result.OrderID, "status", result.Status)
}

func (p *Pipeline) rejectIntent(ctx context.Context, intent *types.Intent, decision risk.Decision) {
	p.logger.Info("intent rejected", "rule", intent.RuleID, "code", decision.Code, "reason", decision.Reason)
	alert := &types.Alert{
		ID:       uuid.NewString(),
		Kind:     "risk",
		Severity: types.SeverityInfo,
		Message:  fmt.Sprintf("intent blocked: %s", decision.Reason),
		Data:     map[string]any{"code": decision.Code, "ruleId": intent.RuleID, "symbol": intent.Action.Symbol},
		TS:       p.clock.Now().UTC(),
	}
	if err := p.store.RecordAlert(ctx, alert); err != nil {
		p.logger.Warn("alert write failed", "error", err)
	}
	p.bus.Publish(bus.TopicAlertRaised, alert)
}

func (p *Pipeline) raiseRuleAlert(ctx context.Context, intent *types.Intent) {
	alert := &types.Alert{
		ID:       uuid.NewString(),
		Kind:     "rule",
		Severity: types.SeverityInfo,
		Message:  intent.Action.Message,
		Data:     map[string]any{"ruleId": intent.RuleID},
		TS:       p.clock.Now().UTC(),
	}
	if err := p.store.RecordAlert(ctx, alert); err != nil {
		p.logger.Warn("alert write failed", "error", err)
	}
	p.bus.Publish(bus.TopicAlertRaised, alert)
	if intent.Action.Message != "" {
		_ = p.notifier.Notify(ctx, intent.Action.Message)
	}
}

func (p *Pipeline) audit(ctx context.Context, kind string, actor types.Actor, message string) {
	entry := &types.AuditEntry{
		ID:      uuid.NewString(),
		Kind:    kind,
		Actor:   actor,
		Message: message,
		TS:      p.clock.Now().UTC(),
	}
	if err := p.store.InsertAudit(ctx, entry); err != nil {
		p.logger.Warn("audit write failed", "error", err)
	}
}

// sixDigitCode draws a zero-padded code from crypto/rand.
func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func requestFromIntent(intent *types.Intent) ExecuteRequest {
	side := types.Buy
	if intent.Action.Kind == types.ActionExit {
		side = types.Sell
	}
	mode := intent.Action.Mode
	if mode == "" {
		mode = types.ModeMarket
	}
	return ExecuteRequest{
		Side:              side,
		Symbol:            intent.Action.Symbol,
		Amount:            intent.RecommendedSellQty,
		AllocationPct:     intent.Action.AllocationPct,
		Mode:              mode,
		LimitPrice:        intent.Action.LimitPrice,
		Reason:            intent.Reason,
		RuleID:            intent.RuleID,
		EstimatedValueUSD: intent.EstimatedValueUSD,
		DryRun:            intent.DryRun,
	}
}
