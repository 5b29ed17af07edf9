package risk

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"coinwarden/internal/bus"
	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

// SafetyStore is the slice of the persistence gateway the controller reads
// and writes.
type SafetyStore interface {
	ReadKillSwitch(ctx context.Context) (types.KillSwitch, error)
	UpsertKillSwitch(ctx context.Context, ks types.KillSwitch) error
	ListCollateral(ctx context.Context) ([]types.Collateral, error)
	InsertAudit(ctx context.Context, e *types.AuditEntry) error
}

// Controller is the kill-switch / throttle loop. The scheduler calls
// Evaluate every 60 seconds; the controller engages the global halt when
// risk counters or collateral health breach their limits, and disengages it
// after a sustained grace period of no breaches.
//
// A manual kill-switch (set by the owner) is never auto-released here —
// only switches the controller engaged itself (setBy system:risk) recover.
type Controller struct {
	cfg    config.RiskConfig
	state  *State
	store  SafetyStore
	bus    *bus.Bus
	logger *slog.Logger
	nowFn  func() time.Time

	// recoveryStart marks the beginning of a continuous no-breach window
	// while the switch is engaged. Zero when not recovering.
	recoveryStart time.Time
}

// NewController wires the throttle controller.
func NewController(cfg config.RiskConfig, state *State, st SafetyStore, b *bus.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		state:  state,
		store:  st,
		bus:    b,
		logger: logger.With("component", "killswitch"),
		nowFn:  time.Now,
	}
}

// Evaluate runs one breach/recovery pass.
func (c *Controller) Evaluate(ctx context.Context) {
	now := c.nowFn()
	reasons := c.breachReasons(ctx, now)

	ks, err := c.store.ReadKillSwitch(ctx)
	if err != nil {
		c.logger.Warn("kill-switch read failed", "error", err)
		return
	}

	switch {
	case len(reasons) > 0 && !ks.Enabled:
		c.engage(ctx, now, reasons)

	case len(reasons) > 0 && ks.Enabled:
		// Still breaching: restart any recovery window.
		c.recoveryStart = time.Time{}

	case len(reasons) == 0 && ks.Enabled && ks.SetBy == types.ActorSystemRisk:
		if c.recoveryStart.IsZero() {
			c.recoveryStart = now
			c.logger.Info("risk recovered, starting grace period", "grace", c.cfg.RecoveryGrace)
			return
		}
		if now.Sub(c.recoveryStart) >= c.cfg.RecoveryGrace {
			c.disengage(ctx, now)
		}

	default:
		c.recoveryStart = time.Time{}
	}
}

// breachReasons evaluates every breach condition and returns the active
// ones.
func (c *Controller) breachReasons(ctx context.Context, now time.Time) []string {
	var reasons []string

	trades := c.state.TradesLastHour(now)
	if trades >= c.cfg.MaxTradesHour {
		reasons = append(reasons, "trade velocity limit reached")
	}

	loss := c.state.DailyLoss(now)
	if loss.LessThanOrEqual(decimal.NewFromFloat(c.cfg.DailyLossLimit)) {
		reasons = append(reasons, "daily loss limit reached")
	}

	if health, ok := c.minCollateralHealth(ctx); ok {
		if health.LessThan(decimal.NewFromFloat(c.cfg.CollateralMinHealth)) {
			reasons = append(reasons, "collateral health below minimum")
		}
	}
	return reasons
}

// minCollateralHealth returns the worst stored collateral health, if any
// collateral exists.
func (c *Controller) minCollateralHealth(ctx context.Context) (decimal.Decimal, bool) {
	positions, err := c.store.ListCollateral(ctx)
	if err != nil || len(positions) == 0 {
		return decimal.Zero, false
	}
	min := positions[0].Health
	for _, p := range positions[1:] {
		if p.Health.LessThan(min) {
			min = p.Health
		}
	}
	return min, true
}

func (c *Controller) engage(ctx context.Context, now time.Time, reasons []string) {
	reason := strings.Join(reasons, "; ")
	ks := types.KillSwitch{
		Enabled:   true,
		Reason:    reason,
		SetBy:     types.ActorSystemRisk,
		Timestamp: now.UTC(),
	}
	if err := c.store.UpsertKillSwitch(ctx, ks); err != nil {
		c.logger.Error("kill-switch engage failed", "error", err)
		return
	}
	c.recoveryStart = time.Time{}
	c.logger.Error("KILL SWITCH engaged", "reason", reason)
	c.bus.Publish(bus.TopicKillSwitchChanged, ks)
	c.audit(ctx, now, "kill_switch_engaged", reason)
}

func (c *Controller) disengage(ctx context.Context, now time.Time) {
	ks := types.KillSwitch{
		Enabled:   false,
		Reason:    "risk recovered",
		SetBy:     types.ActorSystemRisk,
		Timestamp: now.UTC(),
	}
	if err := c.store.UpsertKillSwitch(ctx, ks); err != nil {
		c.logger.Error("kill-switch disengage failed", "error", err)
		return
	}
	c.recoveryStart = time.Time{}
	c.logger.Warn("kill switch released after recovery grace")
	c.bus.Publish(bus.TopicKillSwitchChanged, ks)
	c.audit(ctx, now, "kill_switch_released", "risk recovered")
}

func (c *Controller) audit(ctx context.Context, now time.Time, kind, message string) {
	entry := &types.AuditEntry{
		ID:      uuid.NewString(),
		Kind:    kind,
		Actor:   types.ActorSystemRisk,
		Message: message,
		TS:      now.UTC(),
	}
	if err := c.store.InsertAudit(ctx, entry); err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}
}
