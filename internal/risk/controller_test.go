package risk

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/internal/bus"
	"coinwarden/internal/config"
	"coinwarden/pkg/types"
)

type fakeSafetyStore struct {
	ks         types.KillSwitch
	collateral []types.Collateral
	upserts    int
	audits     []*types.AuditEntry
}

func (f *fakeSafetyStore) ReadKillSwitch(ctx context.Context) (types.KillSwitch, error) {
	return f.ks, nil
}

func (f *fakeSafetyStore) UpsertKillSwitch(ctx context.Context, ks types.KillSwitch) error {
	f.ks = ks
	f.upserts++
	return nil
}

func (f *fakeSafetyStore) ListCollateral(ctx context.Context) ([]types.Collateral, error) {
	return f.collateral, nil
}

func (f *fakeSafetyStore) InsertAudit(ctx context.Context, e *types.AuditEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

// newTestController pins the clock to a fixed instant; tests advance it
// through the returned pointer.
func newTestController(t *testing.T, st *fakeSafetyStore) (*Controller, *time.Time) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	t.Cleanup(b.Close)

	cfg := config.RiskConfig{
		MaxTradesHour:       4,
		DailyLossLimit:      -1000,
		CollateralMinHealth: 1.1,
		RecoveryGrace:       30 * time.Minute,
	}
	c := NewController(cfg, NewState(), st, b, logger)
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return clock }
	return c, &clock
}

func TestControllerEngagesOnVelocityBreach(t *testing.T) {
	t.Parallel()
	st := &fakeSafetyStore{}
	c, clock := newTestController(t, st)

	for i := 0; i < 4; i++ {
		c.state.RecordExecution("r1", "BTC", types.Buy, decimal.Zero, *clock)
	}
	c.Evaluate(context.Background())

	if !st.ks.Enabled {
		t.Fatal("kill switch should engage at the velocity limit")
	}
	if st.ks.SetBy != types.ActorSystemRisk {
		t.Errorf("SetBy = %q, want %q", st.ks.SetBy, types.ActorSystemRisk)
	}
	if !strings.Contains(st.ks.Reason, "velocity") {
		t.Errorf("Reason = %q, want a velocity breach", st.ks.Reason)
	}
	if len(st.audits) != 1 || st.audits[0].Kind != "kill_switch_engaged" {
		t.Errorf("audits = %v, want one kill_switch_engaged entry", st.audits)
	}
}

func TestControllerEngagesOnCollateralBreach(t *testing.T) {
	t.Parallel()
	st := &fakeSafetyStore{
		collateral: []types.Collateral{{Symbol: "BTC", Health: decimal.NewFromFloat(1.0)}},
	}
	c, _ := newTestController(t, st)

	c.Evaluate(context.Background())
	if !st.ks.Enabled {
		t.Fatal("kill switch should engage on low collateral health")
	}
	if !strings.Contains(st.ks.Reason, "collateral") {
		t.Errorf("Reason = %q, want a collateral breach", st.ks.Reason)
	}
}

func TestControllerDisengagesAfterRecoveryGrace(t *testing.T) {
	t.Parallel()
	st := &fakeSafetyStore{
		ks: types.KillSwitch{Enabled: true, SetBy: types.ActorSystemRisk, Reason: "trade velocity limit reached"},
	}
	c, clock := newTestController(t, st)

	// First clean pass starts the grace window; nothing is written yet.
	c.Evaluate(context.Background())
	if st.upserts != 0 || !st.ks.Enabled {
		t.Fatal("grace period should start without touching the switch")
	}

	*clock = clock.Add(30 * time.Minute)
	c.Evaluate(context.Background())
	if st.ks.Enabled {
		t.Fatal("kill switch should release after the full grace period")
	}
	if st.ks.SetBy != types.ActorSystemRisk {
		t.Errorf("SetBy = %q, want %q", st.ks.SetBy, types.ActorSystemRisk)
	}
}

func TestControllerManualSwitchNeverAutoReleased(t *testing.T) {
	t.Parallel()
	st := &fakeSafetyStore{
		ks: types.KillSwitch{Enabled: true, SetBy: types.ActorOwner, Reason: "manual halt"},
	}
	c, clock := newTestController(t, st)

	c.Evaluate(context.Background())
	*clock = clock.Add(31 * time.Minute)
	c.Evaluate(context.Background())

	if st.upserts != 0 {
		t.Errorf("upserts = %d, want 0 for an owner-set switch", st.upserts)
	}
	if !st.ks.Enabled {
		t.Error("owner-set kill switch must stay engaged")
	}
}

func TestControllerBreachRestartsRecoveryGrace(t *testing.T) {
	t.Parallel()
	st := &fakeSafetyStore{
		ks: types.KillSwitch{Enabled: true, SetBy: types.ActorSystemRisk, Reason: "daily loss limit reached"},
	}
	c, clock := newTestController(t, st)

	// Grace starts, then a fresh breach 10 minutes in wipes the window.
	c.Evaluate(context.Background())
	*clock = clock.Add(10 * time.Minute)
	st.collateral = []types.Collateral{{Symbol: "BTC", Health: decimal.NewFromFloat(1.0)}}
	c.Evaluate(context.Background())

	// Breach clears; 25 more minutes is past the original window but not a
	// full grace period since the restart.
	st.collateral = nil
	*clock = clock.Add(25 * time.Minute)
	c.Evaluate(context.Background())
	if !st.ks.Enabled {
		t.Fatal("kill switch released before a full uninterrupted grace period")
	}

	*clock = clock.Add(30 * time.Minute)
	c.Evaluate(context.Background())
	if st.ks.Enabled {
		t.Error("kill switch should release once the restarted grace completes")
	}
}
