package metrics

import (
	"log/slog"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"coinwarden/internal/bus"
	"coinwarden/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *bus.Bus) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	b := bus.New(logger)
	t.Cleanup(b.Close)
	return New(prometheus.NewRegistry(), b), b
}

func TestRiskRejectionsByCode(t *testing.T) {
	t.Parallel()
	c, _ := newTestCollector(t)

	c.observe(bus.Event{Topic: bus.TopicAlertRaised, Data: &types.Alert{
		Kind:     "risk",
		Severity: types.SeverityInfo,
		Data:     map[string]any{"code": "BASELINE_BTC"},
	}})
	c.observe(bus.Event{Topic: bus.TopicAlertRaised, Data: &types.Alert{
		Kind:     "performance",
		Severity: types.SeverityHigh,
	}})

	if got := testutil.ToFloat64(c.RiskRejections.WithLabelValues("BASELINE_BTC")); got != 1 {
		t.Errorf("risk_rejections_total{BASELINE_BTC} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Alerts.WithLabelValues(string(types.SeverityHigh))); got != 1 {
		t.Errorf("alerts_total{high} = %v, want 1", got)
	}
}

func TestTradesExecutedSkipsFailures(t *testing.T) {
	t.Parallel()
	c, _ := newTestCollector(t)

	c.observe(bus.Event{Topic: bus.TopicTradeResult, Data: &types.Execution{Status: "submitted"}})
	c.observe(bus.Event{Topic: bus.TopicTradeResult, Data: &types.Execution{Status: "simulated"}})
	c.observe(bus.Event{Topic: bus.TopicTradeResult, Data: &types.Execution{Status: "failed"}})

	if got := testutil.ToFloat64(c.TradesExecuted); got != 2 {
		t.Errorf("trades_executed_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Executions.WithLabelValues("failed")); got != 1 {
		t.Errorf("executions_total{failed} = %v, want 1", got)
	}
}

func TestEventsDroppedTracksBus(t *testing.T) {
	t.Parallel()
	c, b := newTestCollector(t)

	if got := testutil.ToFloat64(c.EventsDropped); got != 0 {
		t.Fatalf("events_dropped_total = %v, want 0", got)
	}

	// Overflow one subscription: the connected marker plus one event get
	// evicted.
	sub := b.Subscribe()
	t.Cleanup(sub.Close)
	for i := 0; i < bus.DefaultBufferSize+1; i++ {
		b.Publish(bus.TopicHeartbeat, i)
	}

	if got := testutil.ToFloat64(c.EventsDropped); got != 2 {
		t.Errorf("events_dropped_total = %v, want 2", got)
	}
}

func TestKillSwitchGauge(t *testing.T) {
	t.Parallel()
	c, _ := newTestCollector(t)

	c.observe(bus.Event{Topic: bus.TopicKillSwitchChanged, Data: types.KillSwitch{Enabled: true}})
	if got := testutil.ToFloat64(c.KillSwitch); got != 1 {
		t.Errorf("kill_switch_engaged = %v, want 1", got)
	}
	c.observe(bus.Event{Topic: bus.TopicKillSwitchChanged, Data: types.KillSwitch{Enabled: false}})
	if got := testutil.ToFloat64(c.KillSwitch); got != 0 {
		t.Errorf("kill_switch_engaged = %v, want 0", got)
	}
}
