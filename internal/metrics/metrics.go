// Package metrics exposes Prometheus instrumentation for the supervisor.
//
// The collector is a bus consumer: it subscribes to every topic and turns
// the event stream into counters and gauges, so the components themselves
// stay free of instrumentation calls.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"coinwarden/internal/bus"
	"coinwarden/pkg/types"
)

// Collector holds the supervisor's metric set.
type Collector struct {
	Events         *prometheus.CounterVec
	EventsDropped  prometheus.CounterFunc
	Approvals      *prometheus.CounterVec
	Executions     *prometheus.CounterVec
	TradesExecuted prometheus.Counter
	RiskRejections *prometheus.CounterVec
	Alerts         *prometheus.CounterVec
	PortfolioValue prometheus.Gauge
	KillSwitch     prometheus.Gauge
	StreamLag      prometheus.Counter
}

// New registers the metric set with the given registerer. The bus is needed
// at construction so the drop counter can read its running total.
func New(reg prometheus.Registerer, b *bus.Bus) *Collector {
	c := &Collector{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwarden_events_published_total",
			Help: "Events observed on the bus, by topic.",
		}, []string{"topic"}),
		EventsDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "coinwarden_events_dropped_total",
			Help: "Events discarded across all bus subscriptions on buffer overflow.",
		}, func() float64 { return float64(b.Dropped()) }),
		Approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwarden_approvals_total",
			Help: "Approval lifecycle transitions, by status.",
		}, []string{"status"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwarden_executions_total",
			Help: "Execution attempts, by status.",
		}, []string{"status"}),
		TradesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwarden_trades_executed_total",
			Help: "Orders that completed, live or simulated.",
		}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwarden_risk_rejections_total",
			Help: "Intents blocked by the risk gate, by rejection code.",
		}, []string{"code"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwarden_alerts_total",
			Help: "Alerts raised, by severity.",
		}, []string{"severity"}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinwarden_portfolio_value_usd",
			Help: "Total portfolio value at the latest snapshot.",
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinwarden_kill_switch_engaged",
			Help: "1 while the kill switch is engaged.",
		}),
		StreamLag: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwarden_metrics_stream_lag_total",
			Help: "Events dropped from the metrics subscription buffer.",
		}),
	}
	reg.MustRegister(c.Events, c.EventsDropped, c.Approvals, c.Executions,
		c.TradesExecuted, c.RiskRejections, c.Alerts,
		c.PortfolioValue, c.KillSwitch, c.StreamLag)
	return c
}

// Run consumes the bus until ctx is cancelled. Call in a goroutine.
func (c *Collector) Run(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe()
	defer sub.Close()

	var lastLag uint64
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			c.observe(evt)
			if lag := sub.Lag(); lag > lastLag {
				c.StreamLag.Add(float64(lag - lastLag))
				lastLag = lag
			}
		}
	}
}

func (c *Collector) observe(evt bus.Event) {
	c.Events.WithLabelValues(evt.Topic).Inc()

	switch evt.Topic {
	case bus.TopicPortfolioUpdated:
		if snap, ok := evt.Data.(*types.Snapshot); ok {
			c.PortfolioValue.Set(snap.TotalValueUSD().InexactFloat64())
		}
	case bus.TopicApprovalCreated, bus.TopicApprovalUpdated:
		if a, ok := evt.Data.(*types.Approval); ok {
			c.Approvals.WithLabelValues(string(a.Status)).Inc()
		}
	case bus.TopicTradeResult:
		if e, ok := evt.Data.(*types.Execution); ok {
			c.Executions.WithLabelValues(e.Status).Inc()
			if e.Status != "failed" {
				c.TradesExecuted.Inc()
			}
		}
	case bus.TopicAlertRaised:
		if a, ok := evt.Data.(*types.Alert); ok {
			c.Alerts.WithLabelValues(string(a.Severity)).Inc()
			if a.Kind == "risk" {
				if code, ok := a.Data["code"].(string); ok {
					c.RiskRejections.WithLabelValues(code).Inc()
				}
			}
		}
	case bus.TopicKillSwitchChanged:
		if ks, ok := evt.Data.(types.KillSwitch); ok {
			if ks.Enabled {
				c.KillSwitch.Set(1)
			} else {
				c.KillSwitch.Set(0)
			}
		}
	}
}
