// Package engine is the central orchestrator of the trading supervisor.
//
// It wires together all subsystems:
//
//  1. The persistence gateway (Postgres, degraded-mode tolerant).
//  2. The event bus that fans state deltas out to SSE/WS consumers.
//  3. The brokerage capability (REST client, or the fake when no key is
//     configured).
//  4. The snapshot engine, rule evaluator, risk gate, approval/execution
//     pipeline, kill-switch controller, anomaly detector, and learning
//     aggregator.
//  5. The scheduler hosting every periodic task.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"coinwarden/internal/advisor"
	"coinwarden/internal/anomaly"
	"coinwarden/internal/brokerage"
	"coinwarden/internal/bus"
	"coinwarden/internal/config"
	"coinwarden/internal/learning"
	"coinwarden/internal/notify"
	"coinwarden/internal/pipeline"
	"coinwarden/internal/risk"
	"coinwarden/internal/rules"
	"coinwarden/internal/sched"
	"coinwarden/internal/snapshot"
	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

// shutdownGrace bounds how long Stop waits for in-flight task passes.
const shutdownGrace = 30 * time.Second

// Engine owns every component and the scheduler that drives them.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.Store
	bus        *bus.Bus
	broker     brokerage.Client
	notifier   notify.Notifier
	adv        advisor.Advisor
	sentiment  advisor.Sentiment
	riskState  *risk.State
	gate       *risk.Gate
	controller *risk.Controller
	snapEngine *snapshot.Engine
	evaluator  *rules.Evaluator
	scanner    *rules.Scanner
	pipeline   *pipeline.Pipeline
	detector   *anomaly.Detector
	learner    *learning.Aggregator
	runner     *sched.Runner

	// snapInterval is the live snapshot cadence; the volatility task
	// retunes it between the fast and slow bounds.
	snapInterval *sched.Interval

	// pendingEvents collects external event names for event-triggered
	// rules; the rules tick drains it.
	eventsMu      sync.Mutex
	pendingEvents map[string]bool

	sentimentMu    sync.Mutex
	sentimentValue int
	sentimentClass string
	sentimentAt    time.Time

	startedAt time.Time
}

// New creates and wires all engine components.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, logger)
	if err != nil {
		return nil, err
	}
	b := bus.New(logger)
	st.OnReconnect = func() {
		b.Publish(bus.TopicSystemReconnected, nil)
	}

	var broker brokerage.Client
	if cfg.Brokerage.PrivateKeyPEM != "" && cfg.Brokerage.BaseURL != "" {
		broker, err = brokerage.NewRESTClient(cfg.Brokerage, logger)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no brokerage key configured, using the fake venue")
		broker = brokerage.NewFake()
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
	}

	var adv advisor.Advisor = advisor.Static{Response: "advisor unavailable"}
	if cfg.Advisor.APIKey != "" {
		adv = advisor.NewChatClient(cfg.Advisor)
	}
	var sentiment advisor.Sentiment
	if cfg.Sentiment.URL != "" {
		sentiment = advisor.NewFearGreedClient(cfg.Sentiment.URL)
	}

	riskState := risk.NewState()
	gate := risk.NewGate(cfg.Risk, riskState)

	e := &Engine{
		cfg:           cfg,
		logger:        logger.With("component", "engine"),
		store:         st,
		bus:           b,
		broker:        broker,
		notifier:      notifier,
		adv:           adv,
		sentiment:     sentiment,
		riskState:     riskState,
		gate:          gate,
		controller:    risk.NewController(cfg.Risk, riskState, st, b, logger),
		snapEngine:    snapshot.New(broker, st, b, logger),
		evaluator:     rules.New(st, cfg.Pipeline, logger),
		scanner:       rules.NewScanner(cfg.Profit),
		pipeline:      pipeline.New(cfg, st, broker, gate, b, notifier, logger),
		detector:      anomaly.New(cfg.Anomaly, st, b, logger),
		learner:       learning.New(st, logger),
		runner:        sched.NewRunner(logger),
		snapInterval:  sched.NewInterval(cfg.Snapshot.Interval),
		pendingEvents: make(map[string]bool),
	}
	e.registerTasks()
	return e, nil
}

// Start connects persistence (tolerating degraded mode) and launches the
// scheduler. In light mode no tasks run; the process serves HTTP only.
func (e *Engine) Start(ctx context.Context) error {
	e.startedAt = time.Now()

	if err := e.store.Connect(ctx, e.cfg.Database.ConnectTimeout); err != nil {
		e.logger.Warn("starting in degraded persistence mode", "error", err)
	}
	if e.cfg.LightMode {
		e.logger.Info("light mode enabled, background tasks disabled")
		return nil
	}
	e.runner.Start(ctx)
	return nil
}

// Stop shuts the supervisor down in order: new executions are rejected
// first, then task loops drain within the grace period, then the bus and
// the store close.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.pipeline.BeginShutdown()
	e.runner.Stop(shutdownGrace)
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// Accessors for the HTTP surface
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) Config() *config.Config       { return e.cfg }
func (e *Engine) Store() *store.Store          { return e.store }
func (e *Engine) Bus() *bus.Bus                { return e.bus }
func (e *Engine) Pipeline() *pipeline.Pipeline { return e.pipeline }
func (e *Engine) Snapshots() *snapshot.Engine  { return e.snapEngine }
func (e *Engine) RiskState() *risk.State       { return e.riskState }

// Uptime reports how long the engine has been running.
func (e *Engine) Uptime() time.Duration { return time.Since(e.startedAt) }

// SnapshotInterval returns the live snapshot cadence.
func (e *Engine) SnapshotInterval() time.Duration { return e.snapInterval.Get() }

// ForceSnapshot captures a snapshot outside the schedule.
func (e *Engine) ForceSnapshot(ctx context.Context) (*types.Snapshot, error) {
	return e.snapEngine.Capture(ctx, "forced")
}

// PublishRuleEvent queues an external event name for event-triggered rules.
// The next rules tick consumes it.
func (e *Engine) PublishRuleEvent(name string) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	e.pendingEvents[name] = true
}

// Sentiment returns the last fetched macro sentiment reading, if any.
func (e *Engine) Sentiment() (value int, classification string, at time.Time, ok bool) {
	e.sentimentMu.Lock()
	defer e.sentimentMu.Unlock()
	return e.sentimentValue, e.sentimentClass, e.sentimentAt, !e.sentimentAt.IsZero()
}

// SetKillSwitch applies a manual kill-switch change from the owner.
func (e *Engine) SetKillSwitch(ctx context.Context, enabled bool, reason string, actor types.Actor) (types.KillSwitch, error) {
	ks := types.KillSwitch{
		Enabled:   enabled,
		Reason:    reason,
		SetBy:     actor,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.UpsertKillSwitch(ctx, ks); err != nil {
		return types.KillSwitch{}, err
	}
	e.logger.Warn("kill switch set manually", "enabled", enabled, "actor", actor, "reason", reason)
	e.bus.Publish(bus.TopicKillSwitchChanged, ks)
	entry := &types.AuditEntry{
		ID:      uuid.NewString(),
		Kind:    "kill_switch_manual",
		Actor:   actor,
		Message: reason,
		Data:    map[string]any{"enabled": enabled},
		TS:      ks.Timestamp,
	}
	if err := e.store.InsertAudit(ctx, entry); err != nil {
		e.logger.Warn("audit write failed", "error", err)
	}
	return ks, nil
}

// EvaluateNow runs a one-shot dry evaluation of all enabled rules against
// the latest snapshot. Nothing is gated, persisted, or executed.
func (e *Engine) EvaluateNow(ctx context.Context) ([]*types.Intent, error) {
	snap, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	ruleList, err := e.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	intents := e.evaluator.Evaluate(ctx, snap, ruleList, e.drainEvents(false))
	for _, intent := range intents {
		intent.DryRun = true
	}
	return intents, nil
}

// drainEvents returns the pending event set. When consume is true the set
// is reset.
func (e *Engine) drainEvents(consume bool) map[string]bool {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	out := make(map[string]bool, len(e.pendingEvents))
	for k := range e.pendingEvents {
		out[k] = true
	}
	if consume {
		e.pendingEvents = make(map[string]bool)
	}
	return out
}
