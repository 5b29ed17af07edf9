// Package anomaly watches the snapshot series for abnormal portfolio-value
// moves.
//
// Two detectors run on each pass and both may fire on the same tick:
//
//   - single-step: the percent move between the two latest snapshots,
//     graded high at the configured threshold and critical at twice it
//   - z-score: the latest value against the mean and stddev of the
//     trailing series, graded medium beyond the configured |z|
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"coinwarden/internal/bus"
	"coinwarden/internal/config"
	"coinwarden/internal/store"
	"coinwarden/pkg/types"
)

// lookback is the snapshot window the z-score detector trains on.
const lookback = 24 * time.Hour

// minSamples is the fewest snapshots the z-score detector will accept.
const minSamples = 10

// Detector runs the anomaly pass.
type Detector struct {
	cfg    config.AnomalyConfig
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
	nowFn  func() time.Time
}

// New creates the detector.
func New(cfg config.AnomalyConfig, st *store.Store, b *bus.Bus, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		store:  st,
		bus:    b,
		logger: logger.With("component", "anomaly"),
		nowFn:  time.Now,
	}
}

// Run executes one detection pass over the trailing snapshot window.
func (d *Detector) Run(ctx context.Context) {
	snaps, err := d.store.SnapshotsSince(ctx, d.nowFn().Add(-lookback))
	if err != nil {
		d.logger.Warn("snapshot read failed", "error", err)
		return
	}
	if len(snaps) < 2 {
		return
	}

	values := make([]float64, len(snaps))
	for i, s := range snaps {
		v, _ := s.TotalValueUSD().Float64()
		values[i] = v
	}

	d.singleStep(ctx, values)
	d.zScore(ctx, values)
}

func (d *Detector) singleStep(ctx context.Context, values []float64) {
	changePct, ok := singleStepChange(values)
	if !ok || changePct < d.cfg.SingleStepPct {
		return
	}

	severity := types.SeverityHigh
	if changePct >= 2*d.cfg.SingleStepPct {
		severity = types.SeverityCritical
	}
	prev, curr := values[len(values)-2], values[len(values)-1]
	d.raise(ctx, severity,
		fmt.Sprintf("portfolio value moved %.2f%% in one snapshot step", changePct),
		map[string]any{"detector": "single_step", "changePct": changePct, "prev": prev, "curr": curr})
}

func (d *Detector) zScore(ctx context.Context, values []float64) {
	if len(values) < minSamples {
		return
	}
	z, mean, std, ok := zScoreOf(values)
	if !ok || math.Abs(z) < d.cfg.ZThreshold {
		return
	}
	d.raise(ctx, types.SeverityMedium,
		fmt.Sprintf("portfolio value z-score %.2f against trailing window", z),
		map[string]any{"detector": "z_score", "z": z, "mean": mean, "std": std, "curr": values[len(values)-1]})
}

// singleStepChange is the absolute percent move between the two latest
// values. Undefined for fewer than two samples or a zero previous value.
func singleStepChange(values []float64) (float64, bool) {
	if len(values) < 2 {
		return 0, false
	}
	prev := values[len(values)-2]
	curr := values[len(values)-1]
	if prev == 0 {
		return 0, false
	}
	return math.Abs((curr - prev) / prev * 100), true
}

// zScoreOf scores the last value against the mean and stddev of the
// preceding window. Undefined when the window is flat.
func zScoreOf(values []float64) (z, mean, std float64, ok bool) {
	if len(values) < 2 {
		return 0, 0, 0, false
	}
	train := values[:len(values)-1]
	curr := values[len(values)-1]

	for _, v := range train {
		mean += v
	}
	mean /= float64(len(train))

	variance := 0.0
	for _, v := range train {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(train))
	std = math.Sqrt(variance)
	if std == 0 {
		return 0, mean, 0, false
	}
	return (curr - mean) / std, mean, std, true
}

func (d *Detector) raise(ctx context.Context, severity types.Severity, message string, data map[string]any) {
	alert := &types.Alert{
		ID:       uuid.NewString(),
		Kind:     "anomaly",
		Severity: severity,
		Message:  message,
		Data:     data,
		TS:       d.nowFn().UTC(),
	}
	if err := d.store.RecordAlert(ctx, alert); err != nil {
		d.logger.Warn("alert write failed", "error", err)
	}
	d.logger.Warn("anomaly detected", "severity", severity, "message", message)
	d.bus.Publish(bus.TopicAlertRaised, alert)
}
