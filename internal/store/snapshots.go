package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

const cacheLatestSnapshot = "latest_snapshot"

// InsertSnapshot appends an immutable snapshot record.
func (s *Store) InsertSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err := s.guard(); err != nil {
		return err
	}
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	prices, err := json.Marshal(snap.Prices)
	if err != nil {
		return fmt.Errorf("marshal prices: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, captured_at, balances, prices, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		snap.ID, snap.CapturedAt, balances, prices, snap.Reason)
	if err != nil {
		return s.opErr(fmt.Errorf("insert snapshot: %w", err))
	}
	s.dropCache(cacheLatestSnapshot)
	return nil
}

// LatestSnapshot returns the most recent snapshot. Cached for 1s since the
// rule tick and several HTTP handlers read it on every pass.
func (s *Store) LatestSnapshot(ctx context.Context) (*types.Snapshot, error) {
	if v, ok := s.cached(cacheLatestSnapshot); ok {
		return v.(*types.Snapshot), nil
	}
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, captured_at, balances, prices, reason
		 FROM snapshots ORDER BY captured_at DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, s.opErr(err)
	}
	s.setCache(cacheLatestSnapshot, snap)
	return snap, nil
}

// SnapshotsSince returns snapshots captured at or after the cutoff, oldest
// first. Used by the volatility and anomaly windows (24h lookback).
func (s *Store) SnapshotsSince(ctx context.Context, cutoff time.Time) ([]*types.Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, captured_at, balances, prices, reason
		 FROM snapshots WHERE captured_at >= $1 ORDER BY captured_at ASC`, cutoff)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query snapshots: %w", err))
	}
	defer rows.Close()

	var out []*types.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, s.opErr(rows.Err())
}

// SnapshotNearest returns the snapshot closest to (at or before) the given
// instant. Used for 24h delta computation.
func (s *Store) SnapshotNearest(ctx context.Context, at time.Time) (*types.Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, captured_at, balances, prices, reason
		 FROM snapshots WHERE captured_at <= $1 ORDER BY captured_at DESC LIMIT 1`, at)
	snap, err := scanSnapshot(row)
	if err != nil {
		return nil, s.opErr(err)
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(r rowScanner) (*types.Snapshot, error) {
	var (
		snap             types.Snapshot
		balances, prices []byte
	)
	if err := r.Scan(&snap.ID, &snap.CapturedAt, &balances, &prices, &snap.Reason); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(balances, &snap.Balances); err != nil {
		return nil, fmt.Errorf("unmarshal balances: %w", err)
	}
	if err := json.Unmarshal(prices, &snap.Prices); err != nil {
		return nil, fmt.Errorf("unmarshal prices: %w", err)
	}
	return &snap, nil
}

// ————————————————————————————————————————————————————————————————————————
// Baselines
// ————————————————————————————————————————————————————————————————————————

// ListBaselines returns all per-symbol baselines.
func (s *Store) ListBaselines(ctx context.Context) (map[string]types.Baseline, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, baseline, auto_incr, min_tokens, avg_buy_price FROM baselines`)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query baselines: %w", err))
	}
	defer rows.Close()

	out := make(map[string]types.Baseline)
	for rows.Next() {
		var b types.Baseline
		if err := rows.Scan(&b.Symbol, &b.Baseline, &b.AutoIncrementOnDeposit, &b.MinTokens, &b.AvgBuyPrice); err != nil {
			return nil, err
		}
		out[b.Symbol] = b
	}
	return out, s.opErr(rows.Err())
}

// UpsertBaseline writes a per-symbol baseline. The XRP floor of 10 tokens
// is enforced here so no caller can lower it.
func (s *Store) UpsertBaseline(ctx context.Context, b types.Baseline) error {
	if err := s.guard(); err != nil {
		return err
	}
	if b.Symbol == types.SymbolXRP {
		if b.MinTokens.LessThan(types.XRPMinTokens) {
			b.MinTokens = types.XRPMinTokens
		}
		if b.Baseline.LessThan(b.MinTokens) {
			b.Baseline = b.MinTokens
		}
	}
	if b.Baseline.IsNegative() {
		b.Baseline = decimal.Zero
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO baselines (symbol, baseline, auto_incr, min_tokens, avg_buy_price)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (symbol) DO UPDATE SET
			baseline = EXCLUDED.baseline,
			auto_incr = EXCLUDED.auto_incr,
			min_tokens = EXCLUDED.min_tokens,
			avg_buy_price = EXCLUDED.avg_buy_price`,
		b.Symbol, b.Baseline, b.AutoIncrementOnDeposit, b.MinTokens, b.AvgBuyPrice)
	return s.opErr(err)
}

// ————————————————————————————————————————————————————————————————————————
// Collateral
// ————————————————————————————————————————————————————————————————————————

// UpsertCollateral replaces the stored collateral row for a symbol.
func (s *Store) UpsertCollateral(ctx context.Context, c types.Collateral) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collateral (symbol, locked, health, fetched_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (symbol) DO UPDATE SET
			locked = EXCLUDED.locked, health = EXCLUDED.health, fetched_at = EXCLUDED.fetched_at`,
		c.Symbol, c.Locked, c.Health, c.FetchedAt)
	return s.opErr(err)
}

// ListCollateral returns all stored collateral rows.
func (s *Store) ListCollateral(ctx context.Context) ([]types.Collateral, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, locked, health, fetched_at FROM collateral`)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query collateral: %w", err))
	}
	defer rows.Close()

	var out []types.Collateral
	for rows.Next() {
		var c types.Collateral
		if err := rows.Scan(&c.Symbol, &c.Locked, &c.Health, &c.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, s.opErr(rows.Err())
}

// ————————————————————————————————————————————————————————————————————————
// Preferences
// ————————————————————————————————————————————————————————————————————————

// UpsertPreferences stores the learning loop's latest recomputation.
func (s *Store) UpsertPreferences(ctx context.Context, p types.Preferences) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences (singleton, risk_tolerance, profit_target_pct, approval_rate,
			favorite_symbol, confidence, sample_size, updated_at)
		 VALUES (TRUE, $1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (singleton) DO UPDATE SET
			risk_tolerance = EXCLUDED.risk_tolerance,
			profit_target_pct = EXCLUDED.profit_target_pct,
			approval_rate = EXCLUDED.approval_rate,
			favorite_symbol = EXCLUDED.favorite_symbol,
			confidence = EXCLUDED.confidence,
			sample_size = EXCLUDED.sample_size,
			updated_at = EXCLUDED.updated_at`,
		p.RiskTolerance, p.ProfitTargetPct, p.ApprovalRate,
		p.FavoriteSymbol, p.Confidence, p.SampleSize, p.UpdatedAt)
	return s.opErr(err)
}

// ReadPreferences returns the stored preferences, or ErrNotFound before the
// first learning pass.
func (s *Store) ReadPreferences(ctx context.Context) (*types.Preferences, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var p types.Preferences
	err := s.db.QueryRowContext(ctx,
		`SELECT risk_tolerance, profit_target_pct, approval_rate, favorite_symbol,
			confidence, sample_size, updated_at
		 FROM preferences WHERE singleton`).Scan(
		&p.RiskTolerance, &p.ProfitTargetPct, &p.ApprovalRate, &p.FavoriteSymbol,
		&p.Confidence, &p.SampleSize, &p.UpdatedAt)
	if err != nil {
		return nil, s.opErr(err)
	}
	return &p, nil
}
