package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinwarden/pkg/types"
)

// AppendExecution writes an execution record synchronously. Executions must
// never be lost, so there is no caching or deferral here. Inserts are
// idempotent by order ID: replaying the same venue order is a no-op.
func (s *Store) AppendExecution(ctx context.Context, e *types.Execution) error {
	if err := s.guard(); err != nil {
		return err
	}
	var orderID sql.NullString
	if e.OrderID != "" {
		orderID = sql.NullString{String: e.OrderID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, approval_id, rule_id, side, symbol, amount, mode,
			order_id, client_id, status, filled_qty, avg_fill_price, pnl, dry_run, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (order_id) WHERE order_id IS NOT NULL AND order_id <> '' DO NOTHING`,
		e.ID, e.ApprovalID, e.RuleID, e.Side, e.Symbol, e.Amount, e.Mode,
		orderID, e.ClientID, e.Status, e.FilledQty, e.AvgFillPrice, e.PnL, e.DryRun, e.ExecutedAt)
	if err != nil && strings.Contains(err.Error(), "idx_executions_order_id") {
		return nil // duplicate order, at-least-once write already satisfied
	}
	return s.opErr(err)
}

// ExecutionsSince returns executions at or after the cutoff, oldest first.
func (s *Store) ExecutionsSince(ctx context.Context, cutoff time.Time) ([]*types.Execution, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, approval_id, rule_id, side, symbol, amount, mode,
			COALESCE(order_id, ''), client_id, status, filled_qty, avg_fill_price, pnl, dry_run, executed_at
		 FROM executions WHERE executed_at >= $1 ORDER BY executed_at ASC`, cutoff)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query executions: %w", err))
	}
	defer rows.Close()

	var out []*types.Execution
	for rows.Next() {
		var e types.Execution
		if err := rows.Scan(&e.ID, &e.ApprovalID, &e.RuleID, &e.Side, &e.Symbol,
			&e.Amount, &e.Mode, &e.OrderID, &e.ClientID, &e.Status, &e.FilledQty,
			&e.AvgFillPrice, &e.PnL, &e.DryRun, &e.ExecutedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, s.opErr(rows.Err())
}

// RulePnL aggregates realized pnl and trade count per rule since the
// cutoff. Feeds the nightly optimizer.
func (s *Store) RulePnL(ctx context.Context, cutoff time.Time) (map[string]RuleStats, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule_id, COUNT(*), COALESCE(SUM(pnl), 0)
		 FROM executions
		 WHERE executed_at >= $1 AND rule_id <> '' AND NOT dry_run
		 GROUP BY rule_id`, cutoff)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query rule pnl: %w", err))
	}
	defer rows.Close()

	out := make(map[string]RuleStats)
	for rows.Next() {
		var (
			ruleID string
			st     RuleStats
		)
		if err := rows.Scan(&ruleID, &st.Trades, &st.RealizedPnL); err != nil {
			return nil, err
		}
		out[ruleID] = st
	}
	return out, s.opErr(rows.Err())
}

// RuleStats is the per-rule execution aggregate used by the optimizer.
type RuleStats struct {
	Trades      int
	RealizedPnL decimal.Decimal
}
