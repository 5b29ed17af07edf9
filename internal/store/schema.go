package store

import "context"

// schema creates all collections and the indexes the control loops depend
// on. Statements are idempotent so the watchdog can re-run them after every
// reconnect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		id          TEXT PRIMARY KEY,
		captured_at TIMESTAMPTZ NOT NULL,
		balances    JSONB NOT NULL,
		prices      JSONB NOT NULL,
		reason      TEXT NOT NULL DEFAULT 'scheduled'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshots_captured_at ON snapshots (captured_at)`,

	`CREATE TABLE IF NOT EXISTS baselines (
		symbol        TEXT PRIMARY KEY,
		baseline      NUMERIC NOT NULL,
		auto_incr     BOOLEAN NOT NULL DEFAULT FALSE,
		min_tokens    NUMERIC NOT NULL DEFAULT 0,
		avg_buy_price NUMERIC NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS rules (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		body       JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS approvals (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		symbol     TEXT NOT NULL DEFAULT '',
		amount     NUMERIC NOT NULL DEFAULT 0,
		title      TEXT NOT NULL,
		summary    TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		acted_by   TEXT NOT NULL DEFAULT '',
		acted_at   TIMESTAMPTZ,
		metadata   JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approvals_status_created ON approvals (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id             TEXT PRIMARY KEY,
		approval_id    TEXT NOT NULL DEFAULT '',
		rule_id        TEXT NOT NULL DEFAULT '',
		side           TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		amount         NUMERIC NOT NULL,
		mode           TEXT NOT NULL,
		order_id       TEXT,
		client_id      TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL,
		filled_qty     NUMERIC NOT NULL DEFAULT 0,
		avg_fill_price NUMERIC NOT NULL DEFAULT 0,
		pnl            NUMERIC NOT NULL DEFAULT 0,
		dry_run        BOOLEAN NOT NULL,
		executed_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_executed_at ON executions (executed_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_order_id
		ON executions (order_id) WHERE order_id IS NOT NULL AND order_id <> ''`,

	`CREATE TABLE IF NOT EXISTS alerts (
		id       TEXT PRIMARY KEY,
		kind     TEXT NOT NULL,
		severity TEXT NOT NULL,
		message  TEXT NOT NULL,
		data     JSONB NOT NULL DEFAULT '{}',
		ts       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts (ts)`,

	`CREATE TABLE IF NOT EXISTS audit (
		id      TEXT PRIMARY KEY,
		kind    TEXT NOT NULL,
		actor   TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL,
		data    JSONB NOT NULL DEFAULT '{}',
		ts      TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS kill_switch (
		singleton BOOLEAN PRIMARY KEY DEFAULT TRUE,
		enabled   BOOLEAN NOT NULL DEFAULT FALSE,
		reason    TEXT NOT NULL DEFAULT '',
		set_by    TEXT NOT NULL DEFAULT '',
		ts        TIMESTAMPTZ NOT NULL,
		CHECK (singleton)
	)`,

	`CREATE TABLE IF NOT EXISTS mfa_challenges (
		trade_id      TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		code          TEXT NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		verified      BOOLEAN NOT NULL DEFAULT FALSE,
		trade_details TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS collateral (
		symbol     TEXT PRIMARY KEY,
		locked     NUMERIC NOT NULL DEFAULT 0,
		health     NUMERIC NOT NULL DEFAULT 0,
		fetched_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS preferences (
		singleton         BOOLEAN PRIMARY KEY DEFAULT TRUE,
		risk_tolerance    TEXT NOT NULL DEFAULT 'moderate',
		profit_target_pct NUMERIC NOT NULL DEFAULT 0,
		approval_rate     NUMERIC NOT NULL DEFAULT 0,
		favorite_symbol   TEXT NOT NULL DEFAULT '',
		confidence        NUMERIC NOT NULL DEFAULT 0,
		sample_size       INTEGER NOT NULL DEFAULT 0,
		updated_at        TIMESTAMPTZ NOT NULL,
		CHECK (singleton)
	)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
