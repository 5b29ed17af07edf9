package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coinwarden/pkg/types"
)

const cacheKillSwitch = "kill_switch"

// UpsertKillSwitch writes the kill-switch singleton.
func (s *Store) UpsertKillSwitch(ctx context.Context, ks types.KillSwitch) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_switch (singleton, enabled, reason, set_by, ts)
		 VALUES (TRUE, $1, $2, $3, $4)
		 ON CONFLICT (singleton) DO UPDATE SET
			enabled = EXCLUDED.enabled, reason = EXCLUDED.reason,
			set_by = EXCLUDED.set_by, ts = EXCLUDED.ts`,
		ks.Enabled, ks.Reason, string(ks.SetBy), ks.Timestamp)
	if err != nil {
		return s.opErr(err)
	}
	s.dropCache(cacheKillSwitch)
	return nil
}

// ReadKillSwitch returns the singleton; a missing row reads as disabled.
// Cached for 1s — the pipeline checks it before every execution.
func (s *Store) ReadKillSwitch(ctx context.Context) (types.KillSwitch, error) {
	if v, ok := s.cached(cacheKillSwitch); ok {
		return v.(types.KillSwitch), nil
	}
	if err := s.guard(); err != nil {
		return types.KillSwitch{}, err
	}
	var (
		ks    types.KillSwitch
		setBy string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, reason, set_by, ts FROM kill_switch WHERE singleton`).
		Scan(&ks.Enabled, &ks.Reason, &setBy, &ks.Timestamp)
	if err != nil {
		if errors.Is(s.opErr(err), ErrNotFound) {
			return types.KillSwitch{}, nil
		}
		return types.KillSwitch{}, s.opErr(err)
	}
	ks.SetBy = types.Actor(setBy)
	s.setCache(cacheKillSwitch, ks)
	return ks, nil
}

// ————————————————————————————————————————————————————————————————————————
// MFA challenges
// ————————————————————————————————————————————————————————————————————————

// InsertMFA persists a challenge, replacing any prior challenge for the
// same trade.
func (s *Store) InsertMFA(ctx context.Context, c *types.MFAChallenge) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mfa_challenges (trade_id, user_id, code, expires_at, verified, trade_details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (trade_id) DO UPDATE SET
			user_id = EXCLUDED.user_id, code = EXCLUDED.code,
			expires_at = EXCLUDED.expires_at, verified = FALSE,
			trade_details = EXCLUDED.trade_details, created_at = EXCLUDED.created_at`,
		c.TradeID, c.UserID, c.Code, c.ExpiresAt, c.Verified, c.TradeDetails, c.CreatedAt)
	return s.opErr(err)
}

// FindMFA returns the challenge bound to a trade, or ErrNotFound.
func (s *Store) FindMFA(ctx context.Context, tradeID string) (*types.MFAChallenge, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var c types.MFAChallenge
	err := s.db.QueryRowContext(ctx,
		`SELECT trade_id, user_id, code, expires_at, verified, trade_details, created_at
		 FROM mfa_challenges WHERE trade_id = $1`, tradeID).
		Scan(&c.TradeID, &c.UserID, &c.Code, &c.ExpiresAt, &c.Verified, &c.TradeDetails, &c.CreatedAt)
	if err != nil {
		return nil, s.opErr(err)
	}
	return &c, nil
}

// VerifyMFA atomically flips the challenge's verified flag to true, but
// only if the code matches, the challenge is unexpired, and it has not been
// used before. Verified is write-once: a second call with the same code
// returns ErrConflict.
func (s *Store) VerifyMFA(ctx context.Context, tradeID, code string, now time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mfa_challenges SET verified = TRUE
		 WHERE trade_id = $1 AND code = $2 AND NOT verified AND expires_at >= $3`,
		tradeID, code, now)
	if err != nil {
		return s.opErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.opErr(err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// GCExpiredMFA deletes unredeemed challenges past their expiry. Returns the
// number of rows removed.
func (s *Store) GCExpiredMFA(ctx context.Context, now time.Time) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mfa_challenges WHERE expires_at < $1`, now)
	if err != nil {
		return 0, s.opErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ————————————————————————————————————————————————————————————————————————
// Alerts and audit
// ————————————————————————————————————————————————————————————————————————

// RecordAlert appends an alert row.
func (s *Store) RecordAlert(ctx context.Context, a *types.Alert) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(a.Data)
	if err != nil {
		return fmt.Errorf("marshal alert data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alerts (id, kind, severity, message, data, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.Kind, a.Severity, a.Message, data, a.TS)
	return s.opErr(err)
}

// ListAlerts returns the most recent alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, limit int) ([]*types.Alert, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, severity, message, data, ts
		 FROM alerts ORDER BY ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*types.Alert
	for rows.Next() {
		var (
			a    types.Alert
			data []byte
		)
		if err := rows.Scan(&a.ID, &a.Kind, &a.Severity, &a.Message, &data, &a.TS); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &a.Data)
		}
		out = append(out, &a)
	}
	return out, s.opErr(rows.Err())
}

// InsertAudit appends an audit row synchronously; audit writes must never
// be lost.
func (s *Store) InsertAudit(ctx context.Context, e *types.AuditEntry) error {
	if err := s.guard(); err != nil {
		return err
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("marshal audit data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit (id, kind, actor, message, data, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Kind, string(e.Actor), e.Message, data, e.TS)
	return s.opErr(err)
}
