package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"coinwarden/pkg/types"
)

// CreateApproval persists a new approval record (status pending).
func (s *Store) CreateApproval(ctx context.Context, a *types.Approval) error {
	if err := s.guard(); err != nil {
		return err
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, type, symbol, amount, title, summary, status, created_at, acted_by, acted_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.Type, a.Symbol, a.Amount, a.Title, a.Summary, a.Status,
		a.CreatedAt, string(a.ActedBy), a.ActedAt, meta)
	return s.opErr(err)
}

// FindApproval returns one approval by ID.
func (s *Store) FindApproval(ctx context.Context, id string) (*types.Approval, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, symbol, amount, title, summary, status, created_at, acted_by, acted_at, metadata
		 FROM approvals WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err != nil {
		return nil, s.opErr(err)
	}
	return a, nil
}

// ListApprovals returns approvals filtered by status (empty = all), newest
// first, capped at limit.
func (s *Store) ListApprovals(ctx context.Context, status types.ApprovalStatus, limit int) ([]*types.Approval, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, type, symbol, amount, title, summary, status, created_at, acted_by, acted_at, metadata
		 FROM approvals`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query approvals: %w", err))
	}
	defer rows.Close()

	var out []*types.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, s.opErr(rows.Err())
}

// UpdateApprovalStatus performs a compare-and-set transition from → to,
// stamping the acting identity and time. Returns ErrConflict when the row
// is no longer in the expected state (terminal statuses are write-once) and
// ErrNotFound when the approval does not exist.
func (s *Store) UpdateApprovalStatus(ctx context.Context, id string, from, to types.ApprovalStatus, actedBy types.Actor) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !from.CanTransition(to) {
		return ErrConflict
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = $1, acted_by = $2, acted_at = $3
		 WHERE id = $4 AND status = $5`,
		to, string(actedBy), now, id, from)
	if err != nil {
		return s.opErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.opErr(err)
	}
	if n == 0 {
		// Distinguish a lost CAS race from a missing row.
		if _, ferr := s.FindApproval(ctx, id); ferr != nil {
			return ferr
		}
		return ErrConflict
	}
	return nil
}

// RecentDecisions returns up to limit decided approvals (any terminal
// status plus approved), newest first. Feeds the learning loop.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]*types.Approval, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, symbol, amount, title, summary, status, created_at, acted_by, acted_at, metadata
		 FROM approvals WHERE status <> 'pending'
		 ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query decisions: %w", err))
	}
	defer rows.Close()

	var out []*types.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, s.opErr(rows.Err())
}

func scanApproval(r rowScanner) (*types.Approval, error) {
	var (
		a       types.Approval
		actedBy string
		actedAt *time.Time
		meta    []byte
	)
	if err := r.Scan(&a.ID, &a.Type, &a.Symbol, &a.Amount, &a.Title, &a.Summary,
		&a.Status, &a.CreatedAt, &actedBy, &actedAt, &meta); err != nil {
		return nil, err
	}
	a.ActedBy = types.Actor(actedBy)
	a.ActedAt = actedAt
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &a.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &a, nil
}
