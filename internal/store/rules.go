package store

import (
	"context"
	"encoding/json"
	"fmt"

	"coinwarden/pkg/types"
)

const cacheRules = "rules"

// ListRules returns all rules, insertion order (creation time). Cached for
// 1s — the evaluator reads the list every tick.
func (s *Store) ListRules(ctx context.Context) ([]*types.Rule, error) {
	if v, ok := s.cached(cacheRules); ok {
		return v.([]*types.Rule), nil
	}
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM rules ORDER BY created_at ASC`)
	if err != nil {
		return nil, s.opErr(fmt.Errorf("query rules: %w", err))
	}
	defer rows.Close()

	var out []*types.Rule
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r types.Rule
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("unmarshal rule: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.opErr(err)
	}
	s.setCache(cacheRules, out)
	return out, nil
}

// GetRule returns one rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*types.Rule, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var body []byte
	if err := s.db.QueryRowContext(ctx,
		`SELECT body FROM rules WHERE id = $1`, id).Scan(&body); err != nil {
		return nil, s.opErr(err)
	}
	var r types.Rule
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshal rule: %w", err)
	}
	return &r, nil
}

// UpsertRule writes a rule. Only the HTTP surface calls this; the evaluator
// and optimizer never mutate rules directly.
func (s *Store) UpsertRule(ctx context.Context, r *types.Rule) error {
	if err := s.guard(); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules (id, name, enabled, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, enabled = EXCLUDED.enabled,
			body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		r.ID, r.Name, r.Enabled, body, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return s.opErr(err)
	}
	s.dropCache(cacheRules)
	return nil
}

// SetRuleEnabled flips a rule's enabled flag (both the column and the JSON
// body, which is the source of truth for the evaluator).
func (s *Store) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.guard(); err != nil {
		return err
	}
	r, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}
	r.Enabled = enabled
	return s.UpsertRule(ctx, r)
}
