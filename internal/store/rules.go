package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/redwall/sentinel/internal/model"
)

// InsertRule persists a new rule row.
func (s *Store) InsertRule(ctx context.Context, r model.Rule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rules
			(id, name, description, version, status, severity, condition_type, config, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Name, r.Description, r.Version, string(r.Status), string(r.Severity),
		string(r.ConditionType), r.Config, r.Tags, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert rule: %w", err)
	}
	return nil
}

// UpdateRule replaces all mutable fields of an existing rule.
func (s *Store) UpdateRule(ctx context.Context, r model.Rule) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE rules
		SET    name = $2, description = $3, version = $4, status = $5, severity = $6,
		       condition_type = $7, config = $8, tags = $9, updated_at = $10
		WHERE  id = $1`,
		r.ID, r.Name, r.Description, r.Version, string(r.Status), string(r.Severity),
		string(r.ConditionType), r.Config, r.Tags, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: update rule %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRule removes the rule identified by id.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete rule %s: %w", id, err)
	}
	return nil
}

// GetRule fetches a single rule by id.
func (s *Store) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := s.pool.QueryRow(ctx, ruleSelect+` WHERE id = $1`, id)
	return scanRule(row)
}

// ListRules returns rules, optionally filtered to a single status. Pass ""
// to return every status.
func (s *Store) ListRules(ctx context.Context, status model.RuleStatus) ([]model.Rule, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = s.pool.Query(ctx, ruleSelect+` WHERE status = $1 ORDER BY id`, string(status))
	} else {
		rows, err = s.pool.Query(ctx, ruleSelect+` ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list rules: %w", err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan rule: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const ruleSelect = `
	SELECT id, name, description, version, status, severity, condition_type, config, tags, created_at, updated_at
	FROM   rules`

func scanRule(r rowScanner) (*model.Rule, error) {
	var rule model.Rule
	var status, severity, conditionType string
	err := r.Scan(
		&rule.ID, &rule.Name, &rule.Description, &rule.Version,
		&status, &severity, &conditionType,
		&rule.Config, &rule.Tags, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.Status = model.RuleStatus(status)
	rule.Severity = model.Severity(severity)
	rule.ConditionType = model.ConditionType(conditionType)
	return &rule, nil
}
