package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/triage-ai/warden/internal/engine"
)

const ruleColumns = "id, role, tool_id, server_id, access_level, " +
	"rate_limit_per_hour, rate_limit_per_day, created_at, updated_at"

func scanRule(scan func(dest ...any) error) (*engine.RoleRule, error) {
	var r engine.RoleRule
	err := scan(
		&r.ID, &r.Role, &r.ToolID, &r.ServerID, &r.Level,
		&r.RateLimitPerHour, &r.RateLimitPerDay, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRoleRuleParams carries the fields for a new role default.
type CreateRoleRuleParams struct {
	Role             string
	ToolID           string
	ServerID         string
	Level            engine.AccessLevel
	RateLimitPerHour int
	RateLimitPerDay  int
}

// CreateRoleRule inserts a new role default and returns the stored row.
func (s *Store) CreateRoleRule(ctx context.Context, params CreateRoleRuleParams) (*engine.RoleRule, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO role_access_rules (id, role, tool_id, server_id, access_level,
		                               rate_limit_per_hour, rate_limit_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+ruleColumns,
		uuid.New().String(), params.Role, params.ToolID, params.ServerID, params.Level,
		params.RateLimitPerHour, params.RateLimitPerDay)
	r, err := scanRule(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("CreateRoleRule: %w", err)
	}
	return r, nil
}

// ListRoleRules returns role defaults, optionally filtered to one role,
// newest first.
func (s *Store) ListRoleRules(ctx context.Context, role string) ([]*engine.RoleRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM role_access_rules`
	var args []any
	if role != "" {
		query += ` WHERE role = $1`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRoleRules: %w", err)
	}
	defer rows.Close()

	var rules []*engine.RoleRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListRoleRules: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListRulesForRoles returns every rule held by any of the given roles, in
// insertion order so resolution is deterministic.
func (s *Store) ListRulesForRoles(ctx context.Context, roles []string) ([]*engine.RoleRule, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(roles))
	args := make([]any, len(roles))
	for i, r := range roles {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = r
	}
	query := `SELECT ` + ruleColumns + ` FROM role_access_rules WHERE role IN (` +
		strings.Join(placeholders, ", ") + `) ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListRulesForRoles: %w", err)
	}
	defer rows.Close()

	var rules []*engine.RoleRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListRulesForRoles: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
