package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/warden/internal/engine"
)

const permissionColumns = "id, user_id, tool_id, server_id, access_level, " +
	"rate_limit_per_hour, rate_limit_per_day, allowed_hours, allowed_days, " +
	"expires_at, created_at, updated_at"

func scanPermission(scan func(dest ...any) error) (*engine.Permission, error) {
	var (
		p        engine.Permission
		rawHours []byte
		rawDays  []byte
		expires  sql.NullTime
	)
	err := scan(
		&p.ID, &p.UserID, &p.ToolID, &p.ServerID, &p.Level,
		&p.RateLimitPerHour, &p.RateLimitPerDay, &rawHours, &rawDays,
		&expires, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawHours, &p.AllowedHours); err != nil {
		return nil, fmt.Errorf("decode allowed_hours: %w", err)
	}
	if err := json.Unmarshal(rawDays, &p.AllowedDays); err != nil {
		return nil, fmt.Errorf("decode allowed_days: %w", err)
	}
	if expires.Valid {
		t := expires.Time
		p.ExpiresAt = &t
	}
	return &p, nil
}

// CreatePermissionParams carries the fields for a new user override.
type CreatePermissionParams struct {
	UserID           string
	ToolID           string
	ServerID         string
	Level            engine.AccessLevel
	RateLimitPerHour int
	RateLimitPerDay  int
	AllowedHours     []int
	AllowedDays      []int
	ExpiresAt        *time.Time
}

// UpdatePermissionParams holds optional fields for partial permission updates.
// Nil slices leave the stored window untouched; empty slices clear it.
type UpdatePermissionParams struct {
	Level            *engine.AccessLevel
	RateLimitPerHour *int
	RateLimitPerDay  *int
	AllowedHours     []int
	AllowedDays      []int
	ExpiresAt        *time.Time
}

// CreatePermission inserts a new user override and returns the stored row.
func (s *Store) CreatePermission(ctx context.Context, params CreatePermissionParams) (*engine.Permission, error) {
	hours, err := asJSON(orEmptyInts(params.AllowedHours))
	if err != nil {
		return nil, fmt.Errorf("CreatePermission: %w", err)
	}
	days, err := asJSON(orEmptyInts(params.AllowedDays))
	if err != nil {
		return nil, fmt.Errorf("CreatePermission: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tool_permissions (id, user_id, tool_id, server_id, access_level,
		                              rate_limit_per_hour, rate_limit_per_day,
		                              allowed_hours, allowed_days, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+permissionColumns,
		uuid.New().String(), params.UserID, params.ToolID, params.ServerID, params.Level,
		params.RateLimitPerHour, params.RateLimitPerDay, hours, days, params.ExpiresAt)
	p, err := scanPermission(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("CreatePermission: %w", err)
	}
	return p, nil
}

// GetPermission returns a permission by ID, or nil if not found.
func (s *Store) GetPermission(ctx context.Context, id string) (*engine.Permission, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+permissionColumns+`
		FROM tool_permissions WHERE id = $1`, id)
	p, err := scanPermission(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetPermission: %w", err)
	}
	return p, nil
}

// UpdatePermission applies a partial update. Only provided fields are changed.
// Returns nil if the permission does not exist.
func (s *Store) UpdatePermission(ctx context.Context, id string, params UpdatePermissionParams) (*engine.Permission, error) {
	hours, err := jsonOrNil(params.AllowedHours != nil, params.AllowedHours)
	if err != nil {
		return nil, fmt.Errorf("UpdatePermission: %w", err)
	}
	days, err := jsonOrNil(params.AllowedDays != nil, params.AllowedDays)
	if err != nil {
		return nil, fmt.Errorf("UpdatePermission: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE tool_permissions SET
			access_level        = COALESCE($2, access_level),
			rate_limit_per_hour = COALESCE($3, rate_limit_per_hour),
			rate_limit_per_day  = COALESCE($4, rate_limit_per_day),
			allowed_hours       = COALESCE($5, allowed_hours),
			allowed_days        = COALESCE($6, allowed_days),
			expires_at          = COALESCE($7, expires_at),
			updated_at          = now()
		WHERE id = $1
		RETURNING `+permissionColumns,
		id, params.Level, params.RateLimitPerHour, params.RateLimitPerDay,
		hours, days, params.ExpiresAt)
	p, err := scanPermission(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdatePermission: %w", err)
	}
	return p, nil
}

// DeletePermission revokes a permission by ID.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tool_permissions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeletePermission: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListUserPermissions returns every override for one user, newest first.
// Expired rows are included; the engine treats them as absent at read time.
func (s *Store) ListUserPermissions(ctx context.Context, userID string) ([]*engine.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+permissionColumns+`
		FROM tool_permissions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("ListUserPermissions: %w", err)
	}
	defer rows.Close()

	var perms []*engine.Permission
	for rows.Next() {
		p, err := scanPermission(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListUserPermissions: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func orEmptyInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
