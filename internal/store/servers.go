package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/supervisor"
)

const serverColumns = "id, name, display_name, command, args, env, health_addr, " +
	"builtin, auto_start, auto_update, status, max_failures, " +
	"consecutive_failures, last_health_check_at, created_at, updated_at"

func scanServer(scan func(dest ...any) error) (*registry.ToolServer, error) {
	var (
		srv       registry.ToolServer
		rawArgs   []byte
		rawEnv    []byte
		lastCheck sql.NullTime
	)
	err := scan(
		&srv.ID, &srv.Name, &srv.DisplayName, &srv.Command, &rawArgs, &rawEnv, &srv.HealthAddr,
		&srv.Builtin, &srv.AutoStart, &srv.AutoUpdate, &srv.Status, &srv.MaxFailures,
		&srv.ConsecutiveFailures, &lastCheck, &srv.CreatedAt, &srv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawArgs, &srv.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := json.Unmarshal(rawEnv, &srv.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if lastCheck.Valid {
		t := lastCheck.Time
		srv.LastHealthCheckAt = &t
	}
	return &srv, nil
}

// CreateServer inserts a new tool server row. The caller sets the id and
// status; created_at/updated_at are filled in from the returned row.
func (s *Store) CreateServer(ctx context.Context, srv *registry.ToolServer) error {
	args, err := asJSON(srv.Args)
	if err != nil {
		return fmt.Errorf("CreateServer: %w", err)
	}
	env, err := asJSON(srv.Env)
	if err != nil {
		return fmt.Errorf("CreateServer: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO tool_servers (id, name, display_name, command, args, env, health_addr,
		                          builtin, auto_start, auto_update, status, max_failures)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		srv.ID, srv.Name, srv.DisplayName, srv.Command, args, env, srv.HealthAddr,
		srv.Builtin, srv.AutoStart, srv.AutoUpdate, srv.Status, srv.MaxFailures,
	).Scan(&srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateServer: %w", err)
	}
	return nil
}

// GetServer returns a server by ID, or nil if not found.
func (s *Store) GetServer(ctx context.Context, id string) (*registry.ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+serverColumns+`
		FROM tool_servers WHERE id = $1`, id)
	srv, err := scanServer(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetServer: %w", err)
	}
	return srv, nil
}

// GetServerByName returns a server by its unique name, or nil if not found.
func (s *Store) GetServerByName(ctx context.Context, name string) (*registry.ToolServer, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+serverColumns+`
		FROM tool_servers WHERE name = $1`, name)
	srv, err := scanServer(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetServerByName: %w", err)
	}
	return srv, nil
}

// ListServers returns servers matching the filter, newest first.
func (s *Store) ListServers(ctx context.Context, filter registry.ServerFilter) ([]*registry.ToolServer, error) {
	query := `SELECT ` + serverColumns + ` FROM tool_servers`
	var (
		conds []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, *filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Builtin != nil {
		args = append(args, *filter.Builtin)
		conds = append(conds, fmt.Sprintf("builtin = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListServers: %w", err)
	}
	defer rows.Close()

	var servers []*registry.ToolServer
	for rows.Next() {
		srv, err := scanServer(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListServers: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// UpdateServer applies a partial update. Only non-nil fields are changed.
// Returns nil if the server does not exist.
func (s *Store) UpdateServer(ctx context.Context, id string, upd registry.ServerUpdate) (*registry.ToolServer, error) {
	args, err := jsonOrNil(upd.Args != nil, upd.Args)
	if err != nil {
		return nil, fmt.Errorf("UpdateServer: %w", err)
	}
	env, err := jsonOrNil(upd.Env != nil, upd.Env)
	if err != nil {
		return nil, fmt.Errorf("UpdateServer: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE tool_servers SET
			display_name = COALESCE($2, display_name),
			command      = COALESCE($3, command),
			args         = COALESCE($4, args),
			env          = COALESCE($5, env),
			health_addr  = COALESCE($6, health_addr),
			auto_start   = COALESCE($7, auto_start),
			auto_update  = COALESCE($8, auto_update),
			max_failures = COALESCE($9, max_failures),
			updated_at   = now()
		WHERE id = $1
		RETURNING `+serverColumns,
		id, upd.DisplayName, upd.Command, args, env, upd.HealthAddr,
		upd.AutoStart, upd.AutoUpdate, upd.MaxFailures)
	srv, err := scanServer(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateServer: %w", err)
	}
	return srv, nil
}

// SetRuntimeState writes the supervisor-owned runtime columns. Failure count
// and probe timestamp are only touched when the update carries them.
func (s *Store) SetRuntimeState(ctx context.Context, id string, upd supervisor.RuntimeUpdate) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tool_servers SET
			status               = $2,
			consecutive_failures = COALESCE($3, consecutive_failures),
			last_health_check_at = COALESCE($4, last_health_check_at),
			updated_at           = now()
		WHERE id = $1`,
		id, upd.Status, upd.Failures, upd.CheckedAt)
	if err != nil {
		return fmt.Errorf("SetRuntimeState: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteServer removes a server, its tools, and every permission targeting the
// server or one of its tools, in a single transaction.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DeleteServer: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tool_permissions
		WHERE server_id = $1
		   OR tool_id IN (SELECT id FROM tools WHERE server_id = $1)`, id); err != nil {
		return fmt.Errorf("DeleteServer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE server_id = $1`, id); err != nil {
		return fmt.Errorf("DeleteServer: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM tool_servers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteServer: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("DeleteServer: %w", err)
	}
	return nil
}

// jsonOrNil marshals v for a JSONB column, or returns nil (SQL NULL) when the
// field was not provided so COALESCE keeps the stored value.
func jsonOrNil(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	return asJSON(v)
}

// asJSON marshals v as a typed JSON parameter for a JSONB column.
func asJSON(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
