package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/triage-ai/warden/internal/catalog"
	"github.com/triage-ai/warden/internal/engine"
	"github.com/triage-ai/warden/internal/registry"
)

const toolColumns = "id, server_id, name, description, enabled, stale, " +
	"COALESCE(input_schema, 'null'::jsonb), COALESCE(metadata, '{}'::jsonb), " +
	"created_at, updated_at"

func scanTool(scan func(dest ...any) error) (*catalog.Tool, error) {
	var (
		t         catalog.Tool
		rawSchema []byte
		rawMeta   []byte
	)
	err := scan(
		&t.ID, &t.ServerID, &t.Name, &t.Description, &t.Enabled, &t.Stale,
		&rawSchema, &rawMeta, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if string(rawSchema) != "null" {
		t.InputSchema = rawSchema
	}
	if err := json.Unmarshal(rawMeta, &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &t, nil
}

// GetTool returns a tool by ID, or nil if not found.
func (s *Store) GetTool(ctx context.Context, id string) (*catalog.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM tools WHERE id = $1`, id)
	t, err := scanTool(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetTool: %w", err)
	}
	return t, nil
}

// ListToolsByServer returns one server's stored tool inventory, stale rows
// included, ordered by name.
func (s *Store) ListToolsByServer(ctx context.Context, serverID string) ([]*catalog.Tool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+toolColumns+`
		FROM tools WHERE server_id = $1 ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("ListToolsByServer: %w", err)
	}
	defer rows.Close()

	var tools []*catalog.Tool
	for rows.Next() {
		t, err := scanTool(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ListToolsByServer: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

// SetToolEnabled flips a tool's enabled flag. Returns nil if the tool does
// not exist.
func (s *Store) SetToolEnabled(ctx context.Context, id string, enabled bool) (*catalog.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tools SET enabled = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+toolColumns, id, enabled)
	t, err := scanTool(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("SetToolEnabled: %w", err)
	}
	return t, nil
}

// ApplyRefresh writes one refresh diff in a single transaction: inserts for
// newly advertised tools, stale marks for vanished names, restores for names
// advertised again, and description/schema updates.
func (s *Store) ApplyRefresh(ctx context.Context, serverID string, changes catalog.RefreshChanges) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ApplyRefresh: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, t := range changes.Insert {
		meta, err := asJSON(t.Metadata)
		if err != nil {
			return fmt.Errorf("ApplyRefresh: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tools (id, server_id, name, description, enabled, input_schema, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, serverID, t.Name, t.Description, t.Enabled, nullableRaw(t.InputSchema), meta); err != nil {
			return fmt.Errorf("ApplyRefresh: insert %s: %w", t.Name, err)
		}
	}
	for _, id := range changes.MarkStale {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tools SET stale = true, updated_at = now() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("ApplyRefresh: mark stale: %w", err)
		}
	}
	for _, id := range changes.Restore {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tools SET stale = false, updated_at = now() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("ApplyRefresh: restore: %w", err)
		}
	}
	for _, t := range changes.Update {
		if _, err := tx.ExecContext(ctx, `
			UPDATE tools SET description = $2, input_schema = $3, updated_at = now()
			WHERE id = $1`, t.ID, t.Description, nullableRaw(t.InputSchema)); err != nil {
			return fmt.Errorf("ApplyRefresh: update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ApplyRefresh: %w", err)
	}
	return nil
}

// ToolAvailability resolves the structural state the access engine checks
// before any permission lookup. Unknown tools come back with Known=false
// rather than an error.
func (s *Store) ToolAvailability(ctx context.Context, toolID string) (*engine.Availability, error) {
	var (
		av     engine.Availability
		status registry.Status
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.server_id, t.enabled, t.stale, s.status
		FROM tools t
		JOIN tool_servers s ON s.id = t.server_id
		WHERE t.id = $1`, toolID,
	).Scan(&av.ToolID, &av.ServerID, &av.ToolEnabled, &av.ToolStale, &status)
	if err == sql.ErrNoRows {
		return &engine.Availability{ToolID: toolID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ToolAvailability: %w", err)
	}
	av.Known = true
	av.ServerEnabled = status != registry.StatusDisabled
	return &av, nil
}

// nullableRaw returns nil (SQL NULL) if the raw message is nil or empty.
func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
