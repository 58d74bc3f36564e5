// Package catalog maintains the per-server tool inventory: refresh against
// the live process, stale marking, and per-tool enable/disable.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/warden/internal/errs"
	"github.com/triage-ai/warden/internal/registry"
	"go.uber.org/zap"
)

// ToolStore is the persistence surface for tools. Lookups return (nil, nil)
// when no row exists.
type ToolStore interface {
	GetTool(ctx context.Context, id string) (*Tool, error)
	ListToolsByServer(ctx context.Context, serverID string) ([]*Tool, error)
	SetToolEnabled(ctx context.Context, id string, enabled bool) (*Tool, error)
	ApplyRefresh(ctx context.Context, serverID string, changes RefreshChanges) error
}

// ServerSource resolves server records; satisfied by the store.
type ServerSource interface {
	GetServer(ctx context.Context, id string) (*registry.ToolServer, error)
}

// LiveLister asks the running process for its advertised tools; satisfied by
// the supervisor, which owns the process handles.
type LiveLister interface {
	ListServerTools(ctx context.Context, serverID string) ([]AdvertisedTool, error)
}

// Invalidator drops cached availability entries after catalog mutations. May
// be nil.
type Invalidator interface {
	InvalidateTool(toolID string)
	InvalidateServer(serverID string)
}

type refreshCall struct {
	done chan struct{}
	diff *RefreshDiff
	err  error
}

// Catalog implements tool inventory operations.
type Catalog struct {
	tools   ToolStore
	servers ServerSource
	live    LiveLister
	inval   Invalidator
	logger  *zap.Logger

	// enableNew is the enabled flag newly discovered tools start with.
	enableNew bool

	mu       sync.Mutex
	inflight map[string]*refreshCall
}

func NewCatalog(tools ToolStore, servers ServerSource, live LiveLister, inval Invalidator, enableNew bool, logger *zap.Logger) *Catalog {
	return &Catalog{
		tools:     tools,
		servers:   servers,
		live:      live,
		inval:     inval,
		enableNew: enableNew,
		logger:    logger,
		inflight:  make(map[string]*refreshCall),
	}
}

// Refresh queries the live server for its tool list and reconciles the stored
// inventory. Concurrent calls for the same server collapse: late callers wait
// for and observe the in-flight refresh's result.
func (c *Catalog) Refresh(ctx context.Context, serverID string) (*RefreshDiff, error) {
	c.mu.Lock()
	if call, ok := c.inflight[serverID]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.diff, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.inflight[serverID] = call
	c.mu.Unlock()

	call.diff, call.err = c.refresh(ctx, serverID)
	close(call.done)

	c.mu.Lock()
	delete(c.inflight, serverID)
	c.mu.Unlock()

	return call.diff, call.err
}

func (c *Catalog) refresh(ctx context.Context, serverID string) (*RefreshDiff, error) {
	srv, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("Refresh: %w", err)
	}
	if srv == nil {
		return nil, errs.NotFound("server %s not found", serverID)
	}
	if srv.Status != registry.StatusRunning {
		return nil, errs.InvalidState("refresh requires a running server, status is %s", srv.Status)
	}

	advertised, err := c.live.ListServerTools(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("Refresh: list live tools: %w", err)
	}

	stored, err := c.tools.ListToolsByServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("Refresh: %w", err)
	}

	diff, changes := c.diff(serverID, advertised, stored)
	if !diff.Empty() {
		if err := c.tools.ApplyRefresh(ctx, serverID, changes); err != nil {
			return nil, fmt.Errorf("Refresh: %w", err)
		}
	}

	c.invalidateServer(serverID)
	c.logger.Info("tool refresh complete",
		zap.String("server_id", serverID),
		zap.Int("added", len(diff.Added)),
		zap.Int("stale", len(diff.Stale)),
		zap.Int("restored", len(diff.Restored)),
		zap.Int("updated", len(diff.Updated)),
		zap.Int("invalid", len(diff.Invalid)),
	)
	return diff, nil
}

// diff computes inventory changes. Advertised tools with schemas that do not
// compile are skipped entirely and reported in Invalid; they neither insert
// nor protect an existing row from going stale.
func (c *Catalog) diff(serverID string, advertised []AdvertisedTool, stored []*Tool) (*RefreshDiff, RefreshChanges) {
	diff := &RefreshDiff{}
	var changes RefreshChanges

	byName := make(map[string]*Tool, len(stored))
	for _, t := range stored {
		byName[t.Name] = t
	}

	seen := make(map[string]bool, len(advertised))
	for _, adv := range advertised {
		if adv.Name == "" || seen[adv.Name] {
			continue
		}
		if err := validateInputSchema(adv.InputSchema); err != nil {
			diff.Invalid = append(diff.Invalid, adv.Name)
			c.logger.Warn("advertised tool has invalid input schema, skipping",
				zap.String("server_id", serverID),
				zap.String("tool", adv.Name),
				zap.Error(err),
			)
			continue
		}
		seen[adv.Name] = true

		existing, ok := byName[adv.Name]
		if !ok {
			changes.Insert = append(changes.Insert, &Tool{
				ID:          uuid.New().String(),
				ServerID:    serverID,
				Name:        adv.Name,
				Description: adv.Description,
				Enabled:     c.enableNew,
				InputSchema: adv.InputSchema,
				Metadata:    map[string]string{},
			})
			diff.Added = append(diff.Added, adv.Name)
			continue
		}

		if existing.Stale {
			changes.Restore = append(changes.Restore, existing.ID)
			diff.Restored = append(diff.Restored, existing.Name)
		}
		if existing.Description != adv.Description || !bytes.Equal(existing.InputSchema, adv.InputSchema) {
			changes.Update = append(changes.Update, &Tool{
				ID:          existing.ID,
				Description: adv.Description,
				InputSchema: adv.InputSchema,
			})
			diff.Updated = append(diff.Updated, existing.Name)
		}
	}

	for _, t := range stored {
		if !seen[t.Name] && !t.Stale {
			changes.MarkStale = append(changes.MarkStale, t.ID)
			diff.Stale = append(diff.Stale, t.Name)
		}
	}

	return diff, changes
}

// Enable marks a tool callable again.
func (c *Catalog) Enable(ctx context.Context, toolID string) (*Tool, error) {
	return c.setEnabled(ctx, toolID, true)
}

// Disable makes the engine deny every access to the tool regardless of
// grants.
func (c *Catalog) Disable(ctx context.Context, toolID string) (*Tool, error) {
	return c.setEnabled(ctx, toolID, false)
}

func (c *Catalog) setEnabled(ctx context.Context, toolID string, enabled bool) (*Tool, error) {
	tool, err := c.tools.SetToolEnabled(ctx, toolID, enabled)
	if err != nil {
		return nil, fmt.Errorf("setEnabled: %w", err)
	}
	if tool == nil {
		return nil, errs.NotFound("tool %s not found", toolID)
	}
	if c.inval != nil {
		c.inval.InvalidateTool(toolID)
	}
	c.logger.Info("tool enabled flag changed",
		zap.String("tool_id", toolID),
		zap.Bool("enabled", enabled),
	)
	return tool, nil
}

// Get returns one tool by id.
func (c *Catalog) Get(ctx context.Context, toolID string) (*Tool, error) {
	tool, err := c.tools.GetTool(ctx, toolID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if tool == nil {
		return nil, errs.NotFound("tool %s not found", toolID)
	}
	return tool, nil
}

// ListByServer returns the stored inventory of one server.
func (c *Catalog) ListByServer(ctx context.Context, serverID string) ([]*Tool, error) {
	srv, err := c.servers.GetServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("ListByServer: %w", err)
	}
	if srv == nil {
		return nil, errs.NotFound("server %s not found", serverID)
	}
	tools, err := c.tools.ListToolsByServer(ctx, serverID)
	if err != nil {
		return nil, fmt.Errorf("ListByServer: %w", err)
	}
	return tools, nil
}

func (c *Catalog) invalidateServer(serverID string) {
	if c.inval != nil {
		c.inval.InvalidateServer(serverID)
	}
}

// validateInputSchema compiles the advertised schema. An empty schema is
// fine; tools without structured arguments advertise none.
func validateInputSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var schemaObj any
	if err := json.Unmarshal(raw, &schemaObj); err != nil {
		return fmt.Errorf("schema is not valid JSON: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("schema resource: %w", err)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("schema compile: %w", err)
	}
	return nil
}
