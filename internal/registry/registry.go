// Package registry owns the durable records of tool servers: creation,
// updates, lookup, and the validation rules for spawn parameters. Status
// transitions are out of its hands; the supervisor drives those.
package registry

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/triage-ai/warden/internal/errs"
	"go.uber.org/zap"
)

const (
	maxNameLength        = 128
	maxDisplayNameLength = 256
	defaultMaxFailures   = 3
)

// ServerStore is the persistence surface the registry needs. Lookups return
// (nil, nil) when no row exists.
type ServerStore interface {
	CreateServer(ctx context.Context, srv *ToolServer) error
	GetServer(ctx context.Context, id string) (*ToolServer, error)
	GetServerByName(ctx context.Context, name string) (*ToolServer, error)
	ListServers(ctx context.Context, filter ServerFilter) ([]*ToolServer, error)
	UpdateServer(ctx context.Context, id string, upd ServerUpdate) (*ToolServer, error)
}

// ServerFilter narrows ListServers. Nil fields match everything.
type ServerFilter struct {
	Status  *Status
	Builtin *bool
}

// ServerUpdate is a partial update; nil fields are left untouched.
type ServerUpdate struct {
	DisplayName *string
	Command     *string
	Args        []string
	Env         map[string]string
	HealthAddr  *string
	AutoStart   *bool
	AutoUpdate  *bool
	MaxFailures *int
}

// CreateParams carries the caller-supplied fields for a new server.
type CreateParams struct {
	Name        string
	DisplayName string
	Command     string
	Args        []string
	Env         map[string]string
	HealthAddr  string
	Builtin     bool
	AutoStart   bool
	AutoUpdate  bool
	MaxFailures int
}

// Registry provides CRUD over tool servers.
type Registry struct {
	store  ServerStore
	logger *zap.Logger
}

func NewRegistry(store ServerStore, logger *zap.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Create validates params and persists a new server in status created.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*ToolServer, error) {
	if err := validateCreate(params); err != nil {
		return nil, err
	}

	existing, err := r.store.GetServerByName(ctx, params.Name)
	if err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}
	if existing != nil {
		return nil, errs.Validation("server name %q already in use", params.Name)
	}

	srv := &ToolServer{
		ID:          uuid.New().String(),
		Name:        params.Name,
		DisplayName: params.DisplayName,
		Command:     params.Command,
		Args:        params.Args,
		Env:         params.Env,
		HealthAddr:  params.HealthAddr,
		Builtin:     params.Builtin,
		AutoStart:   params.AutoStart,
		AutoUpdate:  params.AutoUpdate,
		Status:      StatusCreated,
		MaxFailures: params.MaxFailures,
	}
	if srv.DisplayName == "" {
		srv.DisplayName = srv.Name
	}
	if srv.MaxFailures == 0 {
		srv.MaxFailures = defaultMaxFailures
	}
	if srv.Args == nil {
		srv.Args = []string{}
	}
	if srv.Env == nil {
		srv.Env = map[string]string{}
	}

	if err := r.store.CreateServer(ctx, srv); err != nil {
		return nil, fmt.Errorf("Create: %w", err)
	}

	r.logger.Info("server created",
		zap.String("server_id", srv.ID),
		zap.String("name", srv.Name),
		zap.Bool("builtin", srv.Builtin),
	)
	return srv, nil
}

// Update applies a partial update. Spawn-parameter changes take effect on the
// next start; a running process is not touched.
func (r *Registry) Update(ctx context.Context, id string, upd ServerUpdate) (*ToolServer, error) {
	if err := validateUpdate(upd); err != nil {
		return nil, err
	}

	srv, err := r.store.UpdateServer(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	if srv == nil {
		return nil, errs.NotFound("server %s not found", id)
	}

	r.logger.Info("server updated", zap.String("server_id", id))
	return srv, nil
}

// Get returns one server by id.
func (r *Registry) Get(ctx context.Context, id string) (*ToolServer, error) {
	srv, err := r.store.GetServer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	if srv == nil {
		return nil, errs.NotFound("server %s not found", id)
	}
	return srv, nil
}

// List returns servers matching the filter.
func (r *Registry) List(ctx context.Context, filter ServerFilter) ([]*ToolServer, error) {
	servers, err := r.store.ListServers(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return servers, nil
}

func validateCreate(params CreateParams) error {
	if params.Name == "" {
		return errs.Validation("name is required")
	}
	if len(params.Name) > maxNameLength {
		return errs.Validation("name exceeds %d characters", maxNameLength)
	}
	if len(params.DisplayName) > maxDisplayNameLength {
		return errs.Validation("display_name exceeds %d characters", maxDisplayNameLength)
	}
	if !params.Builtin && params.Command == "" {
		return errs.Validation("command is required for non-builtin servers")
	}
	if params.Builtin && params.Command != "" {
		return errs.Validation("builtin servers must not set a command")
	}
	if params.MaxFailures < 0 {
		return errs.Validation("max_failures must be positive")
	}
	for k := range params.Env {
		if k == "" {
			return errs.Validation("env keys must be non-empty")
		}
	}
	return nil
}

func validateUpdate(upd ServerUpdate) error {
	if upd.DisplayName != nil && len(*upd.DisplayName) > maxDisplayNameLength {
		return errs.Validation("display_name exceeds %d characters", maxDisplayNameLength)
	}
	if upd.MaxFailures != nil && *upd.MaxFailures < 1 {
		return errs.Validation("max_failures must be at least 1")
	}
	if upd.Env != nil {
		for k := range upd.Env {
			if k == "" {
				return errs.Validation("env keys must be non-empty")
			}
		}
	}
	return nil
}
