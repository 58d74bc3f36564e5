// Package launcher is the process collaborator: it turns a server's spawn
// parameters into a live handle the supervisor can probe, query for tools,
// and terminate. Command servers run as child processes speaking
// line-delimited JSON-RPC on stdio; builtin servers run in-process.
package launcher

import (
	"context"
	"encoding/json"
	"errors"
)

// Spec carries everything needed to bring one server up.
type Spec struct {
	ServerID string
	Name     string
	Command  string
	Args     []string
	Env      map[string]string
	// HealthAddr switches probing to the gRPC grpc.health.v1 protocol
	// against this address. Empty means stdio ping.
	HealthAddr string
	Builtin    bool
}

// ToolDescriptor is one advertised tool, as reported by the live server.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Handle is a live server. All methods are safe for concurrent use, though
// the supervisor serializes lifecycle access per server anyway.
type Handle interface {
	// Alive reports whether the underlying process (or builtin) is still up.
	Alive() bool
	// Probe performs one bounded health check. The caller owns the timeout
	// via ctx.
	Probe(ctx context.Context) error
	// ListTools returns the server's currently advertised tool list.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	// Terminate shuts the server down, escalating when ctx expires before a
	// graceful exit. Idempotent.
	Terminate(ctx context.Context) error
}

// Router spawns specs with the right strategy for their kind.
type Router struct {
	exec     *ExecLauncher
	builtins *BuiltinSet
}

func NewRouter(exec *ExecLauncher, builtins *BuiltinSet) *Router {
	return &Router{exec: exec, builtins: builtins}
}

// Spawn brings the server up and confirms it answers. The returned handle is
// live; callers own its termination.
func (r *Router) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Builtin {
		return r.builtins.spawn(spec)
	}
	return r.exec.Spawn(ctx, spec)
}

// ErrUnknownBuiltin is wrapped into spawn failures for builtin specs whose
// name was never registered.
var ErrUnknownBuiltin = errors.New("unknown builtin server")
