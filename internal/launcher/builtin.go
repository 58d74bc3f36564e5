package launcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// BuiltinSet holds the in-process servers registered at boot. Builtin servers
// have no child process: spawn hands out an always-healthy handle whose tool
// list is fixed at registration time.
type BuiltinSet struct {
	mu      sync.RWMutex
	servers map[string][]ToolDescriptor
}

func NewBuiltinSet() *BuiltinSet {
	return &BuiltinSet{servers: make(map[string][]ToolDescriptor)}
}

// Register adds (or replaces) a builtin server under name.
func (s *BuiltinSet) Register(name string, tools []ToolDescriptor) {
	s.mu.Lock()
	s.servers[name] = tools
	s.mu.Unlock()
}

// Names returns the registered builtin names.
func (s *BuiltinSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.servers))
	for name := range s.servers {
		names = append(names, name)
	}
	return names
}

func (s *BuiltinSet) spawn(spec Spec) (Handle, error) {
	s.mu.RLock()
	tools, ok := s.servers[spec.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("spawn builtin %s: %w", spec.Name, ErrUnknownBuiltin)
	}
	h := &builtinHandle{tools: tools}
	h.alive.Store(true)
	return h, nil
}

type builtinHandle struct {
	alive atomic.Bool
	tools []ToolDescriptor
}

func (h *builtinHandle) Alive() bool { return h.alive.Load() }

func (h *builtinHandle) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !h.alive.Load() {
		return fmt.Errorf("Probe: builtin terminated")
	}
	return nil
}

func (h *builtinHandle) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !h.alive.Load() {
		return nil, fmt.Errorf("ListTools: builtin terminated")
	}
	out := make([]ToolDescriptor, len(h.tools))
	copy(out, h.tools)
	return out, nil
}

func (h *builtinHandle) Terminate(_ context.Context) error {
	h.alive.Store(false)
	return nil
}
