// Package supervisor owns server lifecycle. Every status change flows through
// its transition table, at most one operation runs per server id at a time,
// and the runtime handle table never leaves this package.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/catalog"
	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/errs"
	"github.com/triage-ai/warden/internal/launcher"
	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/storage"
)

const (
	defaultSpawnTimeout   = 30 * time.Second
	defaultProbeTimeout   = 5 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultStopGrace      = 5 * time.Second
)

// Operation names tracked per server while in flight.
const (
	opStart   = "start"
	opStop    = "stop"
	opRestart = "restart"
	opEnable  = "enable"
	opDisable = "disable"
	opDelete  = "delete"
	opHealth  = "health_check"
)

// transitions is the only authority on legal status changes. Paths not listed
// here do not happen, crash recovery aside (see Reconcile).
var transitions = map[registry.Status][]registry.Status{
	registry.StatusCreated:  {registry.StatusStarting, registry.StatusDisabled},
	registry.StatusStarting: {registry.StatusRunning, registry.StatusDegraded, registry.StatusFailed, registry.StatusStopping},
	registry.StatusRunning:  {registry.StatusDegraded, registry.StatusStopping},
	registry.StatusDegraded: {registry.StatusRunning, registry.StatusFailed, registry.StatusStopping},
	registry.StatusFailed:   {registry.StatusDisabled, registry.StatusStopping},
	registry.StatusStopping: {registry.StatusStopped},
	registry.StatusStopped:  {registry.StatusStarting, registry.StatusDisabled},
	registry.StatusDisabled: {registry.StatusStopped},
}

func canTransition(from, to registry.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RuntimeUpdate is the persistence shape for supervisor-owned fields.
type RuntimeUpdate struct {
	Status registry.Status
	// Failures and CheckedAt are written only when non-nil.
	Failures  *int
	CheckedAt *time.Time
}

// ServerStore is the persistence the supervisor needs. GetServer returns
// (nil, nil) for unknown ids.
type ServerStore interface {
	GetServer(ctx context.Context, id string) (*registry.ToolServer, error)
	ListServers(ctx context.Context, filter registry.ServerFilter) ([]*registry.ToolServer, error)
	SetRuntimeState(ctx context.Context, id string, upd RuntimeUpdate) error
	DeleteServer(ctx context.Context, id string) error
}

// Launcher spawns processes for non-builtin servers and resolves builtin ones.
type Launcher interface {
	Spawn(ctx context.Context, spec launcher.Spec) (launcher.Handle, error)
}

type Config struct {
	SpawnTimeout   time.Duration
	ProbeTimeout   time.Duration
	HealthInterval time.Duration
	StopGrace      time.Duration
}

func (c Config) withDefaults() Config {
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = defaultSpawnTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = defaultHealthInterval
	}
	if c.StopGrace <= 0 {
		c.StopGrace = defaultStopGrace
	}
	return c
}

// serverEntry is the per-server runtime slot. op serializes lifecycle
// operations; cancel carries a stop request into an in-flight start, observed
// at that start's checkpoints.
type serverEntry struct {
	op       sync.Mutex
	inflight atomic.Value // string, current op name
	cancel   atomic.Bool

	hmu    sync.RWMutex
	handle launcher.Handle
}

func (e *serverEntry) begin(op string) {
	e.inflight.Store(op)
}

func (e *serverEntry) release() {
	e.inflight.Store("")
	e.op.Unlock()
}

func (e *serverEntry) currentOp() string {
	v, _ := e.inflight.Load().(string)
	return v
}

func (e *serverEntry) getHandle() launcher.Handle {
	e.hmu.RLock()
	defer e.hmu.RUnlock()
	return e.handle
}

func (e *serverEntry) setHandle(h launcher.Handle) {
	e.hmu.Lock()
	e.handle = h
	e.hmu.Unlock()
}

type Supervisor struct {
	store    ServerStore
	launcher Launcher
	events   storage.EventWriter
	clk      clock.Clock
	cfg      Config
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[string]*serverEntry

	// refresh, when set, is invoked after an auto_update server reaches
	// running. Wired post-construction to keep the catalog dependency
	// one-directional.
	refresh func(serverID string)

	monitorDone chan struct{}
	monitorOnce sync.Once
}

func New(store ServerStore, l Launcher, events storage.EventWriter, clk clock.Clock, cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		store:       store,
		launcher:    l,
		events:      events,
		clk:         clk,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		entries:     make(map[string]*serverEntry),
		monitorDone: make(chan struct{}),
	}
}

// SetRefreshHook registers the catalog refresh trigger for auto_update
// servers. Must be called before any server starts.
func (s *Supervisor) SetRefreshHook(fn func(serverID string)) {
	s.refresh = fn
}

func (s *Supervisor) entry(id string) *serverEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		e = &serverEntry{}
		e.inflight.Store("")
		s.entries[id] = e
	}
	return e
}

func (s *Supervisor) dropEntry(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// acquire claims the per-server operation slot or rejects with InvalidState.
// Operations are never queued.
func (s *Supervisor) acquire(id, op string) (*serverEntry, error) {
	e := s.entry(id)
	if !e.op.TryLock() {
		return nil, errs.InvalidState("operation %q already in progress for server %s", e.currentOp(), id)
	}
	e.begin(op)
	return e, nil
}

// Start brings a created or stopped server up: spawn, then first probe.
// Spawn failure leaves the server failed and returns ProcessSpawnError; a
// failed first probe leaves it degraded and is not an error.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	entry, err := s.acquire(id, opStart)
	if err != nil {
		return err
	}
	defer entry.release()
	entry.cancel.Store(false)

	server, err := s.getServer(ctx, id)
	if err != nil {
		return err
	}
	return s.startLocked(ctx, entry, server)
}

func (s *Supervisor) startLocked(ctx context.Context, entry *serverEntry, server *registry.ToolServer) error {
	switch server.Status {
	case registry.StatusCreated, registry.StatusStopped:
	case registry.StatusRunning, registry.StatusDegraded, registry.StatusStarting:
		return errs.InvalidState("server %s is already %s", server.ID, server.Status)
	case registry.StatusDisabled:
		return errs.InvalidState("server %s is disabled", server.ID)
	default:
		return errs.InvalidState("cannot start server %s from status %s", server.ID, server.Status)
	}

	if err := s.transition(ctx, server, registry.StatusStarting, "start", nil, nil); err != nil {
		return err
	}

	spawnCtx, cancel := context.WithTimeout(ctx, s.cfg.SpawnTimeout)
	handle, err := s.launcher.Spawn(spawnCtx, launcherSpec(server))
	cancel()
	if err != nil {
		if terr := s.transition(ctx, server, registry.StatusFailed, "spawn_error", nil, nil); terr != nil {
			s.logger.Error("failed to record spawn failure", zap.String("server_id", server.ID), zap.Error(terr))
		}
		return errs.SpawnFailed(fmt.Sprintf("spawn server %s", server.Name), err)
	}

	// Checkpoint: a stop issued during the spawn wins here.
	if cancelled, err := s.observeCancel(ctx, entry, server, handle); cancelled {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	probeErr := handle.Probe(probeCtx)
	cancel()

	// Checkpoint: probe boundary.
	if cancelled, err := s.observeCancel(ctx, entry, server, handle); cancelled {
		return err
	}

	now := s.clk.Now()
	if probeErr != nil {
		failures := server.ConsecutiveFailures + 1
		if err := s.transition(ctx, server, registry.StatusDegraded, "probe_failed", &failures, &now); err != nil {
			return err
		}
		entry.setHandle(handle)
		s.logger.Warn("server started degraded",
			zap.String("server_id", server.ID),
			zap.String("server", server.Name),
			zap.Error(probeErr))
		return nil
	}

	zero := 0
	if err := s.transition(ctx, server, registry.StatusRunning, "probe_ok", &zero, &now); err != nil {
		return err
	}
	entry.setHandle(handle)
	s.logger.Info("server running",
		zap.String("server_id", server.ID),
		zap.String("server", server.Name))

	if server.AutoUpdate && s.refresh != nil {
		go s.refresh(server.ID)
	}
	return nil
}

// observeCancel terminates the half-started process and parks the server in
// stopped when a concurrent stop flagged cancellation.
func (s *Supervisor) observeCancel(ctx context.Context, entry *serverEntry, server *registry.ToolServer, handle launcher.Handle) (bool, error) {
	if !entry.cancel.CompareAndSwap(true, false) {
		return false, nil
	}
	s.terminate(ctx, server, handle)
	if err := s.transition(ctx, server, registry.StatusStopping, "cancelled", nil, nil); err != nil {
		return true, err
	}
	if err := s.transition(ctx, server, registry.StatusStopped, "cancelled", nil, nil); err != nil {
		return true, err
	}
	return true, errs.InvalidState("start of server %s cancelled by stop", server.ID)
}

// Stop shuts a server down. Stopping an already-stopped (or never-started)
// server is a no-op success. A stop that finds a start in flight does not
// queue: it flags cancellation for the start's next checkpoint and returns.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	e := s.entry(id)
	if !e.op.TryLock() {
		if op := e.currentOp(); op == opStart || op == opRestart {
			e.cancel.Store(true)
			s.logger.Info("stop requested during start, cancelling at next checkpoint",
				zap.String("server_id", id))
			return nil
		}
		return errs.InvalidState("operation %q already in progress for server %s", e.currentOp(), id)
	}
	e.begin(opStop)
	defer e.release()

	server, err := s.getServer(ctx, id)
	if err != nil {
		return err
	}
	return s.stopLocked(ctx, e, server)
}

func (s *Supervisor) stopLocked(ctx context.Context, entry *serverEntry, server *registry.ToolServer) error {
	switch server.Status {
	case registry.StatusStopped, registry.StatusCreated:
		return nil
	case registry.StatusDisabled:
		return errs.InvalidState("server %s is disabled", server.ID)
	}

	if err := s.transition(ctx, server, registry.StatusStopping, "stop", nil, nil); err != nil {
		return err
	}
	if h := entry.getHandle(); h != nil {
		s.terminate(ctx, server, h)
		entry.setHandle(nil)
	}
	return s.transition(ctx, server, registry.StatusStopped, "stop", nil, nil)
}

// Restart is stop-then-start under one operation slot. Catalog state is
// untouched; tools keep their enabled and stale flags across the restart.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	entry, err := s.acquire(id, opRestart)
	if err != nil {
		return err
	}
	defer entry.release()
	entry.cancel.Store(false)

	server, err := s.getServer(ctx, id)
	if err != nil {
		return err
	}
	if server.Status == registry.StatusDisabled {
		return errs.InvalidState("server %s is disabled", server.ID)
	}
	if err := s.stopLocked(ctx, entry, server); err != nil {
		return err
	}
	return s.startLocked(ctx, entry, server)
}

// Enable clears the disabled override, parking the server in stopped with its
// failure count reset. Enabling a server that is not disabled is a no-op.
func (s *Supervisor) Enable(ctx context.Context, id string) error {
	entry, err := s.acquire(id, opEnable)
	if err != nil {
		return err
	}
	defer entry.release()

	server, err := s.getServer(ctx, id)
	if err != nil {
		return err
	}
	if server.Status != registry.StatusDisabled {
		return nil
	}
	zero := 0
	return s.transition(ctx, server, registry.StatusStopped, "enabled", &zero, nil)
}

// Disable is the administrative kill switch: a serving server is stopped
// first, then marked disabled. auto_start is suppressed until an explicit
// Enable. Disabling an already-disabled server is a no-op.
func (s *Supervisor) Disable(ctx context.Context, id string) error {
	entry, err := s.acquire(id, opDisable)
	if err != nil {
		return err
	}
	defer entry.release()

	server, err := s.getServer(ctx, id)
	if err != nil {
		return err
	}
	if server.Status == registry.StatusDisabled {
		return nil
	}
	if server.Status.Serving() || server.Status == registry.StatusStarting {
		if err := s.stopLocked(ctx, entry, server); err != nil {
			return err
		}
	}
	return s.transition(ctx, server, registry.StatusDisabled, "disabled", nil, nil)
}

// Delete removes a server and its runtime entry. A server that could still
// be serving requires force, which stops it first.
func (s *Supervisor) Delete(ctx context.Context, id string, force bool) error {
	entry, err := s.acquire(id, opDelete)
	if err != nil {
		return err
	}
	defer entry.release()

	server, err := s.getServer(ctx, id)
	if err != nil {
		return err
	}
	switch server.Status {
	case registry.StatusStopped, registry.StatusCreated, registry.StatusDisabled, registry.StatusFailed:
	default:
		if !force {
			return errs.InvalidState("server %s is %s; delete requires force", server.ID, server.Status)
		}
		if err := s.stopLocked(ctx, entry, server); err != nil {
			return err
		}
	}

	if err := s.store.DeleteServer(ctx, id); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	s.dropEntry(id)
	s.emitLifecycle(server, server.Status, "", "deleted")
	s.logger.Info("server deleted",
		zap.String("server_id", server.ID),
		zap.String("server", server.Name))
	return nil
}

// Op is a bulk-applicable lifecycle verb.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpEnable  Op = "enable"
	OpDisable Op = "disable"
)

// BulkOutcome is one server's result inside a bulk call.
type BulkOutcome struct {
	OK    bool      `json:"ok"`
	Code  errs.Code `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Bulk applies op to each id independently. One id's failure never rolls back
// or blocks another; the call is not atomic across the set.
func (s *Supervisor) Bulk(ctx context.Context, op Op, ids []string) (map[string]BulkOutcome, error) {
	var apply func(context.Context, string) error
	switch op {
	case OpStart:
		apply = s.Start
	case OpStop:
		apply = s.Stop
	case OpRestart:
		apply = s.Restart
	case OpEnable:
		apply = s.Enable
	case OpDisable:
		apply = s.Disable
	default:
		return nil, errs.Validation("unknown bulk operation %q", op)
	}

	outcomes := make(map[string]BulkOutcome, len(ids))
	for _, id := range ids {
		if err := apply(ctx, id); err != nil {
			outcomes[id] = BulkOutcome{Code: errs.CodeOf(err), Error: err.Error()}
			continue
		}
		outcomes[id] = BulkOutcome{OK: true}
	}
	return outcomes, nil
}

// ListServerTools asks the live process for its advertised tools. Feeds
// catalog refresh; requires a live handle.
func (s *Supervisor) ListServerTools(ctx context.Context, serverID string) ([]catalog.AdvertisedTool, error) {
	h := s.entry(serverID).getHandle()
	if h == nil {
		return nil, errs.InvalidState("server %s has no live process", serverID)
	}
	descs, err := h.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListServerTools: %w", err)
	}
	tools := make([]catalog.AdvertisedTool, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, catalog.AdvertisedTool{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return tools, nil
}

// Reconcile repairs statuses after an unclean shutdown: anything recorded as
// in-flight or serving cannot actually be, so it is parked in stopped. Runs
// once at boot before any operation.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	servers, err := s.store.ListServers(ctx, registry.ServerFilter{})
	if err != nil {
		return fmt.Errorf("Reconcile: %w", err)
	}
	for _, server := range servers {
		switch server.Status {
		case registry.StatusStarting, registry.StatusRunning, registry.StatusDegraded, registry.StatusStopping:
		default:
			continue
		}
		from := server.Status
		if err := s.store.SetRuntimeState(ctx, server.ID, RuntimeUpdate{Status: registry.StatusStopped}); err != nil {
			return fmt.Errorf("Reconcile: server %s: %w", server.ID, err)
		}
		server.Status = registry.StatusStopped
		s.emitLifecycle(server, from, registry.StatusStopped, "reconciled")
		s.logger.Warn("reconciled stale server status",
			zap.String("server_id", server.ID),
			zap.String("from", string(from)))
	}
	return nil
}

// StartEligible starts every auto_start server currently startable. Failures
// are logged per server and do not stop the pass.
func (s *Supervisor) StartEligible(ctx context.Context) {
	servers, err := s.store.ListServers(ctx, registry.ServerFilter{})
	if err != nil {
		s.logger.Error("listing servers for auto start", zap.Error(err))
		return
	}
	for _, server := range servers {
		if !server.AutoStart {
			continue
		}
		if server.Status != registry.StatusCreated && server.Status != registry.StatusStopped {
			continue
		}
		if err := s.Start(ctx, server.ID); err != nil {
			s.logger.Error("auto start failed",
				zap.String("server_id", server.ID),
				zap.String("server", server.Name),
				zap.Error(err))
		}
	}
}

// Close stops the health monitor and terminates every live process. Statuses
// are left as-is; the next boot's Reconcile parks them in stopped.
func (s *Supervisor) Close(ctx context.Context) {
	s.monitorOnce.Do(func() { close(s.monitorDone) })

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		entry := s.entry(id)
		h := entry.getHandle()
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(id string, h launcher.Handle) {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
			defer cancel()
			if err := h.Terminate(tctx); err != nil {
				s.logger.Warn("terminating server on shutdown",
					zap.String("server_id", id),
					zap.Error(err))
			}
		}(id, h)
	}
	wg.Wait()
}

func (s *Supervisor) getServer(ctx context.Context, id string) (*registry.ToolServer, error) {
	server, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getServer: %w", err)
	}
	if server == nil {
		return nil, errs.NotFound("server %s not found", id)
	}
	return server, nil
}

// transition persists a status change after checking it against the table.
// to == current status is a plain runtime-state write: no table check, no
// event. Mutates server in place on success.
func (s *Supervisor) transition(ctx context.Context, server *registry.ToolServer, to registry.Status, reason string, failures *int, checkedAt *time.Time) error {
	from := server.Status
	if from != to && !canTransition(from, to) {
		return errs.InvalidState("illegal transition %s -> %s for server %s", from, to, server.ID)
	}
	upd := RuntimeUpdate{Status: to, Failures: failures, CheckedAt: checkedAt}
	if err := s.store.SetRuntimeState(ctx, server.ID, upd); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	server.Status = to
	if failures != nil {
		server.ConsecutiveFailures = *failures
	}
	if checkedAt != nil {
		server.LastHealthCheckAt = checkedAt
	}
	if from != to {
		s.emitLifecycle(server, from, to, reason)
		s.logger.Info("server transition",
			zap.String("server_id", server.ID),
			zap.String("server", server.Name),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.String("reason", reason))
	}
	return nil
}

func (s *Supervisor) emitLifecycle(server *registry.ToolServer, from, to registry.Status, reason string) {
	if s.events == nil {
		return
	}
	s.events.Write(&storage.Event{
		EventID:    uuid.NewString(),
		Kind:       storage.KindLifecycle,
		Timestamp:  s.clk.Now(),
		ServerID:   server.ID,
		ServerName: server.Name,
		FromStatus: string(from),
		ToStatus:   string(to),
		Reason:     reason,
	})
}

func (s *Supervisor) terminate(ctx context.Context, server *registry.ToolServer, h launcher.Handle) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
	defer cancel()
	if err := h.Terminate(tctx); err != nil {
		s.logger.Warn("terminating server process",
			zap.String("server_id", server.ID),
			zap.String("server", server.Name),
			zap.Error(err))
	}
}

func launcherSpec(server *registry.ToolServer) launcher.Spec {
	return launcher.Spec{
		ServerID:   server.ID,
		Name:       server.Name,
		Command:    server.Command,
		Args:       server.Args,
		Env:        server.Env,
		HealthAddr: server.HealthAddr,
		Builtin:    server.Builtin,
	}
}
