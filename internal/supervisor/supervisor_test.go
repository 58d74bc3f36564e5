package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/errs"
	"github.com/triage-ai/warden/internal/launcher"
	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/storage"
)

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	servers map[string]*registry.ToolServer
}

func newFakeStore() *fakeStore {
	return &fakeStore{servers: make(map[string]*registry.ToolServer)}
}

func (f *fakeStore) GetServer(_ context.Context, id string) (*registry.ToolServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) ListServers(_ context.Context, _ registry.ServerFilter) ([]*registry.ToolServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*registry.ToolServer, 0, len(f.servers))
	for _, s := range f.servers {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) SetRuntimeState(_ context.Context, id string, upd RuntimeUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return errors.New("no such server")
	}
	s.Status = upd.Status
	if upd.Failures != nil {
		s.ConsecutiveFailures = *upd.Failures
	}
	if upd.CheckedAt != nil {
		t := *upd.CheckedAt
		s.LastHealthCheckAt = &t
	}
	return nil
}

func (f *fakeStore) DeleteServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, id)
	return nil
}

func (f *fakeStore) add(s *registry.ToolServer) {
	f.mu.Lock()
	f.servers[s.ID] = s
	f.mu.Unlock()
}

func (f *fakeStore) status(id string) registry.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[id].Status
}

func (f *fakeStore) failures(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servers[id].ConsecutiveFailures
}

type fakeHandle struct {
	mu         sync.Mutex
	alive      bool
	probeErr   error
	probeCalls int
	terminated bool
	tools      []launcher.ToolDescriptor
}

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alive
}

func (h *fakeHandle) Probe(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeCalls++
	return h.probeErr
}

func (h *fakeHandle) ListTools(_ context.Context) ([]launcher.ToolDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tools, nil
}

func (h *fakeHandle) Terminate(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	h.alive = false
	return nil
}

func (h *fakeHandle) setProbeErr(err error) {
	h.mu.Lock()
	h.probeErr = err
	h.mu.Unlock()
}

func (h *fakeHandle) probes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.probeCalls
}

func (h *fakeHandle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

type fakeLauncher struct {
	mu          sync.Mutex
	spawnErr    error
	newProbeErr error
	spawned     []launcher.Spec
	handles     map[string]*fakeHandle
	gate        chan struct{}
	entered     chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{handles: make(map[string]*fakeHandle)}
}

func (f *fakeLauncher) Spawn(ctx context.Context, spec launcher.Spec) (launcher.Handle, error) {
	f.mu.Lock()
	f.spawned = append(f.spawned, spec)
	gate, entered := f.gate, f.entered
	spawnErr, probeErr := f.spawnErr, f.newProbeErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if spawnErr != nil {
		return nil, spawnErr
	}
	h := &fakeHandle{alive: true, probeErr: probeErr}
	f.mu.Lock()
	f.handles[spec.ServerID] = h
	f.mu.Unlock()
	return h, nil
}

func (f *fakeLauncher) handle(serverID string) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[serverID]
}

func (f *fakeLauncher) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*storage.Event
}

func (r *eventRecorder) Write(e *storage.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) Close() {}

func (r *eventRecorder) reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Reason)
	}
	return out
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) hasReason(reason string) bool {
	for _, got := range r.reasons() {
		if got == reason {
			return true
		}
	}
	return false
}

type rig struct {
	store  *fakeStore
	launch *fakeLauncher
	events *eventRecorder
	clk    *clock.Fake
	sup    *Supervisor
}

func newRig() *rig {
	r := &rig{
		store:  newFakeStore(),
		launch: newFakeLauncher(),
		events: &eventRecorder{},
		clk:    clock.NewFake(testStart),
	}
	r.sup = New(r.store, r.launch, r.events, r.clk, Config{
		SpawnTimeout: time.Second,
		ProbeTimeout: time.Second,
		StopGrace:    time.Second,
	}, zap.NewNop())
	return r
}

func (r *rig) addServer(id string, status registry.Status, mutate ...func(*registry.ToolServer)) {
	s := &registry.ToolServer{
		ID:          id,
		Name:        id,
		Command:     "/usr/bin/" + id,
		Status:      status,
		MaxFailures: 3,
	}
	for _, m := range mutate {
		m(s)
	}
	r.store.add(s)
}

func TestStart_RunsServer(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)

	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
	if r.store.failures("srv-1") != 0 {
		t.Fatal("failures not reset on successful first probe")
	}
	if h := r.launch.handle("srv-1"); h == nil || h.probes() != 1 {
		t.Fatal("expected exactly one startup probe")
	}
	reasons := r.events.reasons()
	if len(reasons) != 2 || reasons[0] != "start" || reasons[1] != "probe_ok" {
		t.Fatalf("event reasons = %v, want [start probe_ok]", reasons)
	}
}

func TestStart_SpawnErrorFails(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	r.launch.spawnErr = errors.New("exec: not found")

	err := r.sup.Start(context.Background(), "srv-1")
	if errs.CodeOf(err) != errs.CodeSpawnFailed {
		t.Fatalf("err = %v, want process_spawn_error", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if !r.events.hasReason("spawn_error") {
		t.Fatalf("events = %v, want spawn_error", r.events.reasons())
	}
}

func TestStart_FirstProbeFailureDegrades(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	r.launch.newProbeErr = errors.New("connection refused")

	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusDegraded {
		t.Fatalf("status = %s, want degraded", got)
	}
	if r.store.failures("srv-1") != 1 {
		t.Fatalf("failures = %d, want 1", r.store.failures("srv-1"))
	}
}

func TestStart_UnknownServer(t *testing.T) {
	r := newRig()
	if err := r.sup.Start(context.Background(), "ghost"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestStart_DisabledRejected(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusDisabled)

	if err := r.sup.Start(context.Background(), "srv-1"); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestStart_AlreadyRunningRejected(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusRunning)

	if err := r.sup.Start(context.Background(), "srv-1"); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestStart_ConcurrentOperationRejected(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	r.launch.gate = make(chan struct{})
	r.launch.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- r.sup.Start(context.Background(), "srv-1") }()
	<-r.launch.entered

	// Second operation on the same id while the start holds the slot.
	if err := r.sup.Restart(context.Background(), "srv-1"); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("concurrent restart err = %v, want invalid_state", err)
	}
	if _, err := r.sup.CheckHealth(context.Background(), "srv-1"); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("concurrent health check err = %v, want invalid_state", err)
	}

	close(r.launch.gate)
	if err := <-done; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
}

func TestStop_TerminatesAndStops(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}

	if err := r.sup.Stop(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusStopped {
		t.Fatalf("status = %s, want stopped", got)
	}
	if !r.launch.handle("srv-1").wasTerminated() {
		t.Fatal("process not terminated")
	}
}

func TestStop_IdempotentOnStopped(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusStopped)

	if err := r.sup.Stop(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := r.events.count(); n != 0 {
		t.Fatalf("events = %d, want 0 for no-op stop", n)
	}

	r.addServer("srv-2", registry.StatusCreated)
	if err := r.sup.Stop(context.Background(), "srv-2"); err != nil {
		t.Fatalf("Stop created: %v", err)
	}
	if got := r.store.status("srv-2"); got != registry.StatusCreated {
		t.Fatalf("status = %s, want created untouched", got)
	}
}

func TestStop_DuringStartCancelsAtCheckpoint(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	r.launch.gate = make(chan struct{})
	r.launch.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- r.sup.Start(context.Background(), "srv-1") }()
	<-r.launch.entered

	if err := r.sup.Stop(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Stop during start: %v", err)
	}
	close(r.launch.gate)

	if err := <-done; errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("cancelled start err = %v, want invalid_state", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusStopped {
		t.Fatalf("status = %s, want stopped", got)
	}
	if !r.launch.handle("srv-1").wasTerminated() {
		t.Fatal("half-started process not terminated")
	}
	if !r.events.hasReason("cancelled") {
		t.Fatalf("events = %v, want cancelled", r.events.reasons())
	}
}

func TestRestart_SpawnsNewProcess(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	first := r.launch.handle("srv-1")

	if err := r.sup.Restart(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !first.wasTerminated() {
		t.Fatal("old process not terminated")
	}
	if n := r.launch.spawnCount(); n != 2 {
		t.Fatalf("spawn count = %d, want 2", n)
	}
	if got := r.store.status("srv-1"); got != registry.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
}

func TestRestart_FromFailed(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusFailed)

	if err := r.sup.Restart(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
}

func TestEnableDisable(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}

	if err := r.sup.Disable(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusDisabled {
		t.Fatalf("status = %s, want disabled", got)
	}
	if !r.launch.handle("srv-1").wasTerminated() {
		t.Fatal("disable did not stop the process")
	}
	if err := r.sup.Disable(context.Background(), "srv-1"); err != nil {
		t.Fatalf("second Disable: %v", err)
	}

	if err := r.sup.Enable(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusStopped {
		t.Fatalf("status = %s, want stopped", got)
	}
	if r.store.failures("srv-1") != 0 {
		t.Fatal("enable did not reset failures")
	}
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatalf("Start after enable: %v", err)
	}
}

func TestDelete_RequiresForce(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}

	if err := r.sup.Delete(context.Background(), "srv-1", false); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("unforced delete err = %v, want invalid_state", err)
	}
	if err := r.sup.Delete(context.Background(), "srv-1", true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	if !r.launch.handle("srv-1").wasTerminated() {
		t.Fatal("forced delete did not stop the process")
	}
	if s, _ := r.store.GetServer(context.Background(), "srv-1"); s != nil {
		t.Fatal("server still present after delete")
	}
	if !r.events.hasReason("deleted") {
		t.Fatalf("events = %v, want deleted", r.events.reasons())
	}
}

func TestBulk_PerIdOutcomes(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusStopped)

	outcomes, err := r.sup.Bulk(context.Background(), OpStart, []string{"srv-1", "ghost"})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if !outcomes["srv-1"].OK {
		t.Fatalf("srv-1 outcome = %+v, want ok", outcomes["srv-1"])
	}
	if outcomes["ghost"].OK || outcomes["ghost"].Code != errs.CodeNotFound {
		t.Fatalf("ghost outcome = %+v, want not_found", outcomes["ghost"])
	}
	// The unknown id must not roll back the valid one.
	if got := r.store.status("srv-1"); got != registry.StatusRunning {
		t.Fatalf("status = %s, want running", got)
	}

	if _, err := r.sup.Bulk(context.Background(), Op("mangle"), []string{"srv-1"}); errs.CodeOf(err) != errs.CodeValidation {
		t.Fatalf("bad op err = %v, want validation", err)
	}
}

func TestSweep_AutoDisableAfterMaxFailures(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	h := r.launch.handle("srv-1")
	startupProbes := h.probes()
	h.setProbeErr(errors.New("probe: down"))

	r.sup.sweep(context.Background())
	if got := r.store.status("srv-1"); got != registry.StatusDegraded {
		t.Fatalf("after 1 failure status = %s, want degraded", got)
	}
	if r.store.failures("srv-1") != 1 {
		t.Fatalf("failures = %d, want 1", r.store.failures("srv-1"))
	}

	r.sup.sweep(context.Background())
	if r.store.failures("srv-1") != 2 {
		t.Fatalf("failures = %d, want 2", r.store.failures("srv-1"))
	}

	r.sup.sweep(context.Background())
	if got := r.store.status("srv-1"); got != registry.StatusDisabled {
		t.Fatalf("after 3 failures status = %s, want disabled", got)
	}
	if !h.wasTerminated() {
		t.Fatal("auto-disable did not terminate the process")
	}
	if !r.events.hasReason("max_failures_exceeded") {
		t.Fatalf("events = %v, want max_failures_exceeded", r.events.reasons())
	}

	// A fourth sweep must not probe a disabled server.
	before := h.probes()
	r.sup.sweep(context.Background())
	if h.probes() != before {
		t.Fatal("disabled server was probed")
	}
	if before != startupProbes+3 {
		t.Fatalf("probe count = %d, want %d", before, startupProbes+3)
	}
}

func TestSweep_SuccessResetsFailures(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	h := r.launch.handle("srv-1")
	h.setProbeErr(errors.New("probe: down"))

	r.sup.sweep(context.Background())
	r.sup.sweep(context.Background())
	if r.store.failures("srv-1") != 2 {
		t.Fatalf("failures = %d, want 2", r.store.failures("srv-1"))
	}

	h.setProbeErr(nil)
	r.sup.sweep(context.Background())
	if got := r.store.status("srv-1"); got != registry.StatusRunning {
		t.Fatalf("status = %s, want running after recovery", got)
	}
	if r.store.failures("srv-1") != 0 {
		t.Fatalf("failures = %d, want 0 after successful probe", r.store.failures("srv-1"))
	}
}

func TestSweep_SkipsBusyServer(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	h := r.launch.handle("srv-1")
	before := h.probes()

	entry := r.sup.entry("srv-1")
	entry.op.Lock()
	r.sup.sweep(context.Background())
	entry.op.Unlock()

	if h.probes() != before {
		t.Fatal("sweep probed a server with an in-flight operation")
	}
}

func TestCheckHealth_OnDemand(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}

	report, err := r.sup.CheckHealth(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !report.Healthy || report.Status != registry.StatusRunning || report.ConsecutiveFailures != 0 {
		t.Fatalf("report = %+v, want healthy running", report)
	}

	r.launch.handle("srv-1").setProbeErr(errors.New("probe: down"))
	report, err = r.sup.CheckHealth(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if report.Healthy || report.Status != registry.StatusDegraded || report.ConsecutiveFailures != 1 {
		t.Fatalf("report = %+v, want degraded with 1 failure", report)
	}
}

func TestCheckHealth_NotServing(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusStopped)

	if _, err := r.sup.CheckHealth(context.Background(), "srv-1"); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestListServerTools(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	h := r.launch.handle("srv-1")
	h.mu.Lock()
	h.tools = []launcher.ToolDescriptor{{Name: "search", Description: "find things"}}
	h.mu.Unlock()

	tools, err := r.sup.ListServerTools(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("ListServerTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("tools = %+v", tools)
	}

	if _, err := r.sup.ListServerTools(context.Background(), "no-handle"); errs.CodeOf(err) != errs.CodeInvalidState {
		t.Fatalf("err = %v, want invalid_state", err)
	}
}

func TestReconcile_ParksInflightStatuses(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusRunning)
	r.addServer("srv-2", registry.StatusStopping)
	r.addServer("srv-3", registry.StatusDisabled)
	r.addServer("srv-4", registry.StatusCreated)

	if err := r.sup.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if got := r.store.status("srv-1"); got != registry.StatusStopped {
		t.Fatalf("srv-1 = %s, want stopped", got)
	}
	if got := r.store.status("srv-2"); got != registry.StatusStopped {
		t.Fatalf("srv-2 = %s, want stopped", got)
	}
	if got := r.store.status("srv-3"); got != registry.StatusDisabled {
		t.Fatalf("srv-3 = %s, want disabled untouched", got)
	}
	if got := r.store.status("srv-4"); got != registry.StatusCreated {
		t.Fatalf("srv-4 = %s, want created untouched", got)
	}
}

func TestStartEligible(t *testing.T) {
	r := newRig()
	r.addServer("auto", registry.StatusStopped, func(s *registry.ToolServer) { s.AutoStart = true })
	r.addServer("manual", registry.StatusStopped)
	r.addServer("off", registry.StatusDisabled, func(s *registry.ToolServer) { s.AutoStart = true })

	r.sup.StartEligible(context.Background())

	if got := r.store.status("auto"); got != registry.StatusRunning {
		t.Fatalf("auto = %s, want running", got)
	}
	if got := r.store.status("manual"); got != registry.StatusStopped {
		t.Fatalf("manual = %s, want stopped", got)
	}
	if got := r.store.status("off"); got != registry.StatusDisabled {
		t.Fatalf("off = %s, want disabled", got)
	}
}

func TestAutoUpdate_TriggersRefresh(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated, func(s *registry.ToolServer) { s.AutoUpdate = true })

	refreshed := make(chan string, 1)
	r.sup.SetRefreshHook(func(id string) { refreshed <- id })

	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-refreshed:
		if id != "srv-1" {
			t.Fatalf("refresh hook got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh hook never fired")
	}
}

func TestClose_TerminatesHandles(t *testing.T) {
	r := newRig()
	r.addServer("srv-1", registry.StatusCreated)
	if err := r.sup.Start(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}

	r.sup.Close(context.Background())
	if !r.launch.handle("srv-1").wasTerminated() {
		t.Fatal("close did not terminate the process")
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to registry.Status
		want     bool
	}{
		{registry.StatusCreated, registry.StatusStarting, true},
		{registry.StatusStopped, registry.StatusStarting, true},
		{registry.StatusStarting, registry.StatusRunning, true},
		{registry.StatusStarting, registry.StatusDegraded, true},
		{registry.StatusStarting, registry.StatusFailed, true},
		{registry.StatusRunning, registry.StatusStopping, true},
		{registry.StatusDegraded, registry.StatusFailed, true},
		{registry.StatusFailed, registry.StatusDisabled, true},
		{registry.StatusDisabled, registry.StatusStopped, true},
		{registry.StatusStopped, registry.StatusRunning, false},
		{registry.StatusCreated, registry.StatusRunning, false},
		{registry.StatusDisabled, registry.StatusStarting, false},
		{registry.StatusStopped, registry.StatusDegraded, false},
	}
	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
