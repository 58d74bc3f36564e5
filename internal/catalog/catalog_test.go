package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/triage-ai/warden/internal/errs"
	"github.com/triage-ai/warden/internal/registry"
	"go.uber.org/zap"
)

type mockToolStore struct {
	mu        sync.Mutex
	tools     map[string]*Tool
	applies   int
	lastApply RefreshChanges
}

func newMockToolStore() *mockToolStore {
	return &mockToolStore{tools: make(map[string]*Tool)}
}

func (m *mockToolStore) GetTool(_ context.Context, id string) (*Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tools[id], nil
}

func (m *mockToolStore) ListToolsByServer(_ context.Context, serverID string) ([]*Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Tool
	for _, t := range m.tools {
		if t.ServerID == serverID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *mockToolStore) SetToolEnabled(_ context.Context, id string, enabled bool) (*Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tools[id]
	if !ok {
		return nil, nil
	}
	t.Enabled = enabled
	copied := *t
	return &copied, nil
}

func (m *mockToolStore) ApplyRefresh(_ context.Context, _ string, changes RefreshChanges) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	m.lastApply = changes
	for _, t := range changes.Insert {
		copied := *t
		m.tools[t.ID] = &copied
	}
	for _, id := range changes.MarkStale {
		m.tools[id].Stale = true
	}
	for _, id := range changes.Restore {
		m.tools[id].Stale = false
	}
	for _, u := range changes.Update {
		t := m.tools[u.ID]
		t.Description = u.Description
		t.InputSchema = u.InputSchema
	}
	return nil
}

type mockServerSource struct {
	servers map[string]*registry.ToolServer
}

func (m *mockServerSource) GetServer(_ context.Context, id string) (*registry.ToolServer, error) {
	return m.servers[id], nil
}

type mockLiveLister struct {
	mu    sync.Mutex
	calls int32
	tools []AdvertisedTool
	gate  chan struct{} // when set, ListServerTools blocks until closed
}

func (m *mockLiveLister) ListServerTools(_ context.Context, _ string) ([]AdvertisedTool, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tools, nil
}

func (m *mockLiveLister) set(tools []AdvertisedTool) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
}

type mockInvalidator struct {
	mu      sync.Mutex
	tools   []string
	servers []string
}

func (m *mockInvalidator) InvalidateTool(id string) {
	m.mu.Lock()
	m.tools = append(m.tools, id)
	m.mu.Unlock()
}

func (m *mockInvalidator) InvalidateServer(id string) {
	m.mu.Lock()
	m.servers = append(m.servers, id)
	m.mu.Unlock()
}

func testSetup(status registry.Status) (*Catalog, *mockToolStore, *mockLiveLister, *mockInvalidator) {
	store := newMockToolStore()
	servers := &mockServerSource{servers: map[string]*registry.ToolServer{
		"srv-1": {ID: "srv-1", Name: "docs-tools", Status: status},
	}}
	lister := &mockLiveLister{}
	inval := &mockInvalidator{}
	cat := NewCatalog(store, servers, lister, inval, true, zap.NewNop())
	return cat, store, lister, inval
}

func TestCatalog_RefreshInsertsNewTools(t *testing.T) {
	cat, store, lister, _ := testSetup(registry.StatusRunning)
	lister.set([]AdvertisedTool{
		{Name: "search", Description: "full text search"},
		{Name: "fetch", Description: "fetch a document"},
	})

	diff, err := cat.Refresh(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(diff.Added) != 2 {
		t.Fatalf("added = %v, want 2 entries", diff.Added)
	}
	tools, _ := store.ListToolsByServer(context.Background(), "srv-1")
	if len(tools) != 2 {
		t.Fatalf("stored %d tools, want 2", len(tools))
	}
	for _, tool := range tools {
		if !tool.Enabled {
			t.Errorf("tool %s should start enabled (enableNew=true)", tool.Name)
		}
	}
}

func TestCatalog_RefreshIdempotent(t *testing.T) {
	cat, store, lister, _ := testSetup(registry.StatusRunning)
	lister.set([]AdvertisedTool{{Name: "search"}})

	if _, err := cat.Refresh(context.Background(), "srv-1"); err != nil {
		t.Fatalf("first Refresh: %v", err)
	}
	diff, err := cat.Refresh(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if !diff.Empty() {
		t.Fatalf("second refresh diff not empty: %+v", diff)
	}
	if store.applies != 1 {
		t.Fatalf("ApplyRefresh called %d times, want 1 (no-op diffs skip persistence)", store.applies)
	}
}

func TestCatalog_RefreshMarksStaleAndPreservesEnabled(t *testing.T) {
	cat, store, lister, _ := testSetup(registry.StatusRunning)
	lister.set([]AdvertisedTool{{Name: "search"}, {Name: "fetch"}})
	if _, err := cat.Refresh(context.Background(), "srv-1"); err != nil {
		t.Fatalf("seed Refresh: %v", err)
	}

	// Operator disables one tool, then upstream drops the other.
	var searchID string
	tools, _ := store.ListToolsByServer(context.Background(), "srv-1")
	for _, tool := range tools {
		if tool.Name == "search" {
			searchID = tool.ID
		}
	}
	if _, err := cat.Disable(context.Background(), searchID); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	lister.set([]AdvertisedTool{{Name: "search"}})
	diff, err := cat.Refresh(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(diff.Stale) != 1 || diff.Stale[0] != "fetch" {
		t.Fatalf("stale = %v, want [fetch]", diff.Stale)
	}

	tools, _ = store.ListToolsByServer(context.Background(), "srv-1")
	for _, tool := range tools {
		switch tool.Name {
		case "search":
			if tool.Enabled {
				t.Error("refresh must not flip the operator-set enabled flag")
			}
			if tool.Stale {
				t.Error("search is still advertised, must not be stale")
			}
		case "fetch":
			if !tool.Stale {
				t.Error("fetch dropped upstream, should be stale")
			}
		}
	}
}

func TestCatalog_RefreshRestoresReadvertisedTool(t *testing.T) {
	cat, _, lister, _ := testSetup(registry.StatusRunning)
	lister.set([]AdvertisedTool{{Name: "search"}})
	if _, err := cat.Refresh(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	lister.set(nil)
	if _, err := cat.Refresh(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	lister.set([]AdvertisedTool{{Name: "search"}})

	diff, err := cat.Refresh(context.Background(), "srv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(diff.Restored) != 1 || diff.Restored[0] != "search" {
		t.Fatalf("restored = %v, want [search]", diff.Restored)
	}
	if len(diff.Added) != 0 {
		t.Fatalf("re-advertised tool must not be re-added, added = %v", diff.Added)
	}
}

func TestCatalog_RefreshSkipsInvalidSchema(t *testing.T) {
	cat, store, lister, _ := testSetup(registry.StatusRunning)
	lister.set([]AdvertisedTool{
		{Name: "good", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "bad", InputSchema: json.RawMessage(`{"type":`)},
	})

	diff, err := cat.Refresh(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(diff.Invalid) != 1 || diff.Invalid[0] != "bad" {
		t.Fatalf("invalid = %v, want [bad]", diff.Invalid)
	}
	tools, _ := store.ListToolsByServer(context.Background(), "srv-1")
	if len(tools) != 1 || tools[0].Name != "good" {
		t.Fatalf("stored tools = %d, want only the valid one", len(tools))
	}
}

func TestCatalog_RefreshRequiresRunning(t *testing.T) {
	cat, _, _, _ := testSetup(registry.StatusStopped)

	_, err := cat.Refresh(context.Background(), "srv-1")
	if !errs.IsCode(err, errs.CodeInvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
}

func TestCatalog_RefreshUnknownServer(t *testing.T) {
	cat, _, _, _ := testSetup(registry.StatusRunning)

	_, err := cat.Refresh(context.Background(), "missing")
	if !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestCatalog_ConcurrentRefreshCollapses(t *testing.T) {
	cat, store, lister, _ := testSetup(registry.StatusRunning)
	lister.gate = make(chan struct{})
	lister.set([]AdvertisedTool{{Name: "search"}})

	const callers = 8
	var wg sync.WaitGroup
	diffs := make([]*RefreshDiff, callers)
	errsOut := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			diffs[i], errsOut[i] = cat.Refresh(context.Background(), "srv-1")
		}(i)
	}

	close(lister.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errsOut[i] != nil {
			t.Fatalf("caller %d: %v", i, errsOut[i])
		}
	}
	if calls := atomic.LoadInt32(&lister.calls); calls >= callers {
		t.Fatalf("live list called %d times for %d concurrent refreshes, expected collapsing", calls, callers)
	}
	if store.applies >= callers {
		t.Fatalf("ApplyRefresh ran %d times, expected collapsed refreshes", store.applies)
	}
}

func TestCatalog_EnableDisable(t *testing.T) {
	cat, store, lister, inval := testSetup(registry.StatusRunning)
	lister.set([]AdvertisedTool{{Name: "search"}})
	if _, err := cat.Refresh(context.Background(), "srv-1"); err != nil {
		t.Fatal(err)
	}
	tools, _ := store.ListToolsByServer(context.Background(), "srv-1")
	id := tools[0].ID

	tool, err := cat.Disable(context.Background(), id)
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if tool.Enabled {
		t.Error("tool still enabled after Disable")
	}
	if len(inval.tools) == 0 || inval.tools[len(inval.tools)-1] != id {
		t.Error("disable must invalidate the availability cache entry")
	}

	if _, err := cat.Enable(context.Background(), "missing"); !errs.IsCode(err, errs.CodeNotFound) {
		t.Fatalf("Enable(missing) err = %v, want not found", err)
	}
}
