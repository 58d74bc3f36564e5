package api

import (
	"net/http"
	"time"

	"github.com/triage-ai/warden/internal/catalog"
	"github.com/triage-ai/warden/internal/chread"
	"github.com/triage-ai/warden/internal/engine"
	"github.com/triage-ai/warden/internal/metrics"
	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/storage"
	"github.com/triage-ai/warden/internal/store"
	"github.com/triage-ai/warden/internal/supervisor"
	"go.uber.org/zap"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Store      *store.Store
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Catalog    *catalog.Catalog
	Engine     *engine.Engine
	Metrics    *metrics.Aggregator
	Writer     storage.EventWriter
	Reader     *chread.Reader // nil if ClickHouse unavailable
	Logger     *zap.Logger
	CacheTTL   time.Duration
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()
	auth := newAuthCache(deps.CacheTTL)

	// Caller surface (auth required via Bearer wsk_ token)
	mux.HandleFunc("POST /v1/access/check", deps.authMiddleware(auth, deps.handleCheckAccess))
	mux.HandleFunc("POST /v1/invocations", deps.authMiddleware(auth, deps.handleReportInvocation))

	// Server CRUD and lifecycle (no auth — dashboard auth added later)
	mux.HandleFunc("POST /api/warden/servers", deps.handleCreateServer)
	mux.HandleFunc("GET /api/warden/servers", deps.handleListServers)
	mux.HandleFunc("POST /api/warden/servers/bulk", deps.handleBulkOperation)
	mux.HandleFunc("GET /api/warden/servers/{server_id}", deps.handleGetServer)
	mux.HandleFunc("PATCH /api/warden/servers/{server_id}", deps.handleUpdateServer)
	mux.HandleFunc("DELETE /api/warden/servers/{server_id}", deps.handleDeleteServer)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/start", deps.handleStartServer)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/stop", deps.handleStopServer)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/restart", deps.handleRestartServer)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/enable", deps.handleEnableServer)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/disable", deps.handleDisableServer)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/health", deps.handleCheckServerHealth)
	mux.HandleFunc("GET /api/warden/servers/{server_id}/metrics", deps.handleServerMetrics)

	// Tool catalog (no auth)
	mux.HandleFunc("POST /api/warden/servers/{server_id}/tools/refresh", deps.handleRefreshTools)
	mux.HandleFunc("GET /api/warden/servers/{server_id}/tools", deps.handleListServerTools)
	mux.HandleFunc("POST /api/warden/tools/{tool_id}/enable", deps.handleEnableTool)
	mux.HandleFunc("POST /api/warden/tools/{tool_id}/disable", deps.handleDisableTool)

	// Permissions and role rules (no auth)
	mux.HandleFunc("POST /api/warden/permissions", deps.handleGrantPermission)
	mux.HandleFunc("PATCH /api/warden/permissions/{permission_id}", deps.handleUpdatePermission)
	mux.HandleFunc("DELETE /api/warden/permissions/{permission_id}", deps.handleRevokePermission)
	mux.HandleFunc("GET /api/warden/users/{user_id}/permissions", deps.handleListUserPermissions)
	mux.HandleFunc("POST /api/warden/roles/rules", deps.handleCreateRoleRule)
	mux.HandleFunc("GET /api/warden/roles/rules", deps.handleListRoleRules)

	// Caller key minting (no auth)
	mux.HandleFunc("POST /api/warden/callers", deps.handleCreateCallerKey)

	// Events & Analytics (no auth)
	mux.HandleFunc("GET /api/warden/events", deps.handleListEvents)
	mux.HandleFunc("GET /api/warden/events/{event_id}", deps.handleGetEvent)
	mux.HandleFunc("GET /api/warden/analytics", deps.handleGetAnalytics)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
