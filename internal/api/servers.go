package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/supervisor"
)

func (d *Dependencies) handleCreateServer(w http.ResponseWriter, r *http.Request) {
	var req CreateServerReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	srv, err := d.Registry.Create(r.Context(), registry.CreateParams{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		HealthAddr:  req.HealthAddr,
		Builtin:     req.Builtin,
		AutoStart:   req.AutoStart,
		AutoUpdate:  req.AutoUpdate,
		MaxFailures: req.MaxFailures,
	})
	if err != nil {
		d.writeOpError(w, err, "Failed to create server")
		return
	}
	writeJSON(w, http.StatusCreated, serverToResp(srv))
}

func (d *Dependencies) handleListServers(w http.ResponseWriter, r *http.Request) {
	var filter registry.ServerFilter
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := registry.Status(v)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid status filter"})
			return
		}
		filter.Status = &status
	}
	if v := q.Get("builtin"); v != "" {
		b := v == "true" || v == "1"
		filter.Builtin = &b
	}

	servers, err := d.Registry.List(r.Context(), filter)
	if err != nil {
		d.writeOpError(w, err, "Failed to list servers")
		return
	}

	resp := make([]ServerResp, 0, len(servers))
	for _, srv := range servers {
		resp = append(resp, serverToResp(srv))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetServer(w http.ResponseWriter, r *http.Request) {
	srv, err := d.Registry.Get(r.Context(), r.PathValue("server_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to get server")
		return
	}
	writeJSON(w, http.StatusOK, serverToResp(srv))
}

func (d *Dependencies) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	var req UpdateServerReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	srv, err := d.Registry.Update(r.Context(), r.PathValue("server_id"), registry.ServerUpdate{
		DisplayName: req.DisplayName,
		Command:     req.Command,
		Args:        req.Args,
		Env:         req.Env,
		HealthAddr:  req.HealthAddr,
		AutoStart:   req.AutoStart,
		AutoUpdate:  req.AutoUpdate,
		MaxFailures: req.MaxFailures,
	})
	if err != nil {
		d.writeOpError(w, err, "Failed to update server")
		return
	}
	writeJSON(w, http.StatusOK, serverToResp(srv))
}

func (d *Dependencies) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := d.Supervisor.Delete(r.Context(), r.PathValue("server_id"), force); err != nil {
		d.writeOpError(w, err, "Failed to delete server")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Lifecycle ---

func (d *Dependencies) handleStartServer(w http.ResponseWriter, r *http.Request) {
	d.lifecycleOp(w, r, d.Supervisor.Start, "Failed to start server")
}

func (d *Dependencies) handleStopServer(w http.ResponseWriter, r *http.Request) {
	d.lifecycleOp(w, r, d.Supervisor.Stop, "Failed to stop server")
}

func (d *Dependencies) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	d.lifecycleOp(w, r, d.Supervisor.Restart, "Failed to restart server")
}

func (d *Dependencies) handleEnableServer(w http.ResponseWriter, r *http.Request) {
	d.lifecycleOp(w, r, d.Supervisor.Enable, "Failed to enable server")
}

func (d *Dependencies) handleDisableServer(w http.ResponseWriter, r *http.Request) {
	d.lifecycleOp(w, r, d.Supervisor.Disable, "Failed to disable server")
}

// lifecycleOp runs one supervisor verb and responds with the refreshed record.
func (d *Dependencies) lifecycleOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error, msg string) {
	id := r.PathValue("server_id")
	if err := op(r.Context(), id); err != nil {
		d.writeOpError(w, err, msg)
		return
	}
	srv, err := d.Registry.Get(r.Context(), id)
	if err != nil {
		d.writeOpError(w, err, msg)
		return
	}
	writeJSON(w, http.StatusOK, serverToResp(srv))
}

func (d *Dependencies) handleBulkOperation(w http.ResponseWriter, r *http.Request) {
	var req BulkReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if len(req.ServerIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "server_ids must be non-empty"})
		return
	}

	outcomes, err := d.Supervisor.Bulk(r.Context(), supervisor.Op(req.Op), req.ServerIDs)
	if err != nil {
		d.writeOpError(w, err, "Failed to apply bulk operation")
		return
	}
	writeJSON(w, http.StatusOK, BulkResp{Outcomes: outcomes})
}

func (d *Dependencies) handleCheckServerHealth(w http.ResponseWriter, r *http.Request) {
	report, err := d.Supervisor.CheckHealth(r.Context(), r.PathValue("server_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to check server health")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (d *Dependencies) handleServerMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("server_id")
	if _, err := d.Registry.Get(r.Context(), id); err != nil {
		d.writeOpError(w, err, "Failed to get server metrics")
		return
	}
	writeJSON(w, http.StatusOK, d.Metrics.Snapshot(id))
}

func serverToResp(srv *registry.ToolServer) ServerResp {
	return ServerResp{
		ID:                  srv.ID,
		Name:                srv.Name,
		DisplayName:         srv.DisplayName,
		Command:             srv.Command,
		Args:                srv.Args,
		Env:                 srv.Env,
		HealthAddr:          srv.HealthAddr,
		Builtin:             srv.Builtin,
		AutoStart:           srv.AutoStart,
		AutoUpdate:          srv.AutoUpdate,
		Status:              string(srv.Status),
		MaxFailures:         srv.MaxFailures,
		ConsecutiveFailures: srv.ConsecutiveFailures,
		LastHealthCheckAt:   srv.LastHealthCheckAt,
		CreatedAt:           srv.CreatedAt,
		UpdatedAt:           srv.UpdatedAt,
	}
}
