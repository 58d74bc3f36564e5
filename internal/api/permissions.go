package api

import (
	"database/sql"
	"net/http"

	"github.com/triage-ai/warden/internal/engine"
	"github.com/triage-ai/warden/internal/store"
)

func (d *Dependencies) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	var req GrantPermissionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "user_id is required"})
		return
	}
	if (req.ToolID == "") == (req.ServerID == "") {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "exactly one of tool_id and server_id must be set"})
		return
	}
	level := engine.AccessLevel(req.AccessLevel)
	if !level.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "access_level must be one of none, read, execute, admin"})
		return
	}
	if detail, ok := validateWindows(req.AllowedHours, req.AllowedDays); !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}
	if req.RateLimitPerHour < 0 || req.RateLimitPerDay < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "rate limits must be non-negative"})
		return
	}

	perm, err := d.Store.CreatePermission(r.Context(), store.CreatePermissionParams{
		UserID:           req.UserID,
		ToolID:           req.ToolID,
		ServerID:         req.ServerID,
		Level:            level,
		RateLimitPerHour: req.RateLimitPerHour,
		RateLimitPerDay:  req.RateLimitPerDay,
		AllowedHours:     req.AllowedHours,
		AllowedDays:      req.AllowedDays,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		d.writeOpError(w, err, "Failed to grant permission")
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

func (d *Dependencies) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	var req UpdatePermissionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	var level *engine.AccessLevel
	if req.AccessLevel != nil {
		l := engine.AccessLevel(*req.AccessLevel)
		if !l.Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "access_level must be one of none, read, execute, admin"})
			return
		}
		level = &l
	}
	if detail, ok := validateWindows(req.AllowedHours, req.AllowedDays); !ok {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: detail})
		return
	}

	perm, err := d.Store.UpdatePermission(r.Context(), r.PathValue("permission_id"), store.UpdatePermissionParams{
		Level:            level,
		RateLimitPerHour: req.RateLimitPerHour,
		RateLimitPerDay:  req.RateLimitPerDay,
		AllowedHours:     req.AllowedHours,
		AllowedDays:      req.AllowedDays,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		d.writeOpError(w, err, "Failed to update permission")
		return
	}
	if perm == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Permission not found."})
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (d *Dependencies) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	err := d.Store.DeletePermission(r.Context(), r.PathValue("permission_id"))
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Permission not found."})
		return
	}
	if err != nil {
		d.writeOpError(w, err, "Failed to revoke permission")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleListUserPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := d.Store.ListUserPermissions(r.Context(), r.PathValue("user_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to list permissions")
		return
	}
	if perms == nil {
		perms = []*engine.Permission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

func validateWindows(hours, days []int) (string, bool) {
	for _, h := range hours {
		if h < 0 || h > 23 {
			return "allowed_hours values must be 0-23", false
		}
	}
	for _, day := range days {
		if day < 0 || day > 6 {
			return "allowed_days values must be 0-6", false
		}
	}
	return "", true
}
