package api

import (
	"net/http"

	"github.com/triage-ai/warden/internal/engine"
	"github.com/triage-ai/warden/internal/store"
)

func (d *Dependencies) handleCreateRoleRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRoleRuleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Role == "" || len(req.Role) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "role must be 1-255 characters"})
		return
	}
	if req.ToolID != "" && req.ServerID != "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_id and server_id are mutually exclusive"})
		return
	}
	level := engine.AccessLevel(req.AccessLevel)
	if !level.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "access_level must be one of none, read, execute, admin"})
		return
	}
	if req.RateLimitPerHour < 0 || req.RateLimitPerDay < 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "rate limits must be non-negative"})
		return
	}

	rule, err := d.Store.CreateRoleRule(r.Context(), store.CreateRoleRuleParams{
		Role:             req.Role,
		ToolID:           req.ToolID,
		ServerID:         req.ServerID,
		Level:            level,
		RateLimitPerHour: req.RateLimitPerHour,
		RateLimitPerDay:  req.RateLimitPerDay,
	})
	if err != nil {
		d.writeOpError(w, err, "Failed to create role rule")
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (d *Dependencies) handleListRoleRules(w http.ResponseWriter, r *http.Request) {
	rules, err := d.Store.ListRoleRules(r.Context(), r.URL.Query().Get("role"))
	if err != nil {
		d.writeOpError(w, err, "Failed to list role rules")
		return
	}
	if rules == nil {
		rules = []*engine.RoleRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}
