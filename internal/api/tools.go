package api

import (
	"net/http"

	"github.com/triage-ai/warden/internal/catalog"
)

func (d *Dependencies) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	diff, err := d.Catalog.Refresh(r.Context(), r.PathValue("server_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to refresh tools")
		return
	}
	writeJSON(w, http.StatusOK, RefreshResp{
		Added:    orEmpty(diff.Added),
		Stale:    orEmpty(diff.Stale),
		Restored: orEmpty(diff.Restored),
		Updated:  orEmpty(diff.Updated),
		Invalid:  orEmpty(diff.Invalid),
	})
}

func (d *Dependencies) handleListServerTools(w http.ResponseWriter, r *http.Request) {
	tools, err := d.Catalog.ListByServer(r.Context(), r.PathValue("server_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to list tools")
		return
	}

	resp := make([]ToolResp, 0, len(tools))
	for _, t := range tools {
		resp = append(resp, toolToResp(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleEnableTool(w http.ResponseWriter, r *http.Request) {
	tool, err := d.Catalog.Enable(r.Context(), r.PathValue("tool_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to enable tool")
		return
	}
	writeJSON(w, http.StatusOK, toolToResp(tool))
}

func (d *Dependencies) handleDisableTool(w http.ResponseWriter, r *http.Request) {
	tool, err := d.Catalog.Disable(r.Context(), r.PathValue("tool_id"))
	if err != nil {
		d.writeOpError(w, err, "Failed to disable tool")
		return
	}
	writeJSON(w, http.StatusOK, toolToResp(tool))
}

func toolToResp(t *catalog.Tool) ToolResp {
	return ToolResp{
		ID:          t.ID,
		ServerID:    t.ServerID,
		Name:        t.Name,
		Description: t.Description,
		Enabled:     t.Enabled,
		Stale:       t.Stale,
		InputSchema: t.InputSchema,
		Metadata:    t.Metadata,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func orEmpty(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
