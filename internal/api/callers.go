package api

import "net/http"

func (d *Dependencies) handleCreateCallerKey(w http.ResponseWriter, r *http.Request) {
	var req CreateCallerReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}

	caller, plainKey, err := d.Store.CreateCallerKey(r.Context(), req.Name, req.Roles)
	if err != nil {
		d.writeOpError(w, err, "Failed to create caller key")
		return
	}

	writeJSON(w, http.StatusCreated, CreateCallerResp{
		ID:        caller.ID,
		Name:      caller.Name,
		Key:       plainKey,
		KeyPrefix: caller.KeyPrefix,
		Roles:     caller.Roles,
		CreatedAt: caller.CreatedAt,
	})
}
