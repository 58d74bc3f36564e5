package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/warden/internal/engine"
	"github.com/triage-ai/warden/internal/storage"
)

// handleCheckAccess implements POST /v1/access/check.
// Auth middleware has already validated the Bearer token and injected the caller.
func (d *Dependencies) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req AccessCheckReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "user_id is required"})
		return
	}
	if req.ToolID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_id is required"})
		return
	}

	// Roles omitted from the body fall back to the caller key's role set.
	roles := req.Roles
	if len(roles) == 0 {
		if caller := callerFromContext(r.Context()); caller != nil {
			roles = caller.Roles
		}
	}

	checkReq := engine.CheckRequest{
		UserID:   req.UserID,
		Roles:    roles,
		ToolID:   req.ToolID,
		Required: engine.AccessLevel(req.RequiredLevel),
	}
	if req.Timestamp != nil {
		checkReq.Now = *req.Timestamp
	}

	dec, err := d.Engine.CheckAccess(r.Context(), checkReq)
	if err != nil {
		d.writeOpError(w, err, "Failed to evaluate access check")
		return
	}

	requestID := uuid.New().String()
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	// Fire-and-forget: write the decision to the audit pipeline
	d.writeDecisionEvent(req, roles, requestID, dec, float32(latencyMs))

	resp := AccessCheckResp{
		Allowed:       dec.Allowed,
		Reason:        string(dec.Reason),
		AccessLevel:   string(dec.Level),
		ServerID:      dec.ServerID,
		RemainingHour: dec.RemainingHour,
		RemainingDay:  dec.RemainingDay,
		RequestID:     requestID,
		LatencyMs:     latencyMs,
	}
	if dec.Matched != nil {
		resp.Matched = &MatchResp{
			Kind:         string(dec.Matched.Kind),
			ID:           dec.Matched.ID,
			Role:         dec.Matched.Role,
			ServerScoped: dec.Matched.ServerScoped,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeDecisionEvent builds an access-decision event and fires it to the
// async event pipeline.
func (d *Dependencies) writeDecisionEvent(req AccessCheckReq, roles []string, requestID string, dec *engine.Decision, latencyMs float32) {
	decision := "deny"
	if dec.Allowed {
		decision = "allow"
	}

	event := &storage.Event{
		EventID:     requestID,
		Kind:        storage.KindAccessDecision,
		Timestamp:   time.Now(),
		ServerID:    dec.ServerID,
		ToolID:      req.ToolID,
		UserID:      req.UserID,
		Roles:       roles,
		Decision:    decision,
		AccessLevel: string(dec.Level),
		DurationMs:  latencyMs,
	}
	if !dec.Allowed {
		event.DenyReason = string(dec.Reason)
	}
	if dec.Matched != nil {
		event.MatchedKind = string(dec.Matched.Kind)
		event.MatchedID = dec.Matched.ID
	}

	d.Writer.Write(event)
}

// handleReportInvocation implements POST /v1/invocations. The report is
// queued for the event pipeline and acknowledged before it lands anywhere.
func (d *Dependencies) handleReportInvocation(w http.ResponseWriter, r *http.Request) {
	var req InvocationReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ServerID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "server_id is required"})
		return
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}
	timestamp := time.Now()
	if req.Timestamp != nil {
		timestamp = *req.Timestamp
	}

	d.Writer.Write(&storage.Event{
		EventID:    eventID,
		Kind:       storage.KindInvocation,
		Timestamp:  timestamp,
		ServerID:   req.ServerID,
		ToolID:     req.ToolID,
		ToolName:   req.ToolName,
		UserID:     req.UserID,
		Success:    req.Success,
		DurationMs: req.DurationMs,
		ErrorMsg:   req.Error,
	})

	writeJSON(w, http.StatusAccepted, InvocationResp{EventID: eventID})
}
