package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/warden/internal/supervisor"
)

// --- POST /v1/access/check request/response ---

// AccessCheckReq is the JSON body for POST /v1/access/check. Roles default to
// the authenticated caller key's role set when omitted.
type AccessCheckReq struct {
	UserID        string     `json:"user_id"`
	Roles         []string   `json:"roles,omitempty"`
	ToolID        string     `json:"tool_id"`
	RequiredLevel string     `json:"required_level,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// MatchResp names the permission or role rule a decision was based on.
type MatchResp struct {
	Kind         string `json:"kind"`
	ID           string `json:"id"`
	Role         string `json:"role,omitempty"`
	ServerScoped bool   `json:"server_scoped,omitempty"`
}

// AccessCheckResp is the decision payload. Denials are 200s; the reason code
// distinguishes rate limiting from window violations from missing rules.
type AccessCheckResp struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason"`
	AccessLevel   string     `json:"access_level,omitempty"`
	ServerID      string     `json:"server_id,omitempty"`
	Matched       *MatchResp `json:"matched,omitempty"`
	RemainingHour int        `json:"remaining_hour"`
	RemainingDay  int        `json:"remaining_day"`
	RequestID     string     `json:"request_id"`
	LatencyMs     float64    `json:"latency_ms"`
}

// --- POST /v1/invocations ---

// InvocationReq reports one tool invocation outcome. EventID is the
// idempotency key; callers that retry reports should reuse it.
type InvocationReq struct {
	EventID    string     `json:"event_id,omitempty"`
	ServerID   string     `json:"server_id"`
	ToolID     string     `json:"tool_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	UserID     string     `json:"user_id,omitempty"`
	Success    bool       `json:"success"`
	DurationMs float32    `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// InvocationResp acknowledges an accepted invocation report.
type InvocationResp struct {
	EventID string `json:"event_id"`
}

// --- Server CRUD ---

// CreateServerReq is the JSON body for POST /api/warden/servers.
type CreateServerReq struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	HealthAddr  string            `json:"health_addr,omitempty"`
	Builtin     bool              `json:"builtin,omitempty"`
	AutoStart   bool              `json:"auto_start,omitempty"`
	AutoUpdate  bool              `json:"auto_update,omitempty"`
	MaxFailures int               `json:"max_failures,omitempty"`
}

// UpdateServerReq is the JSON body for PATCH /api/warden/servers/{id}.
// Omitted fields are left untouched.
type UpdateServerReq struct {
	DisplayName *string           `json:"display_name,omitempty"`
	Command     *string           `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	HealthAddr  *string           `json:"health_addr,omitempty"`
	AutoStart   *bool             `json:"auto_start,omitempty"`
	AutoUpdate  *bool             `json:"auto_update,omitempty"`
	MaxFailures *int              `json:"max_failures,omitempty"`
}

// ServerResp is the API view of a tool server.
type ServerResp struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	DisplayName         string            `json:"display_name"`
	Command             string            `json:"command,omitempty"`
	Args                []string          `json:"args"`
	Env                 map[string]string `json:"env"`
	HealthAddr          string            `json:"health_addr,omitempty"`
	Builtin             bool              `json:"builtin"`
	AutoStart           bool              `json:"auto_start"`
	AutoUpdate          bool              `json:"auto_update"`
	Status              string            `json:"status"`
	MaxFailures         int               `json:"max_failures"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	LastHealthCheckAt   *time.Time        `json:"last_health_check_at"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// --- Bulk lifecycle ---

// BulkReq is the JSON body for POST /api/warden/servers/bulk.
type BulkReq struct {
	Op        string   `json:"op"`
	ServerIDs []string `json:"server_ids"`
}

// BulkResp maps server id to its individual outcome. The call is never
// atomic across the set.
type BulkResp struct {
	Outcomes map[string]supervisor.BulkOutcome `json:"outcomes"`
}

// --- Tools ---

// ToolResp is the API view of a catalog tool.
type ToolResp struct {
	ID          string            `json:"id"`
	ServerID    string            `json:"server_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	Stale       bool              `json:"stale"`
	InputSchema json.RawMessage   `json:"input_schema,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// RefreshResp summarizes one catalog refresh; all slices hold tool names.
type RefreshResp struct {
	Added    []string `json:"added"`
	Stale    []string `json:"stale"`
	Restored []string `json:"restored"`
	Updated  []string `json:"updated"`
	Invalid  []string `json:"invalid"`
}

// --- Permissions ---

// GrantPermissionReq is the JSON body for POST /api/warden/permissions.
// Exactly one of tool_id and server_id must be set.
type GrantPermissionReq struct {
	UserID           string     `json:"user_id"`
	ToolID           string     `json:"tool_id,omitempty"`
	ServerID         string     `json:"server_id,omitempty"`
	AccessLevel      string     `json:"access_level"`
	RateLimitPerHour int        `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int        `json:"rate_limit_per_day,omitempty"`
	AllowedHours     []int      `json:"allowed_hours,omitempty"`
	AllowedDays      []int      `json:"allowed_days,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// UpdatePermissionReq is the JSON body for PATCH /api/warden/permissions/{id}.
// Omitted fields are left untouched; empty window arrays clear the window.
type UpdatePermissionReq struct {
	AccessLevel      *string    `json:"access_level,omitempty"`
	RateLimitPerHour *int       `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  *int       `json:"rate_limit_per_day,omitempty"`
	AllowedHours     []int      `json:"allowed_hours,omitempty"`
	AllowedDays      []int      `json:"allowed_days,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// --- Role rules ---

// CreateRoleRuleReq is the JSON body for POST /api/warden/roles/rules.
// An empty target grants the role access to every tool.
type CreateRoleRuleReq struct {
	Role             string `json:"role"`
	ToolID           string `json:"tool_id,omitempty"`
	ServerID         string `json:"server_id,omitempty"`
	AccessLevel      string `json:"access_level"`
	RateLimitPerHour int    `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int    `json:"rate_limit_per_day,omitempty"`
}

// --- Caller keys ---

// CreateCallerReq is the JSON body for POST /api/warden/callers.
type CreateCallerReq struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles,omitempty"`
}

// CreateCallerResp includes the plaintext caller key (shown once).
type CreateCallerResp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Key       string    `json:"key"`
	KeyPrefix string    `json:"key_prefix"`
	Roles     []string  `json:"roles"`
	CreatedAt time.Time `json:"created_at"`
}

// --- Events ---

// EventResp is the API view of one audit event.
type EventResp struct {
	EventID     string            `json:"event_id"`
	Kind        string            `json:"kind"`
	Timestamp   time.Time         `json:"timestamp"`
	ServerID    string            `json:"server_id,omitempty"`
	ServerName  string            `json:"server_name,omitempty"`
	ToolID      string            `json:"tool_id,omitempty"`
	ToolName    string            `json:"tool_name,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	FromStatus  string            `json:"from_status,omitempty"`
	ToStatus    string            `json:"to_status,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Decision    string            `json:"decision,omitempty"`
	DenyReason  string            `json:"deny_reason,omitempty"`
	AccessLevel string            `json:"access_level,omitempty"`
	MatchedKind string            `json:"matched_kind,omitempty"`
	MatchedID   string            `json:"matched_id,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Success     bool              `json:"success"`
	DurationMs  float32           `json:"duration_ms,omitempty"`
	Error       string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EventListResp is a page of audit events.
type EventListResp struct {
	Events   []EventResp `json:"events"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// ErrorResp is a standard error response body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
