package engine

import "time"

// AccessLevel orders what a grant permits: none < read < execute < admin.
type AccessLevel string

const (
	LevelNone    AccessLevel = "none"
	LevelRead    AccessLevel = "read"
	LevelExecute AccessLevel = "execute"
	LevelAdmin   AccessLevel = "admin"
)

var levelRank = map[AccessLevel]int{
	LevelNone:    0,
	LevelRead:    1,
	LevelExecute: 2,
	LevelAdmin:   3,
}

func (l AccessLevel) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Covers reports whether l grants at least the required level.
func (l AccessLevel) Covers(required AccessLevel) bool {
	return levelRank[l] >= levelRank[required]
}

func morePermissive(a, b AccessLevel) bool {
	return levelRank[a] > levelRank[b]
}

// Reason is the single concrete code every decision carries.
type Reason string

const (
	ReasonAllowed              Reason = "allowed"
	ReasonToolUnavailable      Reason = "tool_unavailable"
	ReasonNoMatchingRule       Reason = "no_matching_rule"
	ReasonPermissionDenied     Reason = "permission_denied"
	ReasonOutsideAllowedWindow Reason = "outside_allowed_window"
	ReasonRateLimited          Reason = "rate_limited"
)

// Permission is a user-specific override. Target is either one tool (ToolID
// set) or a whole server (ServerID set, ToolID empty). A permission whose
// ExpiresAt lies in the past behaves exactly as if it did not exist; expiry
// is computed at read time, never swept.
type Permission struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	ToolID           string      `json:"tool_id,omitempty"`
	ServerID         string      `json:"server_id,omitempty"`
	Level            AccessLevel `json:"access_level"`
	RateLimitPerHour int         `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int         `json:"rate_limit_per_day,omitempty"`
	AllowedHours     []int       `json:"allowed_hours,omitempty"`
	AllowedDays      []int       `json:"allowed_days,omitempty"`
	ExpiresAt        *time.Time  `json:"expires_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Expired reports whether the permission is absent for resolution at now.
func (p *Permission) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// RoleRule is a role-wide default, consulted only when no user override
// applies. Target scope: exact tool (ToolID set), one server (ServerID set),
// or everything (both empty).
type RoleRule struct {
	ID               string      `json:"id"`
	Role             string      `json:"role"`
	ToolID           string      `json:"tool_id,omitempty"`
	ServerID         string      `json:"server_id,omitempty"`
	Level            AccessLevel `json:"access_level"`
	RateLimitPerHour int         `json:"rate_limit_per_hour,omitempty"`
	RateLimitPerDay  int         `json:"rate_limit_per_day,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// MatchKind says which resolution stage produced the grant.
type MatchKind string

const (
	MatchPermission MatchKind = "permission"
	MatchRoleRule   MatchKind = "role_rule"
)

// Match records the provenance of the grant a decision was based on.
type Match struct {
	Kind         MatchKind `json:"kind"`
	ID           string    `json:"id"`
	Role         string    `json:"role,omitempty"`
	ServerScoped bool      `json:"server_scoped,omitempty"`
}

// Decision is the outcome of one access check. Denials always carry a
// concrete Reason; Matched is nil only when no grant applied at all.
// ServerID names the checked tool's owning server when the tool is known.
// Remaining counts report counter headroom, -1 when unlimited or when the
// decision never reached the rate-limit stage.
type Decision struct {
	Allowed       bool        `json:"allowed"`
	Reason        Reason      `json:"reason"`
	Level         AccessLevel `json:"access_level,omitempty"`
	Matched       *Match      `json:"matched,omitempty"`
	ServerID      string      `json:"server_id,omitempty"`
	RemainingHour int         `json:"remaining_hour"`
	RemainingDay  int         `json:"remaining_day"`
}

// Availability is the structural view consulted before any permission lookup:
// does the tool exist, is it enabled and still advertised, and is its owning
// server administratively enabled.
type Availability struct {
	ToolID        string
	ServerID      string
	Known         bool
	ToolEnabled   bool
	ToolStale     bool
	ServerEnabled bool
}

// Usable reports whether access checks may proceed past the structural stage.
func (a *Availability) Usable() bool {
	return a != nil && a.Known && a.ToolEnabled && !a.ToolStale && a.ServerEnabled
}
