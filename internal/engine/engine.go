// Package engine decides tool access. Resolution is a fixed pipeline:
// structural availability, then the user-override stage, then the role-rule
// stage, then time windows, then rate limits. The ordering is an invariant;
// every denial names the stage that produced it.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/errs"
	"github.com/triage-ai/warden/internal/ratelimit"
)

// AvailabilitySource answers the structural stage. Implementations return a
// non-nil Availability with Known=false for unknown tools; errors are
// reserved for infrastructure failures.
type AvailabilitySource interface {
	ToolAvailability(ctx context.Context, toolID string) (*Availability, error)
}

// PermissionSource lists a user's overrides, expired ones included; expiry
// is applied here at resolution time.
type PermissionSource interface {
	ListUserPermissions(ctx context.Context, userID string) ([]*Permission, error)
}

// RuleSource lists the rules for a set of roles in stable order.
type RuleSource interface {
	ListRulesForRoles(ctx context.Context, roles []string) ([]*RoleRule, error)
}

// CheckRequest carries one access check. Required defaults to execute; Now
// defaults to the engine clock and exists so tests can pin the timestamp.
type CheckRequest struct {
	UserID   string
	Roles    []string
	ToolID   string
	Required AccessLevel
	Now      time.Time
}

type Engine struct {
	avail   AvailabilitySource
	perms   PermissionSource
	rules   RuleSource
	counter *ratelimit.Counter
	clk     clock.Clock
	logger  *zap.Logger
}

func New(avail AvailabilitySource, perms PermissionSource, rules RuleSource, counter *ratelimit.Counter, clk clock.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		avail:   avail,
		perms:   perms,
		rules:   rules,
		counter: counter,
		clk:     clk,
		logger:  logger,
	}
}

// grant is the effective policy of whichever stage matched.
type grant struct {
	level        AccessLevel
	hourLimit    int
	dayLimit     int
	allowedHours []int
	allowedDays  []int
}

// CheckAccess evaluates one request. Policy outcomes, denials included, are
// Decisions; the error return is for store failures and bad input only.
func (e *Engine) CheckAccess(ctx context.Context, req CheckRequest) (*Decision, error) {
	if req.UserID == "" {
		return nil, errs.Validation("user_id is required")
	}
	if req.ToolID == "" {
		return nil, errs.Validation("tool_id is required")
	}
	required := req.Required
	if required == "" {
		required = LevelExecute
	}
	if !required.Valid() {
		return nil, errs.Validation("invalid required level %q", required)
	}
	now := req.Now
	if now.IsZero() {
		now = e.clk.Now()
	}

	avail, err := e.avail.ToolAvailability(ctx, req.ToolID)
	if err != nil {
		return nil, fmt.Errorf("CheckAccess: availability: %w", err)
	}
	if !avail.Usable() {
		return deny(ReasonToolUnavailable, LevelNone, nil, avail.ServerID), nil
	}

	g, match, err := e.resolve(ctx, req.UserID, req.Roles, req.ToolID, avail.ServerID, now)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return deny(ReasonNoMatchingRule, LevelNone, nil, avail.ServerID), nil
	}
	if !g.level.Covers(required) {
		return deny(ReasonPermissionDenied, g.level, match, avail.ServerID), nil
	}
	if !windowAllows(g.allowedHours, g.allowedDays, now) {
		return deny(ReasonOutsideAllowedWindow, g.level, match, avail.ServerID), nil
	}

	res := e.counter.TryConsume(req.UserID, req.ToolID, g.hourLimit, g.dayLimit, now)
	if !res.Allowed {
		d := deny(ReasonRateLimited, g.level, match, avail.ServerID)
		d.RemainingHour = res.RemainingHour
		d.RemainingDay = res.RemainingDay
		return d, nil
	}

	return &Decision{
		Allowed:       true,
		Reason:        ReasonAllowed,
		Level:         g.level,
		Matched:       match,
		ServerID:      avail.ServerID,
		RemainingHour: res.RemainingHour,
		RemainingDay:  res.RemainingDay,
	}, nil
}

// resolve runs the two grant stages. The user-override stage returns early
// with any non-none override; role rules are never consulted when one exists.
func (e *Engine) resolve(ctx context.Context, userID string, roles []string, toolID, serverID string, now time.Time) (grant, *Match, error) {
	perms, err := e.perms.ListUserPermissions(ctx, userID)
	if err != nil {
		return grant{}, nil, fmt.Errorf("resolve: permissions: %w", err)
	}
	if p := pickOverride(perms, toolID, serverID, now); p != nil && p.Level != LevelNone {
		return grant{
				level:        p.Level,
				hourLimit:    p.RateLimitPerHour,
				dayLimit:     p.RateLimitPerDay,
				allowedHours: p.AllowedHours,
				allowedDays:  p.AllowedDays,
			}, &Match{
				Kind:         MatchPermission,
				ID:           p.ID,
				ServerScoped: p.ToolID == "",
			}, nil
	}

	if len(roles) == 0 {
		return grant{}, nil, nil
	}
	rules, err := e.rules.ListRulesForRoles(ctx, roles)
	if err != nil {
		return grant{}, nil, fmt.Errorf("resolve: rules: %w", err)
	}
	if r := pickRule(rules, toolID, serverID); r != nil {
		return grant{
				level:     r.Level,
				hourLimit: r.RateLimitPerHour,
				dayLimit:  r.RateLimitPerDay,
			}, &Match{
				Kind:         MatchRoleRule,
				ID:           r.ID,
				Role:         r.Role,
				ServerScoped: r.ToolID == "",
			}, nil
	}
	return grant{}, nil, nil
}

// pickOverride returns the most specific applicable non-expired override:
// any exact tool match beats any server-level match. A returned override
// with level none suppresses less specific overrides but not role rules.
func pickOverride(perms []*Permission, toolID, serverID string, now time.Time) *Permission {
	var exact, server *Permission
	for _, p := range perms {
		if p.Expired(now) {
			continue
		}
		switch {
		case p.ToolID == toolID && toolID != "":
			if exact == nil || morePermissive(p.Level, exact.Level) {
				exact = p
			}
		case p.ToolID == "" && p.ServerID == serverID && serverID != "":
			if server == nil || morePermissive(p.Level, server.Level) {
				server = p
			}
		}
	}
	if exact != nil {
		return exact
	}
	return server
}

// pickRule prefers exact tool matches over server or global wildcard matches;
// within a specificity tier the most permissive level wins.
func pickRule(rules []*RoleRule, toolID, serverID string) *RoleRule {
	var exact, broad *RoleRule
	for _, r := range rules {
		switch {
		case r.ToolID == toolID && toolID != "":
			if exact == nil || morePermissive(r.Level, exact.Level) {
				exact = r
			}
		case r.ToolID == "" && (r.ServerID == serverID || r.ServerID == ""):
			if broad == nil || morePermissive(r.Level, broad.Level) {
				broad = r
			}
		}
	}
	if exact != nil {
		return exact
	}
	return broad
}

// windowAllows checks allowed_hours and allowed_days in UTC; empty sets mean
// unrestricted. Days use Go's convention, Sunday = 0.
func windowAllows(hours, days []int, now time.Time) bool {
	t := now.UTC()
	if len(hours) > 0 && !containsInt(hours, t.Hour()) {
		return false
	}
	if len(days) > 0 && !containsInt(days, int(t.Weekday())) {
		return false
	}
	return true
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func deny(reason Reason, level AccessLevel, match *Match, serverID string) *Decision {
	return &Decision{
		Allowed:       false,
		Reason:        reason,
		Level:         level,
		Matched:       match,
		ServerID:      serverID,
		RemainingHour: -1,
		RemainingDay:  -1,
	}
}
