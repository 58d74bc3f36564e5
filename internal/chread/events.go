package chread

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse warden_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}

	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow represents a single row from the warden_events table.
type EventRow struct {
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
	Success     uint8             `json:"success"`
	DurationMs  float32           `json:"duration_ms,omitempty"`
	ErrorMsg    string            `json:"error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

const eventColumns = "event_id, kind, timestamp, " +
	"server_id, server_name, tool_id, tool_name, user_id, " +
	"from_status, to_status, reason, " +
	"decision, deny_reason, access_level, matched_kind, matched_id, roles, " +
	"success, duration_ms, error, metadata"

func scanEventRow(scan func(dest ...any) error) (*EventRow, error) {
	var e EventRow
	err := scan(
		&e.EventID, &e.Kind, &e.Timestamp,
		&e.ServerID, &e.ServerName, &e.ToolID, &e.ToolName, &e.UserID,
		&e.FromStatus, &e.ToStatus, &e.Reason,
		&e.Decision, &e.DenyReason, &e.AccessLevel, &e.MatchedKind, &e.MatchedID, &e.Roles,
		&e.Success, &e.DurationMs, &e.ErrorMsg, &e.Metadata,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	ServerID   *string
	UserID     *string
	Kind       *string
	Decision   *string
	DenyReason *string
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// ListEvents returns paginated, filtered events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	var conditions []string
	var args []any

	if params.ServerID != nil {
		conditions = append(conditions, "server_id = @server_id")
		args = append(args, clickhouse.Named("server_id", *params.ServerID))
	}
	if params.UserID != nil {
		conditions = append(conditions, "user_id = @user_id")
		args = append(args, clickhouse.Named("user_id", *params.UserID))
	}
	if params.Kind != nil {
		conditions = append(conditions, "kind = @kind")
		args = append(args, clickhouse.Named("kind", *params.Kind))
	}
	if params.Decision != nil {
		conditions = append(conditions, "decision = @decision")
		args = append(args, clickhouse.Named("decision", *params.Decision))
	}
	if params.DenyReason != nil {
		conditions = append(conditions, "deny_reason = @deny_reason")
		args = append(args, clickhouse.Named("deny_reason", *params.DenyReason))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := "1 = 1"
	if len(conditions) > 0 {
		where = strings.Join(conditions, " AND ")
	}
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM warden_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM warden_events WHERE %s "+
			"ORDER BY timestamp DESC "+
			"LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		e, err := scanEventRow(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, *e)
	}

	return events, int(total), rows.Err()
}

// GetEvent returns a single event by id, or nil if not found.
func (r *Reader) GetEvent(ctx context.Context, eventID string) (*EventRow, error) {
	row := r.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM warden_events WHERE event_id = @event_id", eventColumns),
		clickhouse.Named("event_id", eventID),
	)

	e, err := scanEventRow(row.Scan)
	if err != nil {
		// ClickHouse doesn't return sql.ErrNoRows, so check for empty result
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	if e.EventID == "" {
		return nil, nil
	}
	return e, nil
}

// SummaryStats holds aggregate counts.
type SummaryStats struct {
	TotalEvents      int `json:"total_events"`
	Decisions        int `json:"decisions"`
	Allows           int `json:"allows"`
	Denies           int `json:"denies"`
	Invocations      int `json:"invocations"`
	InvocationErrors int `json:"invocation_errors"`
}

// TimeSeriesBucket holds an hourly count.
type TimeSeriesBucket struct {
	Hour  string `json:"hour"`
	Count int    `json:"count"`
}

// ReasonCount holds a deny reason and its count.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// LatencyStats holds invocation latency percentiles.
type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// UserCount holds a user_id and its count.
type UserCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	DeniesOverTime     []TimeSeriesBucket `json:"denies_over_time"`
	DenyReasons        []ReasonCount      `json:"deny_reasons"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
	TopDeniedUsers     []UserCount        `json:"top_denied_users"`
}

// GetAnalytics returns aggregated analytics over the given number of days,
// optionally scoped to one server.
func (r *Reader) GetAnalytics(ctx context.Context, serverID string, days int) (*AnalyticsResult, error) {
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	scope := ""
	baseArgs := []any{
		clickhouse.Named("range_start", rangeStart),
	}
	if serverID != "" {
		scope = " AND server_id = @server_id"
		baseArgs = append(baseArgs, clickhouse.Named("server_id", serverID))
	}

	result := &AnalyticsResult{}

	// Summary counts
	var total, decisions, allows, denies, invocations, invErrors uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count() as total, "+
			"countIf(kind = 'access_decision') as decisions, "+
			"countIf(kind = 'access_decision' AND decision = 'allow') as allows, "+
			"countIf(kind = 'access_decision' AND decision = 'deny') as denies, "+
			"countIf(kind = 'invocation') as invocations, "+
			"countIf(kind = 'invocation' AND success = 0) as invocation_errors "+
			"FROM warden_events "+
			"WHERE timestamp >= @range_start"+scope,
		baseArgs...,
	).Scan(&total, &decisions, &allows, &denies, &invocations, &invErrors)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalEvents:      int(total),
		Decisions:        int(decisions),
		Allows:           int(allows),
		Denies:           int(denies),
		Invocations:      int(invocations),
		InvocationErrors: int(invErrors),
	}

	// Denies over time (hourly)
	dotRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) as hour, count() as count "+
			"FROM warden_events "+
			"WHERE kind = 'access_decision' AND decision = 'deny' "+
			"AND timestamp >= @range_start"+scope+" "+
			"GROUP BY hour ORDER BY hour",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics denies_over_time: %w", err)
	}
	defer func() { _ = dotRows.Close() }()
	for dotRows.Next() {
		var hour time.Time
		var count uint64
		if err := dotRows.Scan(&hour, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics denies_over_time scan: %w", err)
		}
		result.DeniesOverTime = append(result.DeniesOverTime, TimeSeriesBucket{
			Hour:  hour.Format(time.RFC3339),
			Count: int(count),
		})
	}

	// Deny reason breakdown
	reasonRows, err := r.conn.Query(ctx,
		"SELECT deny_reason, count() as count "+
			"FROM warden_events "+
			"WHERE kind = 'access_decision' AND decision = 'deny' "+
			"AND timestamp >= @range_start"+scope+" "+
			"GROUP BY deny_reason ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics deny_reasons: %w", err)
	}
	defer func() { _ = reasonRows.Close() }()
	for reasonRows.Next() {
		var reason string
		var count uint64
		if err := reasonRows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics deny_reasons scan: %w", err)
		}
		result.DenyReasons = append(result.DenyReasons, ReasonCount{
			Reason: reason, Count: int(count),
		})
	}

	// Invocation latency percentiles (last 24h)
	var p50, p95, p99 float64
	latencyArgs := []any{clickhouse.Named("day_start", dayStart)}
	if serverID != "" {
		latencyArgs = append(latencyArgs, clickhouse.Named("server_id", serverID))
	}
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(duration_ms) as p50, "+
			"quantile(0.95)(duration_ms) as p95, "+
			"quantile(0.99)(duration_ms) as p99 "+
			"FROM warden_events "+
			"WHERE kind = 'invocation' AND timestamp >= @day_start"+scope,
		latencyArgs...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{
		P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99),
	}

	// Top denied users
	userRows, err := r.conn.Query(ctx,
		"SELECT user_id, count() as count "+
			"FROM warden_events "+
			"WHERE kind = 'access_decision' AND decision = 'deny' "+
			"AND user_id != '' AND timestamp >= @range_start"+scope+" "+
			"GROUP BY user_id ORDER BY count DESC LIMIT 10",
		baseArgs...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_users: %w", err)
	}
	defer func() { _ = userRows.Close() }()
	for userRows.Next() {
		var uid string
		var count uint64
		if err := userRows.Scan(&uid, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_users scan: %w", err)
		}
		result.TopDeniedUsers = append(result.TopDeniedUsers, UserCount{
			UserID: uid, Count: int(count),
		})
	}

	// Ensure slices are non-nil for JSON serialization
	if result.DeniesOverTime == nil {
		result.DeniesOverTime = []TimeSeriesBucket{}
	}
	if result.DenyReasons == nil {
		result.DenyReasons = []ReasonCount{}
	}
	if result.TopDeniedUsers == nil {
		result.TopDeniedUsers = []UserCount{}
	}

	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
