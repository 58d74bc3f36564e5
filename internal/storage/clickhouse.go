package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// ClickHouseWriter buffers events in memory and flushes them to ClickHouse in
// batches. Write() never blocks; if the buffer is full the event is dropped
// and a warning logged.
type ClickHouseWriter struct {
	conn    clickhouse.Conn
	logger  *zap.Logger
	buffer  chan *Event
	done    chan struct{}
	flushed chan struct{}
}

func NewClickHouseWriter(ctx context.Context, dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: open: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}

	w := &ClickHouseWriter{
		conn:    conn,
		logger:  logger,
		buffer:  make(chan *Event, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
	go w.flushLoop()
	return w, nil
}

// Write enqueues an event for the next flush. Never blocks.
func (w *ClickHouseWriter) Write(event *Event) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("event buffer full, dropping event",
			zap.String("event_id", event.EventID),
			zap.String("kind", string(event.Kind)))
	}
}

// Close stops the flush loop and waits for buffered events to drain.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	select {
	case <-w.flushed:
	case <-time.After(drainTimeout + time.Second):
		w.logger.Warn("timed out waiting for final flush")
	}
	w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.flush()
		case <-w.done:
			deadline := time.Now().Add(drainTimeout)
			for len(w.buffer) > 0 && time.Now().Before(deadline) {
				w.flush()
			}
			close(w.flushed)
			return
		}
	}
}

func (w *ClickHouseWriter) flush() {
	events := make([]*Event, 0, flushBatch)
	for len(events) < flushBatch {
		select {
		case ev := <-w.buffer:
			events = append(events, ev)
		default:
			goto collected
		}
	}
collected:
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `INSERT INTO warden_events (
		event_id, kind, timestamp,
		server_id, server_name, tool_id, tool_name, user_id,
		from_status, to_status, reason,
		decision, deny_reason, access_level, matched_kind, matched_id, roles,
		success, duration_ms, error, metadata
	)`)
	if err != nil {
		w.logger.Error("prepare batch failed", zap.Error(err), zap.Int("events", len(events)))
		return
	}

	for _, ev := range events {
		var success uint8
		if ev.Success {
			success = 1
		}
		roles := ev.Roles
		if roles == nil {
			roles = []string{}
		}
		metadata := ev.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		if err := batch.Append(
			ev.EventID,
			string(ev.Kind),
			ev.Timestamp,
			ev.ServerID,
			ev.ServerName,
			ev.ToolID,
			ev.ToolName,
			ev.UserID,
			ev.FromStatus,
			ev.ToStatus,
			ev.Reason,
			ev.Decision,
			ev.DenyReason,
			ev.AccessLevel,
			ev.MatchedKind,
			ev.MatchedID,
			roles,
			success,
			ev.DurationMs,
			ev.ErrorMsg,
			metadata,
		); err != nil {
			w.logger.Error("batch append failed", zap.Error(err), zap.String("event_id", ev.EventID))
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("batch send failed", zap.Error(err), zap.Int("events", len(events)))
		return
	}
	w.logger.Debug("flushed events", zap.Int("count", len(events)))
}

// LogWriter writes events to the application log. Used when ClickHouse is
// not configured.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *Event) {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("kind", string(event.Kind)),
	}
	switch event.Kind {
	case KindLifecycle:
		fields = append(fields,
			zap.String("server_id", event.ServerID),
			zap.String("from", event.FromStatus),
			zap.String("to", event.ToStatus),
			zap.String("reason", event.Reason))
	case KindAccessDecision:
		fields = append(fields,
			zap.String("user_id", event.UserID),
			zap.String("tool_name", event.ToolName),
			zap.String("decision", event.Decision),
			zap.String("deny_reason", event.DenyReason))
	case KindInvocation:
		fields = append(fields,
			zap.String("user_id", event.UserID),
			zap.String("tool_name", event.ToolName),
			zap.Bool("success", event.Success),
			zap.Float32("duration_ms", event.DurationMs))
	}
	w.logger.Info("warden event", fields...)
}

func (w *LogWriter) Close() {}
