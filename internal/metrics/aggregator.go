// Package metrics aggregates the event stream into per-server statistics:
// call and error totals, a bounded window of recent response times, access
// decision counts, and uptime derived from lifecycle transitions.
package metrics

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/clock"
	"github.com/triage-ai/warden/internal/registry"
	"github.com/triage-ai/warden/internal/storage"
)

const (
	// DefaultRecentSamples bounds the response-time window per server.
	DefaultRecentSamples = 100

	// seenCap bounds the duplicate-suppression set. Event ids are evicted
	// FIFO; duplicates arriving more than seenCap events apart are counted
	// twice, which analytics tolerates.
	seenCap = 8192
)

// Snapshot is a point-in-time view of one server's statistics.
type Snapshot struct {
	ServerID      string     `json:"server_id"`
	TotalCalls    uint64     `json:"total_calls"`
	TotalErrors   uint64     `json:"total_errors"`
	SuccessRate   float64    `json:"success_rate"`
	AvgResponseMs float64    `json:"avg_response_ms"`
	SampleCount   int        `json:"sample_count"`
	UptimePercent float64    `json:"uptime_percent"`
	AccessAllowed uint64     `json:"access_allowed"`
	AccessDenied  uint64     `json:"access_denied"`
	LastStatus    string     `json:"last_status,omitempty"`
	ObservedSince *time.Time `json:"observed_since,omitempty"`
}

// Aggregator is an EventWriter sink. Events may arrive duplicated or out of
// order; duplicate event ids are dropped and stale lifecycle transitions are
// skipped rather than double counted.
type Aggregator struct {
	clk    clock.Clock
	logger *zap.Logger
	window int

	mu       sync.Mutex
	servers  map[string]*serverStats
	seen     map[string]struct{}
	seenRing []string
	seenPos  int
}

type serverStats struct {
	totalCalls  uint64
	totalErrors uint64

	samples []float32
	next    int
	filled  int

	accessAllowed uint64
	accessDenied  uint64

	// Uptime accounting starts at the first lifecycle event observed for
	// the server; time before that is unknown and excluded.
	hasLifecycle   bool
	observedAt     time.Time
	lastTransition time.Time
	lastStatus     string
	servingNow     bool
	servingDur     time.Duration
	downDur        time.Duration
}

func NewAggregator(recentSamples int, clk clock.Clock, logger *zap.Logger) *Aggregator {
	if recentSamples <= 0 {
		recentSamples = DefaultRecentSamples
	}
	return &Aggregator{
		clk:      clk,
		logger:   logger,
		window:   recentSamples,
		servers:  make(map[string]*serverStats),
		seen:     make(map[string]struct{}),
		seenRing: make([]string, seenCap),
	}
}

// Write consumes one event. Never blocks beyond a short mutex hold.
func (a *Aggregator) Write(event *storage.Event) {
	if event.ServerID == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.EventID != "" {
		if _, dup := a.seen[event.EventID]; dup {
			return
		}
		a.remember(event.EventID)
	}

	switch event.Kind {
	case storage.KindInvocation:
		a.recordInvocation(event)
	case storage.KindAccessDecision:
		a.recordDecision(event)
	case storage.KindLifecycle:
		a.recordTransition(event)
	}
}

// Close implements EventWriter. The aggregator holds no external resources.
func (a *Aggregator) Close() {}

// Snapshot returns current statistics for a server. Unknown servers yield an
// empty snapshot rather than an error; existence checks belong to the caller.
func (a *Aggregator) Snapshot(serverID string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.servers[serverID]
	if !ok {
		s = &serverStats{}
	}

	snap := Snapshot{
		ServerID:      serverID,
		TotalCalls:    s.totalCalls,
		TotalErrors:   s.totalErrors,
		SuccessRate:   1,
		SampleCount:   s.filled,
		AccessAllowed: s.accessAllowed,
		AccessDenied:  s.accessDenied,
		LastStatus:    s.lastStatus,
	}
	if s.totalCalls > 0 {
		snap.SuccessRate = 1 - float64(s.totalErrors)/float64(s.totalCalls)
	}
	if s.filled > 0 {
		var sum float64
		for i := 0; i < s.filled; i++ {
			sum += float64(s.samples[i])
		}
		snap.AvgResponseMs = sum / float64(s.filled)
	}
	if s.hasLifecycle {
		observed := s.observedAt
		snap.ObservedSince = &observed

		serving, down := s.servingDur, s.downDur
		if now := a.clk.Now(); now.After(s.lastTransition) {
			if s.servingNow {
				serving += now.Sub(s.lastTransition)
			} else {
				down += now.Sub(s.lastTransition)
			}
		}
		if total := serving + down; total > 0 {
			snap.UptimePercent = float64(serving) / float64(total) * 100
		}
	}
	return snap
}

// Forget drops all state for a server. Called after server deletion.
func (a *Aggregator) Forget(serverID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.servers, serverID)
}

func (a *Aggregator) stats(serverID string) *serverStats {
	s, ok := a.servers[serverID]
	if !ok {
		s = &serverStats{samples: make([]float32, a.window)}
		a.servers[serverID] = s
	}
	return s
}

func (a *Aggregator) remember(eventID string) {
	if old := a.seenRing[a.seenPos]; old != "" {
		delete(a.seen, old)
	}
	a.seenRing[a.seenPos] = eventID
	a.seen[eventID] = struct{}{}
	a.seenPos = (a.seenPos + 1) % seenCap
}

func (a *Aggregator) recordInvocation(event *storage.Event) {
	s := a.stats(event.ServerID)
	s.totalCalls++
	if !event.Success {
		s.totalErrors++
	}
	if event.DurationMs > 0 {
		s.samples[s.next] = event.DurationMs
		s.next = (s.next + 1) % a.window
		if s.filled < a.window {
			s.filled++
		}
	}
}

func (a *Aggregator) recordDecision(event *storage.Event) {
	s := a.stats(event.ServerID)
	if event.Decision == "allow" {
		s.accessAllowed++
	} else {
		s.accessDenied++
	}
}

func (a *Aggregator) recordTransition(event *storage.Event) {
	s := a.stats(event.ServerID)
	if !s.hasLifecycle {
		s.hasLifecycle = true
		s.observedAt = event.Timestamp
		s.lastTransition = event.Timestamp
		s.lastStatus = event.ToStatus
		s.servingNow = registry.Status(event.ToStatus).Serving()
		return
	}
	if event.Timestamp.Before(s.lastTransition) {
		// Stale transition; the interval it describes is already accounted.
		a.logger.Debug("skipping stale lifecycle event",
			zap.String("server_id", event.ServerID),
			zap.String("event_id", event.EventID),
			zap.Time("event_ts", event.Timestamp))
		return
	}
	delta := event.Timestamp.Sub(s.lastTransition)
	if s.servingNow {
		s.servingDur += delta
	} else {
		s.downDur += delta
	}
	s.lastTransition = event.Timestamp
	s.lastStatus = event.ToStatus
	s.servingNow = registry.Status(event.ToStatus).Serving()
}
