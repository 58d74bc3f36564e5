package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/errs"
	"github.com/triage-ai/warden/internal/registry"
)

// HealthReport is the outcome of one probe, on-demand or scheduled.
type HealthReport struct {
	ServerID            string          `json:"server_id"`
	Healthy             bool            `json:"healthy"`
	Status              registry.Status `json:"status"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CheckedAt           time.Time       `json:"checked_at"`
	Error               string          `json:"error,omitempty"`
}

// CheckHealth probes one server immediately. The probe runs under the
// server's operation slot and participates in failure accounting exactly like
// a scheduled probe, auto-disable included. The triggering call still returns
// a report, not an error, when the probe itself fails.
func (s *Supervisor) CheckHealth(ctx context.Context, id string) (*HealthReport, error) {
	entry, err := s.acquire(id, opHealth)
	if err != nil {
		return nil, err
	}
	defer entry.release()

	server, err := s.getServer(ctx, id)
	if err != nil {
		return nil, err
	}
	if !server.Status.Serving() {
		return nil, errs.InvalidState("server %s is %s, nothing to probe", id, server.Status)
	}
	return s.probeLocked(ctx, entry, server)
}

// StartMonitor launches the periodic health sweep. Stopped by Close.
func (s *Supervisor) StartMonitor() {
	go func() {
		ticker := s.clk.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(context.Background())
			case <-s.monitorDone:
				return
			}
		}
	}()
}

// sweep probes every serving server once. A server busy with an in-flight
// operation loses the race and is skipped this cycle, never queued behind it.
func (s *Supervisor) sweep(ctx context.Context) {
	servers, err := s.store.ListServers(ctx, registry.ServerFilter{})
	if err != nil {
		s.logger.Warn("health sweep: listing servers", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, server := range servers {
		if !server.Status.Serving() {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			entry := s.entry(id)
			if !entry.op.TryLock() {
				return
			}
			entry.begin(opHealth)
			defer entry.release()

			// Re-read under the slot; the listing ran before we held it.
			fresh, err := s.getServer(ctx, id)
			if err != nil || !fresh.Status.Serving() {
				return
			}
			if _, err := s.probeLocked(ctx, entry, fresh); err != nil {
				s.logger.Error("health sweep: probe bookkeeping",
					zap.String("server_id", id),
					zap.Error(err))
			}
		}(server.ID)
	}
	wg.Wait()
}

// probeLocked runs one probe and applies the accounting: success resets
// consecutive_failures and restores running; failure increments it and
// degrades; reaching max_failures fails the server and immediately disables
// it. Caller holds the operation slot.
func (s *Supervisor) probeLocked(ctx context.Context, entry *serverEntry, server *registry.ToolServer) (*HealthReport, error) {
	now := s.clk.Now()
	probeErr := s.probe(ctx, entry)

	report := &HealthReport{ServerID: server.ID, CheckedAt: now}

	if probeErr == nil {
		zero := 0
		if err := s.transition(ctx, server, registry.StatusRunning, "probe_ok", &zero, &now); err != nil {
			return nil, err
		}
		report.Healthy = true
		report.Status = server.Status
		return report, nil
	}

	report.Error = probeErr.Error()
	failures := server.ConsecutiveFailures + 1
	report.ConsecutiveFailures = failures

	if server.MaxFailures > 0 && failures >= server.MaxFailures {
		if err := s.transition(ctx, server, registry.StatusFailed, "probe_failed", &failures, &now); err != nil {
			return nil, err
		}
		if h := entry.getHandle(); h != nil {
			s.terminate(ctx, server, h)
			entry.setHandle(nil)
		}
		if err := s.transition(ctx, server, registry.StatusDisabled, "max_failures_exceeded", nil, nil); err != nil {
			return nil, err
		}
		s.logger.Warn("server auto-disabled after consecutive probe failures",
			zap.String("server_id", server.ID),
			zap.String("server", server.Name),
			zap.Int("failures", failures))
		report.Status = server.Status
		return report, nil
	}

	if err := s.transition(ctx, server, registry.StatusDegraded, "probe_failed", &failures, &now); err != nil {
		return nil, err
	}
	report.Status = server.Status
	return report, nil
}

// probe runs the handle's health call under the probe timeout. A missing
// handle counts as a failed probe.
func (s *Supervisor) probe(ctx context.Context, entry *serverEntry) error {
	h := entry.getHandle()
	if h == nil {
		return errors.New("no live process handle")
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()
	err := h.Probe(pctx)
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) {
		return errs.ProbeTimeout("health probe deadline exceeded", err)
	}
	return err
}
