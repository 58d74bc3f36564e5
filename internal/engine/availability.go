package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/warden/internal/clock"
)

const refreshTimeout = 5 * time.Second

// AvailabilityCache is a TTL-based stale-while-revalidate cache in front of
// an AvailabilitySource. Uses sync.Map for lock-free reads on the hot path.
// Negative results (unknown tools) are cached like any other entry. Catalog
// and supervisor mutations call the Invalidate methods to drop entries early.
type AvailabilityCache struct {
	src    AvailabilitySource
	ttl    time.Duration
	clk    clock.Clock
	logger *zap.Logger
	store  sync.Map // map[string]*availEntry
}

type availEntry struct {
	avail      *Availability
	expiresAt  time.Time
	refreshing atomic.Bool
}

func NewAvailabilityCache(src AvailabilitySource, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *AvailabilityCache {
	return &AvailabilityCache{
		src:    src,
		ttl:    ttl,
		clk:    clk,
		logger: logger,
	}
}

// ToolAvailability serves from cache when possible. A stale hit is returned
// as-is while at most one goroutine refreshes it in the background; only a
// full miss blocks on the source.
func (c *AvailabilityCache) ToolAvailability(ctx context.Context, toolID string) (*Availability, error) {
	if val, ok := c.store.Load(toolID); ok {
		entry := val.(*availEntry)
		if c.clk.Now().Before(entry.expiresAt) {
			return entry.avail, nil
		}
		if entry.refreshing.CompareAndSwap(false, true) {
			go c.refresh(toolID)
		}
		return entry.avail, nil
	}

	avail, err := c.src.ToolAvailability(ctx, toolID)
	if err != nil {
		return nil, err
	}
	c.set(toolID, avail)
	return avail, nil
}

func (c *AvailabilityCache) refresh(toolID string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	avail, err := c.src.ToolAvailability(ctx, toolID)
	if err != nil {
		c.logger.Warn("availability refresh failed",
			zap.String("tool_id", toolID),
			zap.Error(err))
		// Release the claim so a later lookup retries; the stale entry
		// keeps serving in the meantime.
		if val, ok := c.store.Load(toolID); ok {
			val.(*availEntry).refreshing.Store(false)
		}
		return
	}
	c.set(toolID, avail)
}

func (c *AvailabilityCache) set(toolID string, avail *Availability) {
	c.store.Store(toolID, &availEntry{
		avail:     avail,
		expiresAt: c.clk.Now().Add(c.ttl),
	})
}

// InvalidateTool drops one entry.
func (c *AvailabilityCache) InvalidateTool(toolID string) {
	c.store.Delete(toolID)
}

// InvalidateServer drops every cached tool belonging to the server.
func (c *AvailabilityCache) InvalidateServer(serverID string) {
	c.store.Range(func(key, val any) bool {
		if entry := val.(*availEntry); entry.avail != nil && entry.avail.ServerID == serverID {
			c.store.Delete(key)
		}
		return true
	})
}
