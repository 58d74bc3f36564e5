// Package ratelimit implements windowed call counters for (user, tool) pairs.
// Counters reset lazily: a window whose start is older than its length counts
// from zero on the next access, so idle counters need no sweeper.
package ratelimit

import (
	"sync"
	"time"
)

// Kind selects a counting window.
type Kind string

const (
	KindHour Kind = "hour"
	KindDay  Kind = "day"
)

// Length returns the window duration for the kind.
func (k Kind) Length() time.Duration {
	if k == KindDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Result reports the outcome of a consume attempt.
type Result struct {
	Allowed bool
	// Exceeded names the window that rejected the attempt when Allowed is
	// false.
	Exceeded Kind
	// Remaining counts per window after the attempt; -1 means unlimited.
	RemainingHour int
	RemainingDay  int
}

type window struct {
	start time.Time
	count int
}

// effective returns the count after applying the lazy reset rule at now.
func (w *window) effective(kind Kind, now time.Time) int {
	if w.count == 0 {
		return 0
	}
	if now.Sub(w.start) >= kind.Length() {
		return 0
	}
	return w.count
}

type pairCounter struct {
	mu   sync.Mutex
	hour window
	day  window
}

// Counter tracks hour and day windows per (user, tool) pair. Both windows of
// one pair are tested and incremented under a single lock, so concurrent
// callers can never observe partial consumption.
type Counter struct {
	pairs sync.Map // map[pairKey]*pairCounter
}

type pairKey struct {
	userID string
	toolID string
}

func NewCounter() *Counter {
	return &Counter{}
}

// TryConsume atomically tests both windows against their limits and, when
// both pass, increments both. A limit of 0 or below means unlimited for that
// window; the window is still counted so a later-configured limit starts from
// the real call history.
func (c *Counter) TryConsume(userID, toolID string, hourLimit, dayLimit int, now time.Time) Result {
	pc := c.pair(userID, toolID)

	pc.mu.Lock()
	defer pc.mu.Unlock()

	hourCount := pc.hour.effective(KindHour, now)
	dayCount := pc.day.effective(KindDay, now)

	if hourLimit > 0 && hourCount >= hourLimit {
		return Result{
			Exceeded:      KindHour,
			RemainingHour: 0,
			RemainingDay:  remaining(dayLimit, dayCount),
		}
	}
	if dayLimit > 0 && dayCount >= dayLimit {
		return Result{
			Exceeded:      KindDay,
			RemainingHour: remaining(hourLimit, hourCount),
			RemainingDay:  0,
		}
	}

	if hourCount == 0 {
		pc.hour.start = now
	}
	if dayCount == 0 {
		pc.day.start = now
	}
	pc.hour.count = hourCount + 1
	pc.day.count = dayCount + 1

	return Result{
		Allowed:       true,
		RemainingHour: remaining(hourLimit, pc.hour.count),
		RemainingDay:  remaining(dayLimit, pc.day.count),
	}
}

// Counts returns the effective hour and day counts at now without consuming.
func (c *Counter) Counts(userID, toolID string, now time.Time) (hour, day int) {
	v, ok := c.pairs.Load(pairKey{userID, toolID})
	if !ok {
		return 0, 0
	}
	pc := v.(*pairCounter)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.hour.effective(KindHour, now), pc.day.effective(KindDay, now)
}

func (c *Counter) pair(userID, toolID string) *pairCounter {
	key := pairKey{userID, toolID}
	if v, ok := c.pairs.Load(key); ok {
		return v.(*pairCounter)
	}
	v, _ := c.pairs.LoadOrStore(key, &pairCounter{})
	return v.(*pairCounter)
}

func remaining(limit, count int) int {
	if limit <= 0 {
		return -1
	}
	r := limit - count
	if r < 0 {
		return 0
	}
	return r
}
