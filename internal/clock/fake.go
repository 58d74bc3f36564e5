package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock for tests. Time never moves on its own;
// Advance and Set move it forward and fire any timers or tickers whose
// deadlines are reached, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration // 0 for one-shot After timers
	stopped  bool
}

// NewFake returns a Fake clock positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTimer{deadline: f.now.Add(d), ch: make(chan time.Time, 1)}
	f.timers = append(f.timers, t)
	return t.ch
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	t := &fakeTimer{deadline: f.now.Add(d), ch: make(chan time.Time, 1), interval: d}
	f.timers = append(f.timers, t)
	f.mu.Unlock()

	return &Ticker{
		C: t.ch,
		stop: func() {
			f.mu.Lock()
			t.stopped = true
			f.mu.Unlock()
		},
	}
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Ticker sends use a buffered channel and never block; a tick nobody read yet
// is coalesced exactly like time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.advanceTo(f.now.Add(d))
	f.mu.Unlock()
}

// Set jumps the clock to t, firing everything due on the way. Moving backwards
// only repositions the clock.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	if t.After(f.now) {
		f.advanceTo(t)
	} else {
		f.now = t
	}
	f.mu.Unlock()
}

// advanceTo fires timers stepwise so interleaved deadlines and repeating
// tickers observe intermediate times. Caller holds mu.
func (f *Fake) advanceTo(target time.Time) {
	for {
		next := f.nextDue(target)
		if next == nil {
			break
		}
		f.now = next.deadline
		select {
		case next.ch <- f.now:
		default:
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.stopped = true
		}
	}
	f.now = target
	f.compact()
}

func (f *Fake) nextDue(limit time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, t := range f.timers {
		if !t.stopped && !t.deadline.After(limit) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due[0]
}

func (f *Fake) compact() {
	kept := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped {
			kept = append(kept, t)
		}
	}
	f.timers = kept
}
