// Package clock abstracts time access so window arithmetic, rate limits, and
// the supervisor's health schedule can be driven deterministically in tests.
package clock

import "time"

// Clock provides the time operations warden's core components use. Production
// code receives Real; tests inject Fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker is a stoppable periodic tick source. C delivers ticks; Stop releases
// the underlying resources. Unlike time.Ticker, C keeps its channel identity
// across implementations so select loops need no special-casing.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop shuts down the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	if t.stop != nil {
		t.stop()
	}
}

// Real delegates to the time package.
type Real struct{}

// NewReal returns the production clock.
func NewReal() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
