// Package clock abstracts wall time for the capture loop and owns the
// one-second elapsed counter.
package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock hands out tickers. The recorder never calls time.NewTicker directly.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// Real returns the system clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// TimeSource is the read side of the elapsed counter.
type TimeSource interface {
	Seconds() float64
}

// Counter counts whole elapsed seconds. Exactly one goroutine may call Tick
// and Reset; any goroutine may read.
type Counter struct {
	n atomic.Int64
}

// Tick advances the counter by one second.
func (c *Counter) Tick() { c.n.Add(1) }

// Reset sets the counter back to zero.
func (c *Counter) Reset() { c.n.Store(0) }

// Whole returns the elapsed whole seconds.
func (c *Counter) Whole() int { return int(c.n.Load()) }

// Seconds implements TimeSource.
func (c *Counter) Seconds() float64 { return float64(c.n.Load()) }

// Fixed is a TimeSource pinned to a value, used when replaying clips.
type Fixed struct {
	v atomic.Uint64
}

// Set stores t as the current time.
func (f *Fixed) Set(t float64) { f.v.Store(math.Float64bits(t)) }

// Seconds implements TimeSource.
func (f *Fixed) Seconds() float64 { return math.Float64frombits(f.v.Load()) }
