// Package clocktest provides a manually driven clock for tests.
package clocktest

import (
	"sync"
	"time"

	"github.com/ivlev/reelforge/internal/clock"
)

// Clock is a fake clock whose tickers only fire when told to.
type Clock struct {
	mu      sync.Mutex
	now     time.Time
	tickers map[time.Duration][]*Ticker
	created chan time.Duration
}

var _ clock.Clock = (*Clock)(nil)

// New returns a fake clock starting at start.
func New(start time.Time) *Clock {
	return &Clock{
		now:     start,
		tickers: make(map[time.Duration][]*Ticker),
		created: make(chan time.Duration, 16),
	}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) NewTicker(d time.Duration) clock.Ticker {
	t := &Ticker{next: make(chan struct{}), stopped: make(chan struct{})}
	c.mu.Lock()
	c.tickers[d] = append(c.tickers[d], t)
	c.mu.Unlock()
	select {
	case c.created <- d:
	default:
	}
	return t
}

// WaitTickers blocks until n tickers have been created or the timeout expires.
func (c *Clock) WaitTickers(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-c.created:
		case <-deadline:
			return false
		}
	}
	return true
}

// Fire advances the clock by d and delivers one tick to the newest live
// ticker with period d. It returns once the receiver has handled the tick,
// which is when it asks for C again or stops the ticker. It reports false
// when nobody took the tick within a second.
func (c *Clock) Fire(d time.Duration) bool {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var t *Ticker
	list := c.tickers[d]
	for i := len(list) - 1; i >= 0; i-- {
		if !list[i].isStopped() {
			t = list[i]
			break
		}
	}
	c.mu.Unlock()
	if t == nil {
		return false
	}
	return t.deliver(now, time.After(time.Second))
}

// Ticker hands out a fresh channel on every C call so Fire can tell when the
// receiver is back in its select.
type Ticker struct {
	mu      sync.Mutex
	cur     chan time.Time
	next    chan struct{}
	once    sync.Once
	stopped chan struct{}
}

func (t *Ticker) C() <-chan time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cur = make(chan time.Time)
	close(t.next)
	t.next = make(chan struct{})
	return t.cur
}

func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stopped) })
}

func (t *Ticker) deliver(now time.Time, timeout <-chan time.Time) bool {
	for {
		t.mu.Lock()
		ch, next := t.cur, t.next
		t.mu.Unlock()
		if ch == nil {
			// nobody has asked for C yet
			select {
			case <-next:
				continue
			case <-t.stopped:
				return false
			case <-timeout:
				return false
			}
		}
		select {
		case ch <- now:
		case <-next:
			continue
		case <-t.stopped:
			return false
		case <-timeout:
			return false
		}
		select {
		case <-next:
		case <-t.stopped:
		case <-timeout:
		}
		return true
	}
}

func (t *Ticker) isStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}
