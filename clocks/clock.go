// Package clocks provides wall time and periodic callbacks that tests can
// drive by hand.
package clocks

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time

	// Every calls fn each period d until ctx is done or the ticker stops.
	Every(ctx context.Context, d time.Duration, label string, fn TickFunc) *Ticker
}

// TickFunc runs on every tick. Returning a positive duration calls it again
// after that delay instead of at the next period.
type TickFunc func(ctx context.Context) (retryIn time.Duration)

type Ticker struct {
	stop    context.CancelFunc
	trigger func()
}

// Stop ends future ticks. A tick already running completes.
func (t *Ticker) Stop() {
	t.stop()
}

// Trigger runs a tick now and restarts the period.
func (t *Ticker) Trigger() {
	t.trigger()
}

type SystemClock struct{}

func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Every(ctx context.Context, d time.Duration, _ string, fn TickFunc) *Ticker {
	ctx, cancel := context.WithCancel(ctx)
	timer := time.NewTimer(d)

	// Ticks from the timer and from Trigger never overlap
	var mu sync.Mutex
	tick := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		next := d
		if retryIn := fn(ctx); retryIn > 0 {
			next = retryIn
		}
		timer.Reset(next)
	}

	go func() {
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				tick()
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Ticker{stop: cancel, trigger: tick}
}

var _ Clock = (*SystemClock)(nil)

// FrozenClock only moves when advanced, and its tickers only fire through
// TickEvery.
type FrozenClock struct {
	mu    sync.Mutex
	now   time.Time
	ticks map[string]func()
}

func NewFrozenClock() *FrozenClock {
	return &FrozenClock{
		now:   time.Unix(0, 0),
		ticks: make(map[string]func()),
	}
}

func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Every registers fn under label. Retry delays returned by fn are ignored.
func (c *FrozenClock) Every(ctx context.Context, _ time.Duration, label string, fn TickFunc) *Ticker {
	ctx, cancel := context.WithCancel(ctx)
	tick := func() { fn(ctx) }

	c.mu.Lock()
	c.ticks[label] = tick
	c.mu.Unlock()

	return &Ticker{
		stop: func() {
			cancel()
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.ticks, label)
		},
		trigger: tick,
	}
}

// HasEvery reports whether a ticker is registered for label.
func (c *FrozenClock) HasEvery(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ticks[label]
	return ok
}

// TickEvery runs the ticker registered for label outside the clock's lock so
// the tick may call Now.
func (c *FrozenClock) TickEvery(label string) {
	c.mu.Lock()
	tick := c.ticks[label]
	c.mu.Unlock()

	if tick == nil {
		panic(fmt.Sprintf("no ticker registered for label %q", label))
	}
	tick()
}

var _ Clock = (*FrozenClock)(nil)
