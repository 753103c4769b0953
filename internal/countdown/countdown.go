// Package countdown counts down to an absolute instant. Remaining time is always
// recomputed from the target, never decremented, so missed ticks (sleep, a
// throttled process) self-correct on the next tick.
package countdown

import (
	"context"
	"sync"
	"time"
)

// Countdown counts down to Target.
type Countdown struct {
	Target time.Time
	// Now defaults to time.Now.
	Now func() time.Time

	once sync.Once
}

// New creates a Countdown to target.
func New(target time.Time, now func() time.Time) *Countdown {
	if now == nil {
		now = time.Now
	}
	return &Countdown{Target: target, Now: now}
}

// Remaining returns Target − Now, clamped at zero.
func (c *Countdown) Remaining() time.Duration {
	// Target carries no monotonic reading (it comes off the wire), so this is a
	// wall-clock difference and stays correct across system sleep.
	d := c.Target.Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// RemainingSeconds returns the remaining whole seconds, rounded up so the
// display only shows 0 once time is really up.
func (c *Countdown) RemainingSeconds() int {
	d := c.Remaining()
	return int((d + time.Second - 1) / time.Second)
}

// Fire runs fn if it has not run yet, and reports whether it ran.
// Repeated zero ticks (a delayed timer, a duplicate event) are no-ops.
func (c *Countdown) Fire(fn func()) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		if fn != nil {
			fn()
		}
	})
	return fired
}

// Run calls onTick every interval with the recomputed remaining time, and calls
// onZero exactly once when the target is reached. It returns true when the
// target was reached, false when ctx was cancelled first.
func (c *Countdown) Run(ctx context.Context, interval time.Duration, onTick func(time.Duration), onZero func()) bool {
	if onTick == nil {
		onTick = func(time.Duration) {}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// The exact timer makes expiry independent of tick phase; the ticker only
	// drives the display. Both paths recompute from Target.
	exact := time.NewTimer(c.Remaining())
	defer exact.Stop()

	onTick(c.Remaining())
	for {
		if c.Remaining() == 0 {
			onTick(0)
			c.Fire(onZero)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if r := c.Remaining(); r > 0 {
				onTick(r)
			}
		case <-exact.C:
			if r := c.Remaining(); r > 0 {
				exact.Reset(r)
			}
		}
	}
}

func (c *Countdown) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}
