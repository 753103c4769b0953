// Package deadline enforces the hard end of an attempt.
package deadline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/countdown"
	"github.com/stemsi/exstem-client/internal/model"
)

// Tick is published once per second while the attempt is active.
type Tick struct {
	RemainingSeconds int
	Warning          bool
}

// Clock derives remaining time from the server-issued start time and the exam
// duration. It never trusts a local countdown baseline.
type Clock struct {
	cd        *countdown.Countdown
	interval  time.Duration
	threshold time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopped  bool
	warnSent bool
}

// NewClock creates a Clock for attempt. now may be nil.
func NewClock(attempt *model.Attempt, warningThreshold time.Duration, now func() time.Time, log zerolog.Logger) *Clock {
	return &Clock{
		cd:        countdown.New(attempt.Deadline(), now),
		interval:  time.Second,
		threshold: warningThreshold,
		log: log.With().
			Str("component", "deadline_clock").
			Str("attempt_id", attempt.ID).
			Logger(),
	}
}

// WithInterval overrides the one-second tick. Used by tests.
func (c *Clock) WithInterval(d time.Duration) *Clock {
	c.interval = d
	return c
}

// RemainingSeconds is Deadline − now in whole seconds, never negative.
func (c *Clock) RemainingSeconds() int {
	return c.cd.RemainingSeconds()
}

// Remaining is Deadline − now.
func (c *Clock) Remaining() time.Duration {
	return c.cd.Remaining()
}

// Warning reports whether remaining time is under the warning threshold.
// It is a display hint only.
func (c *Clock) Warning() bool {
	r := c.cd.Remaining()
	return r > 0 && r < c.threshold
}

// Expired reports whether the deadline has passed.
func (c *Clock) Expired() bool {
	return c.cd.Remaining() == 0
}

// Start ticks once per interval, calling onTick, and calls onExpire exactly once
// when remaining time reaches zero. The ticking goroutine exits after expiry or Stop.
func (c *Clock) Start(ctx context.Context, onTick func(Tick), onExpire func()) {
	c.mu.Lock()
	if c.stopped || c.done != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	if onTick == nil {
		onTick = func(Tick) {}
	}

	go func() {
		defer close(c.done)
		reached := c.cd.Run(ctx, c.interval, func(r time.Duration) {
			t := Tick{RemainingSeconds: c.cd.RemainingSeconds(), Warning: r > 0 && r < c.threshold}
			c.noteWarning(t)
			onTick(t)
		}, func() {
			c.log.Info().Msg("Deadline reached")
			if onExpire != nil {
				onExpire()
			}
		})
		if !reached {
			c.log.Debug().Msg("Deadline clock stopped")
		}
	}()
}

// Expire fires the expiry handler path manually if it has not fired yet.
// It returns false when expiry was already handled.
func (c *Clock) Expire(onExpire func()) bool {
	return c.cd.Fire(onExpire)
}

// Stop cancels the interval. It does not wait for an onExpire call in progress,
// since that call may be the one stopping the clock.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Clock) noteWarning(t Tick) {
	if !t.Warning {
		return
	}
	c.mu.Lock()
	first := !c.warnSent
	c.warnSent = true
	c.mu.Unlock()
	if first {
		c.log.Info().Int("remaining_seconds", t.RemainingSeconds).Msg("Deadline warning threshold crossed")
	}
}
