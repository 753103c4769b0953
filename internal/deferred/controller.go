// Package deferred waits for an exam window to open and then starts the attempt.
package deferred

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-client/internal/countdown"
	"github.com/stemsi/exstem-client/internal/gateway"
	"github.com/stemsi/exstem-client/internal/model"
)

// ErrCredentialsRequired means the automatic start needs a password the
// student has not supplied yet. The caller must prompt and start again.
var ErrCredentialsRequired = errors.New("credentials required to start attempt")

// maxRewaits bounds how often a still-closed window (server clock ahead of ours)
// is waited for again before the failure is surfaced.
const maxRewaits = 3

// minRewait spaces a re-wait when the server reports a window we already
// counted down to.
const minRewait = time.Second

// StartFunc performs the actual start call once the window opens.
type StartFunc func(ctx context.Context) (*model.Attempt, error)

// Controller runs the countdown for a DeferredStart.
type Controller struct {
	Interval time.Duration
	// OnTick receives the remaining whole seconds on every display tick.
	OnTick func(remainingSeconds int)

	now func() time.Time
	log zerolog.Logger
}

// NewController creates a Controller. now may be nil.
func NewController(now func() time.Time, log zerolog.Logger) *Controller {
	return &Controller{
		Interval: time.Second,
		now:      now,
		log:      log.With().Str("component", "deferred_start").Logger(),
	}
}

// Await counts down to ds.WindowOpensAt and then calls start exactly once.
// It returns ctx.Err() if cancelled while waiting.
func (c *Controller) Await(ctx context.Context, ds model.DeferredStart, start StartFunc) (*model.Attempt, error) {
	target := ds.WindowOpensAt
	for rewait := 0; ; rewait++ {
		if err := c.wait(ctx, ds.ExamRef, target); err != nil {
			return nil, err
		}

		attempt, err := start(ctx)
		if err == nil {
			return attempt, nil
		}

		f, ok := gateway.AsStartFailure(err)
		if !ok {
			return nil, err
		}
		if f.NeedsCredentials() {
			c.log.Info().Str("exam_ref", ds.ExamRef).Str("kind", string(f.Kind)).Msg("Window open but credentials are required")
			return nil, fmt.Errorf("%w: %w", ErrCredentialsRequired, f)
		}
		if f.Kind == gateway.NotYetOpen && f.WindowOpensAt != nil && !f.WindowOpensAt.Before(target) && rewait < maxRewaits {
			next := *f.WindowOpensAt
			if floor := c.clock().Add(minRewait); next.Before(floor) {
				next = floor
			}
			c.log.Warn().
				Str("exam_ref", ds.ExamRef).
				Time("window_opens_at", *f.WindowOpensAt).
				Time("retry_at", next).
				Msg("Window still closed after countdown, waiting again")
			target = next
			continue
		}
		return nil, err
	}
}

func (c *Controller) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Controller) wait(ctx context.Context, examRef string, target time.Time) error {
	cd := countdown.New(target, c.now)
	c.log.Info().
		Str("exam_ref", examRef).
		Time("window_opens_at", target).
		Int("remaining_seconds", cd.RemainingSeconds()).
		Msg("Deferred start countdown running")

	interval := c.Interval
	if interval <= 0 {
		interval = time.Second
	}
	reached := cd.Run(ctx, interval, func(time.Duration) {
		if c.OnTick != nil {
			c.OnTick(cd.RemainingSeconds())
		}
	}, nil)
	if !reached {
		return ctx.Err()
	}
	return nil
}
