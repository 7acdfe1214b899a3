// Package ticker calls a function on a fixed wall-clock cadence.
//
// Ticks are anchored to the time Run was called plus whole multiples of the
// interval, so callback latency never accumulates into drift. When a callback
// overruns one or more boundaries those boundaries are skipped, never
// replayed in a burst.
package ticker

import (
	"context"
	"errors"
	"time"
)

var ErrInvalidInterval = errors.New("ticker: interval must be greater than zero")

// Clock is the time source used by Ticker. Sleep must return early with
// ctx.Err() when ctx is cancelled.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the real Clock backed by the monotonic reading of time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type Ticker struct {
	interval time.Duration
	clock    Clock
	onSkip   func(skipped uint64)
}

type Option func(*Ticker)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(t *Ticker) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithSkipHook registers fn to be told how many boundaries were skipped
// whenever a callback overruns. It runs on the ticking goroutine.
func WithSkipHook(fn func(skipped uint64)) Option {
	return func(t *Ticker) { t.onSkip = fn }
}

func New(interval time.Duration, opts ...Option) (*Ticker, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	t := &Ticker{interval: interval, clock: SystemClock{}}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

func (t *Ticker) Interval() time.Duration { return t.interval }

// Run invokes fn immediately and then once per interval. fn runs
// synchronously on the calling goroutine and its duration counts against
// the schedule. Panics from fn are not recovered.
//
// Run only returns when ctx is cancelled, with ctx.Err(). With a context
// that is never cancelled it runs for the life of the process.
func (t *Ticker) Run(ctx context.Context, fn func()) error {
	due := t.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn()

		now := t.clock.Now()
		var skipped uint64
		due, skipped = Next(due, now, t.interval)
		if skipped > 0 && t.onSkip != nil {
			t.onSkip(skipped)
		}
		if err := t.clock.Sleep(ctx, due.Sub(now)); err != nil {
			return err
		}
	}
}

// Next returns the first boundary after now on the grid that contains
// prev, together with the number of boundaries in (prev, now] that were
// missed. The correction is computed in one step so an arbitrarily long
// stall costs the same as a short one.
func Next(prev, now time.Time, interval time.Duration) (time.Time, uint64) {
	next := prev.Add(interval)
	if next.After(now) {
		return next, 0
	}
	n := now.Sub(next)/interval + 1
	return next.Add(n * interval), uint64(n)
}
