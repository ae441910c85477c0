// Package tickclock implements the boundary-aligned waits used by the
// collection and upload cadences. A naive sleep(interval) drifts by
// the cost of each tick's work; the waiter instead phase-locks tick
// start times to the wall clock by coarse-sleeping most of the
// interval and then fine-waiting for the sub-second fraction to wrap.
package tickclock

import (
	"context"
	"time"
)

const (
	// DefaultSubSecond is the default sub-second fraction past which
	// the fine wait considers the next second boundary imminent.
	DefaultSubSecond = 0.9
	// DefaultMinuteSecond is the default seconds-of-minute threshold
	// past which WaitNextMinute considers the next minute imminent.
	DefaultMinuteSecond = 57
	// coarseSlack is how much of the interval is left to the fine wait.
	coarseSlack = 500 * time.Millisecond
	// spinStep is the granularity of the fine wait.
	spinStep = time.Millisecond
)

// Waiter implements the boundary-aligned wait policy. The thresholds
// were tuned for host scheduling jitter of a few milliseconds; both
// are configurable for environments where that doesn't hold.
// The zero value is not ready to use; call New.
type Waiter struct {
	// now and sleep are injection points for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	subSecond    time.Duration
	minuteSecond int
}

// Params configures a Waiter.
type Params struct {
	// Now is used to query the current time.
	// If it's nil, time.Now is used.
	Now func() time.Time
	// SubSecond holds the sub-second boundary fraction in [0, 1).
	// If it's zero, DefaultSubSecond is used.
	SubSecond float64
	// MinuteSecond holds the seconds-of-minute boundary threshold
	// in [1, 59]. If it's zero, DefaultMinuteSecond is used.
	MinuteSecond int
	// Sleep is used to wait for a duration. If it's nil, a
	// context-aware time.Sleep equivalent is used. Tests
	// substitute a fake that advances their clock.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Waiter using the given parameters.
func New(p Params) *Waiter {
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.SubSecond == 0 {
		p.SubSecond = DefaultSubSecond
	}
	if p.MinuteSecond == 0 {
		p.MinuteSecond = DefaultMinuteSecond
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return &Waiter{
		now:          p.Now,
		sleep:        p.Sleep,
		subSecond:    time.Duration(p.SubSecond * float64(time.Second)),
		minuteSecond: p.MinuteSecond,
	}
}

// WaitInterval waits until the next tick boundary, approximately
// interval from the previous one: it sleeps for all but the last
// half second and then fine-waits until the sub-second clock
// fraction wraps past the boundary threshold. It returns early
// with the context's error if the context is cancelled.
func (w *Waiter) WaitInterval(ctx context.Context, interval time.Duration) error {
	if interval > coarseSlack {
		if err := w.sleep(ctx, interval-coarseSlack); err != nil {
			return err
		}
	}
	return w.waitSecondBoundary(ctx)
}

// WaitNextMinute waits until the start of the next minute (UTC
// wall-clock second zero). It is used to align the first tick of a
// cadence so that successive runs produce comparable timestamps.
func (w *Waiter) WaitNextMinute(ctx context.Context) error {
	sec := w.now().UTC().Second()
	if sec < w.minuteSecond {
		if err := w.sleep(ctx, time.Duration(w.minuteSecond-sec)*time.Second); err != nil {
			return err
		}
	}
	for w.now().UTC().Second() >= w.minuteSecond {
		if err := w.sleep(ctx, spinStep); err != nil {
			return err
		}
	}
	return nil
}

func (w *Waiter) waitSecondBoundary(ctx context.Context) error {
	frac := w.fraction()
	if frac < w.subSecond {
		if err := w.sleep(ctx, w.subSecond-frac); err != nil {
			return err
		}
	}
	for w.fraction() >= w.subSecond {
		if err := w.sleep(ctx, spinStep); err != nil {
			return err
		}
	}
	return nil
}

// fraction returns the sub-second part of the current time.
func (w *Waiter) fraction() time.Duration {
	return time.Duration(w.now().UTC().Nanosecond())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
