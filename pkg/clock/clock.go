// Package clock abstracts wall-clock time and one-shot timers so that
// components with deadlines (credential refresh, per-state timeouts) can be
// driven deterministically in tests.
//
// Production code uses [Real]. Tests use [Fake] and advance time explicitly
// with [Fake.Advance]; timers whose deadline has passed fire synchronously on
// the goroutine calling Advance.
package clock

import "time"

// Timer is a cancellation handle for a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call stopped the timer
	// before it fired. Stop is idempotent.
	Stop() bool
}

// Clock is the time source consumed by timer-owning components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run once after d has elapsed and returns a
	// handle that can cancel it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a [Clock] backed by the time package.
type Real struct{}

var _ Clock = Real{}

// Now returns time.Now.
func (Real) Now() time.Time { return time.Now() }

// AfterFunc wraps [time.AfterFunc].
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
