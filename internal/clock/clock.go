// Package clock wraps the system clock behind an interface so that
// deadline handling can be driven deterministically in tests.
package clock

import "time"

// Clock represents a source of wall-clock time and timers. The runtime
// compares request deadlines against the same Clock that stamped them.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTimer creates a timer that fires once after d. A non-positive d
	// fires the timer immediately.
	NewTimer(d time.Duration) Timer
}

// Timer is a one-shot timer created by a Clock.
type Timer interface {
	// C returns the channel on which the fire time is delivered.
	C() <-chan time.Time

	// Stop prevents the timer from firing. It returns false if the timer
	// has already fired or been stopped.
	Stop() bool
}

// System implements Clock using the real time package.
type System struct{}

var _ Clock = System{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// NewTimer implements Clock.
func (System) NewTimer(d time.Duration) Timer {
	return systemTimer{time.NewTimer(d)}
}

type systemTimer struct {
	t *time.Timer
}

func (t systemTimer) C() <-chan time.Time { return t.t.C }

func (t systemTimer) Stop() bool { return t.t.Stop() }
