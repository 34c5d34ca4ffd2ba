package clock

import (
	"time"

	"go.uber.org/fx"
)

// Module is the Fx module for this package.
var Module = fx.Provide(New)

// Timer is a handle to a pending callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Clock is an interface that abstracts the functionality for measuring time
// and scheduling callbacks.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc schedules f to run in its own goroutine after the duration elapses.
	AfterFunc(duration time.Duration, f func()) Timer
}

type clock struct{}

// New creates a new instance of Clock.
func New() Clock {
	return clock{}
}

func (clock) Now() time.Time {
	return time.Now()
}

func (clock) AfterFunc(duration time.Duration, f func()) Timer {
	return time.AfterFunc(duration, f)
}
