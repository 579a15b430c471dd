package event

import (
	"time"
)

// Dispatcher serializes callbacks for a single stream.
type Dispatcher interface {
	// Post schedules fn to run on the dispatcher.
	Post(fn func())

	// NewTimer creates a disarmed timer that runs cb on the dispatcher.
	NewTimer(cb func()) Timer

	// Now returns the dispatcher's current time.
	Now() time.Time
}

// Timer is a re-armable one-shot timer bound to a Dispatcher.
type Timer interface {
	// Enable arms the timer to fire after d, replacing any pending deadline.
	Enable(d time.Duration)

	// Disable disarms the timer. The callback will not run after Disable
	// returns.
	Disable()

	// Enabled reports whether the timer is armed.
	Enabled() bool
}
