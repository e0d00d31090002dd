// Package clock provides an injectable time source so timers can be
// driven deterministically in tests.
package clock

import "time"

// Clock abstracts the time operations used by the guard and its adapters
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// After returns a channel that receives once d has elapsed
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled call
type Timer interface {
	// Stop prevents the call from running. It returns false if the call
	// already ran or was stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
