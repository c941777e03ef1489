// Package clock abstracts time so retry loops can be driven deterministically
// in tests.
package clock

import "time"

// Clock is the subset of the time package used by supervisors.
type Clock interface {
	Now() time.Time
	// After delivers the current time once d has elapsed. d <= 0 fires
	// immediately.
	After(d time.Duration) <-chan time.Time
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
