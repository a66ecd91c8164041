// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements export.Clock on top of the time package. All values are UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
