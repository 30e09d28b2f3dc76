// Package system provides a real clock implementation.
package system

import "time"

// Clock is the UTC wall clock shared by the stores, the retry queue and the
// stream consumer.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
