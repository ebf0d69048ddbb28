// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements scrape.Clock on time.Now, always in UTC.
type Clock struct{}

// New creates a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
