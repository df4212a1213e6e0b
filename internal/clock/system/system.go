// Package system provides the wall clock.
package system

import (
	"time"

	"github.com/JakeFAU/pdf-watcher/internal/watcher"
)

var _ watcher.Clock = Clock{}

// Clock implements watcher.Clock in UTC.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since returns the time elapsed since t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
