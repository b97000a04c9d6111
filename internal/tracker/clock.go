package tracker

import "time"

// Clock abstracts the monotonic time source so staleness and retry tests
// can travel in time without real delays.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }
