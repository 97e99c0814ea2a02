package timebase

import (
	"time"
)

// SystemClock is the volatile high-resolution clock. It loses its value on
// every wake and must be set from the reference clock or the network.
type SystemClock interface {
	Now() time.Time
	Set(t time.Time) error
	// Elapsed returns the monotonic time since the start of the current
	// cycle. It is not affected by Set.
	Elapsed() time.Duration
	Sleep(duration time.Duration)
}
