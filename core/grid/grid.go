package grid

import (
	"time"

	"example.com/gridlogger/base/timemath"
)

const microsPerDay uint64 = 24 * 60 * 60 * 1e6

// MicrosecondsUntilNextSample returns the time from now until the next
// instant of the sampling grid, which starts at the most recent UTC midnight
// and is spaced by period. The result is in (0, period]; an instant on the
// grid yields a full period. The grid is re-derived from now on every call.
func MicrosecondsUntilNextSample(now, period uint64) uint64 {
	if period == 0 {
		panic("invalid sampling period")
	}
	midnight := now - now%microsPerDay
	elapsed := now - midnight
	k := elapsed/period + 1
	return midnight + k*period - now
}

// Next returns the next grid instant strictly after now and the wait until it.
func Next(now time.Time, period time.Duration) (time.Time, time.Duration) {
	if period < time.Microsecond {
		panic("invalid sampling period")
	}
	us := timemath.UnixMicros(now)
	wait := MicrosecondsUntilNextSample(us, uint64(period.Microseconds()))
	slot := timemath.FromUnixMicros(us + wait)
	return slot, slot.Sub(now)
}

// Align returns the grid instant at or before t.
func Align(t time.Time, period time.Duration) time.Time {
	if period < time.Microsecond {
		panic("invalid sampling period")
	}
	us := timemath.UnixMicros(t)
	p := uint64(period.Microseconds())
	midnight := us - us%microsPerDay
	return timemath.FromUnixMicros(midnight + (us-midnight)/p*p)
}
