package unixutil

import (
	"time"

	"golang.org/x/sys/unix"
)

// TimevalFromNsec converts a signed nanosecond offset for use with
// ADJ_SETOFFSET | ADJ_NANO, where Usec carries nanoseconds.
func TimevalFromNsec(nsec int64) unix.Timeval {
	sec := nsec / 1e9
	nsec = nsec % 1e9
	// The field unix.Timeval.Usec must always be non-negative.
	if nsec < 0 {
		sec -= 1
		nsec += 1e9
	}
	return unix.Timeval{
		Sec:  sec,
		Usec: nsec,
	}
}

func DurationFromTimespec(ts unix.Timespec) time.Duration {
	return time.Duration(ts.Nano())
}
