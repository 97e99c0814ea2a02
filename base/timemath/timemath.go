package timemath

import (
	"math"
	"time"
)

func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

func Abs(d time.Duration) time.Duration {
	switch {
	case d == math.MinInt64:
		panic("unexpected duration value")
	case d < 0:
		return -d
	default:
		return d
	}
}

// UnixMicros returns the microseconds since the Unix epoch of t as an
// unsigned value. Instants before the epoch are not representable.
func UnixMicros(t time.Time) uint64 {
	us := t.UnixMicro()
	if us < 0 {
		panic("unexpected time value")
	}
	return uint64(us)
}

func FromUnixMicros(us uint64) time.Time {
	if us > math.MaxInt64 {
		panic("unexpected time value")
	}
	return time.UnixMicro(int64(us)).UTC()
}
