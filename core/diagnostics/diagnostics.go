package diagnostics

import (
	"math"
	"time"

	"example.com/gridlogger/base/timemath"
	"example.com/gridlogger/core/retained"
)

// Summary is the state of the timing diagnostics after an update.
type Summary struct {
	N         uint32
	Shift     float64
	MeanShift float64
	RMSShift  float64
}

// ActualResume returns the instant the cycle started, given the freshly
// synchronized time and the monotonic time elapsed since the cycle started.
func ActualResume(syncedNow time.Time, elapsed time.Duration) time.Time {
	return syncedNow.Add(-elapsed)
}

// Shift returns actual minus nominal in seconds; negative means early.
func Shift(actual time.Time, nominal retained.Instant) float64 {
	return timemath.Seconds(actual.Sub(nominal.Time()))
}

// Update folds shift into the running statistics using Welford's
// recurrence, which keeps every accumulator bounded by the magnitude of the
// observed shifts regardless of how many cycles have been observed.
func Update(stats *retained.DriftStats, shift float64) Summary {
	if stats.SampleCount != math.MaxUint32 {
		stats.SampleCount++
	}
	n := float64(stats.SampleCount)
	mean := float64(stats.MeanShift)
	meanSquare := float64(stats.MeanSquareShift)
	mean += (shift - mean) / n
	meanSquare += (shift*shift - meanSquare) / n
	stats.MeanShift = float32(mean)
	stats.MeanSquareShift = float32(meanSquare)
	return Summarize(*stats, shift)
}

// Summarize reports the current statistics without updating them.
func Summarize(stats retained.DriftStats, shift float64) Summary {
	return Summary{
		N:         stats.SampleCount,
		Shift:     shift,
		MeanShift: float64(stats.MeanShift),
		RMSShift:  math.Sqrt(math.Max(float64(stats.MeanSquareShift), 0)),
	}
}
