package retained

import (
	"math"
	"time"
)

// Instant is a UTC instant with microsecond resolution.
type Instant struct {
	Seconds int64
	Micros  uint32
}

func InstantFromTime(t time.Time) Instant {
	us := t.UnixMicro()
	sec, frac := us/1e6, us%1e6
	if frac < 0 {
		sec--
		frac += 1e6
	}
	return Instant{Seconds: sec, Micros: uint32(frac)}
}

func (i Instant) Time() time.Time {
	return time.Unix(i.Seconds, int64(i.Micros)*1e3).UTC()
}

// DriftStats are the running accumulators of realized minus nominal wake
// instants, in seconds.
type DriftStats struct {
	SampleCount     uint32
	MeanShift       float32
	MeanSquareShift float32
}

// State is the record that survives low-power sleep. Its zero value is the
// state of a device that has never run or has lost power.
type State struct {
	CycleCount             uint32
	NominalWake            Instant
	Drift                  DriftStats
	CyclesUntilNetworkSync int32
}

// Boot classifies a wake from the state loaded at its start.
type Boot interface {
	isBoot()
}

// ColdBoot is a wake without usable retained state.
type ColdBoot struct{}

// WarmBoot is a wake that follows a completed cycle.
type WarmBoot struct {
	Prior State
}

func (ColdBoot) isBoot() {}
func (WarmBoot) isBoot() {}

func (s State) Boot() Boot {
	if s.CycleCount == 0 {
		return ColdBoot{}
	}
	return WarmBoot{Prior: s}
}

// Advance returns the state to persist before sleeping until next.
func (s State) Advance(next time.Time) State {
	s.NominalWake = InstantFromTime(next)
	if s.CycleCount != math.MaxUint32 {
		s.CycleCount++
	}
	return s
}
