// Package sim provides virtual clocks, a virtual network time source and a
// virtual sleep for exercising duty cycles without hardware.
package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"example.com/gridlogger/base/timebase"
	"example.com/gridlogger/core/client"
)

var errInjected = errors.New("injected network failure")

// Timeline is the true time of a simulation.
type Timeline struct {
	mu sync.Mutex
	t  time.Time
}

func NewTimeline(t0 time.Time) *Timeline {
	return &Timeline{t: t0.UTC()}
}

func (l *Timeline) Now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.t
}

func (l *Timeline) Advance(d time.Duration) {
	if d < 0 {
		panic("invalid duration value")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t = l.t.Add(d)
}

// SystemClock runs at the true rate and restarts at the Unix epoch whenever
// it is wiped.
type SystemClock struct {
	Timeline *Timeline
	mu       sync.Mutex
	offset   time.Duration
	start    time.Time
	lastStep time.Duration
}

var _ timebase.SystemClock = (*SystemClock)(nil)

func NewSystemClock(l *Timeline) *SystemClock {
	c := &SystemClock{Timeline: l}
	c.Wipe()
	return c
}

func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Timeline.Now().Add(c.offset)
}

func (c *SystemClock) Set(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := t.Sub(c.Timeline.Now().Add(c.offset))
	c.offset += step
	c.lastStep = step
	return nil
}

func (c *SystemClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Timeline.Now().Sub(c.start)
}

func (c *SystemClock) Sleep(duration time.Duration) {
	c.Timeline.Advance(duration)
}

// MarkCycleStart restarts the elapsed time measurement.
func (c *SystemClock) MarkCycleStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = c.Timeline.Now()
}

// Wipe models the loss of the system clock's value on wake.
func (c *SystemClock) Wipe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.Timeline.Now()
	c.offset = time.Unix(0, 0).Sub(now)
	c.start = now
	c.lastStep = 0
}

// LastStep returns the adjustment applied by the most recent Set.
func (c *SystemClock) LastStep() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStep
}

// ReferenceClock drifts by DriftPPM relative to true time and is observable
// at one-second granularity. Writing it restarts its sub-second divider.
type ReferenceClock struct {
	Timeline *Timeline
	DriftPPM float64
	mu       sync.Mutex
	absent   bool
	base     int64
	setAt    time.Time
	writes   int
}

var _ timebase.ReferenceClock = (*ReferenceClock)(nil)

func NewReferenceClock(l *Timeline, driftPPM float64) *ReferenceClock {
	now := l.Now()
	return &ReferenceClock{
		Timeline: l,
		DriftPPM: driftPPM,
		base:     now.Unix(),
		setAt:    now.Truncate(time.Second),
	}
}

func (c *ReferenceClock) ReadWholeSeconds() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.absent {
		return 0, timebase.ErrReferenceClockAbsent
	}
	elapsed := float64(c.Timeline.Now().Sub(c.setAt)) * (1 + c.DriftPPM*1e-6)
	return c.base + int64(math.Floor(elapsed/float64(time.Second))), nil
}

func (c *ReferenceClock) WriteWholeSeconds(sec int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.absent {
		return timebase.ErrReferenceClockAbsent
	}
	c.base = sec
	c.setAt = c.Timeline.Now()
	c.writes++
	return nil
}

// Reset makes the clock report t, as after a backup supply failure.
func (c *ReferenceClock) Reset(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base = t.Unix()
	c.setAt = c.Timeline.Now()
}

func (c *ReferenceClock) SetAbsent(absent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.absent = absent
}

func (c *ReferenceClock) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Error returns the difference between the clock's current reading and
// true time truncated to whole seconds.
func (c *ReferenceClock) Error() time.Duration {
	sec, err := c.ReadWholeSeconds()
	if err != nil {
		return 0
	}
	return time.Unix(sec, 0).Sub(c.Timeline.Now().Truncate(time.Second))
}

// TimeSource answers with true time after Latency. Fetches fail while
// Unavailable is set or, when FailEvery is positive, on every FailEvery-th
// fetch.
type TimeSource struct {
	Timeline    *Timeline
	Latency     time.Duration
	FailEvery   int
	mu          sync.Mutex
	unavailable bool
	fetches     int
}

var _ client.TimeSource = (*TimeSource)(nil)

func (s *TimeSource) FetchTime(ctx context.Context) (client.Fetched, error) {
	s.mu.Lock()
	s.fetches++
	fail := s.unavailable || s.FailEvery > 0 && s.fetches%s.FailEvery == 0
	s.mu.Unlock()
	s.Timeline.Advance(s.Latency)
	if err := ctx.Err(); err != nil {
		return client.Fetched{}, err
	}
	if fail {
		return client.Fetched{}, errInjected
	}
	return client.Fetched{
		Time:   s.Timeline.Now(),
		Server: "sim",
		RTT:    2 * s.Latency,
	}, nil
}

func (s *TimeSource) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

func (s *TimeSource) Fetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

// Sleeper advances the timeline across a deep sleep, wakes WakeLatency
// late and wipes the system clock.
type Sleeper struct {
	System      *SystemClock
	WakeLatency time.Duration
	mu          sync.Mutex
	sleeps      []time.Duration
}

func (s *Sleeper) Sleep(ctx context.Context, d time.Duration, wakeAt time.Time) error {
	if d < 0 {
		panic("invalid duration value")
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	s.System.Timeline.Advance(d + s.WakeLatency)
	s.System.Wipe()
	return nil
}

func (s *Sleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}
