// Package wake suspends the host to RAM until an RTC wake alarm fires.
package wake

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/afero"

	"go.uber.org/zap"

	"example.com/gridlogger/base/timebase"
)

const (
	DefaultAlarmPath = "/sys/class/rtc/rtc0/wakealarm"
	DefaultStatePath = "/sys/power/state"

	suspendToRAM = "mem"
)

// Alarm is a sysfs RTC wake alarm.
type Alarm struct {
	Fs   afero.Fs
	Path string
}

// Arm programs the alarm to fire at the whole second at or before t. Any
// pending alarm is cleared first; the kernel rejects overwriting it.
func (a *Alarm) Arm(t time.Time) error {
	err := afero.WriteFile(a.Fs, a.Path, []byte("0\n"), 0o644)
	if err != nil {
		return err
	}
	return afero.WriteFile(a.Fs, a.Path, []byte(strconv.FormatInt(t.Unix(), 10)+"\n"), 0o644)
}

// CycleClock is a system clock whose elapsed time measurement can be
// restarted at the beginning of a cycle.
type CycleClock interface {
	timebase.SystemClock
	MarkCycleStart()
}

// Sleeper arms the wake alarm, suspends the host and sleeps off the
// sub-second remainder after resuming.
type Sleeper struct {
	Log       *zap.Logger
	Alarm     *Alarm
	Fs        afero.Fs
	StatePath string
	Clock     CycleClock
}

func (s *Sleeper) Sleep(ctx context.Context, d time.Duration, wakeAt time.Time) error {
	if d < 0 {
		panic("invalid duration value")
	}
	target := s.Clock.Now().Add(d)
	err := s.Alarm.Arm(target)
	if err != nil {
		return fmt.Errorf("failed to arm wake alarm: %w", err)
	}
	s.Log.Debug("suspending",
		zap.Time("alarm", target.Truncate(time.Second)),
		zap.Time("slot", wakeAt))

	if err := ctx.Err(); err != nil {
		return err
	}
	err = afero.WriteFile(s.Fs, s.StatePath, []byte(suspendToRAM), 0o644)
	if err != nil {
		return fmt.Errorf("failed to suspend: %w", err)
	}

	if rem := target.Sub(s.Clock.Now()); rem > 0 {
		s.Clock.Sleep(rem)
	}
	s.Clock.MarkCycleStart()
	return nil
}

// HostSleeper sleeps without suspending, for hosts that stay powered.
type HostSleeper struct {
	Clock CycleClock
}

func (s *HostSleeper) Sleep(ctx context.Context, d time.Duration, wakeAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.Clock.Sleep(d)
	s.Clock.MarkCycleStart()
	return nil
}
