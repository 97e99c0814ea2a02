//go:build linux

package clock

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"golang.org/x/sys/unix"

	"example.com/gridlogger/base/timebase"
	"example.com/gridlogger/base/unixutil"
)

// SystemClock is CLOCK_REALTIME. Elapsed time is measured on CLOCK_BOOTTIME,
// which keeps counting across suspend and is not affected by Set.
type SystemClock struct {
	Log   *zap.Logger
	mu    sync.Mutex
	start time.Duration
}

var _ timebase.SystemClock = (*SystemClock)(nil)

func NewSystemClock(log *zap.Logger) *SystemClock {
	c := &SystemClock{Log: log}
	c.MarkCycleStart()
	return c
}

func now(log *zap.Logger) time.Time {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts)
	if err != nil {
		log.Fatal("unix.ClockGettime failed", zap.Error(err))
	}
	return time.Unix(ts.Unix()).UTC()
}

func boottime(log *zap.Logger) time.Duration {
	var ts unix.Timespec
	err := unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts)
	if err != nil {
		log.Fatal("unix.ClockGettime failed", zap.Error(err))
	}
	return unixutil.DurationFromTimespec(ts)
}

func sleep(log *zap.Logger, duration time.Duration) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_BOOTTIME, unix.TFD_NONBLOCK)
	if err != nil {
		log.Fatal("unix.TimerfdCreate failed", zap.Error(err))
	}
	ts := unix.NsecToTimespec(int64(boottime(log) + duration))
	err = unix.TimerfdSettime(fd, unix.TFD_TIMER_ABSTIME, &unix.ItimerSpec{Value: ts}, nil /* oldValue */)
	if err != nil {
		log.Fatal("unix.TimerfdSettime failed", zap.Error(err))
	}
	if fd < math.MinInt32 || math.MaxInt32 < fd {
		log.Fatal("unix.TimerfdCreate returned unexpected value")
	}
	pollFds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(pollFds, -1 /* timeout */)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Fatal("unix.Poll failed", zap.Error(err))
		}
		break
	}
	_ = unix.Close(fd)
}

func setTime(offset time.Duration) error {
	tx := unix.Timex{
		Modes: unix.ADJ_SETOFFSET | unix.ADJ_NANO,
		Time:  unixutil.TimevalFromNsec(offset.Nanoseconds()),
	}
	_, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, &tx)
	return err
}

func (c *SystemClock) Now() time.Time {
	return now(c.Log)
}

// Set steps the clock to t. It requires CAP_SYS_TIME.
func (c *SystemClock) Set(t time.Time) error {
	offset := t.Sub(now(c.Log))
	c.Log.Debug("setting time", zap.Duration("offset", offset))
	return setTime(offset)
}

func (c *SystemClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return boottime(c.Log) - c.start
}

// MarkCycleStart restarts the elapsed time measurement.
func (c *SystemClock) MarkCycleStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = boottime(c.Log)
}

func (c *SystemClock) Sleep(duration time.Duration) {
	if duration < 0 {
		panic("invalid duration value")
	}
	sleep(c.Log, duration)
}
