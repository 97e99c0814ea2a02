//go:build !linux

package clock

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/gridlogger/base/timebase"
)

// SystemClock keeps an offset to the host clock instead of setting it.
type SystemClock struct {
	Log    *zap.Logger
	mu     sync.Mutex
	offset time.Duration
	start  time.Time
}

var _ timebase.SystemClock = (*SystemClock)(nil)

func NewSystemClock(log *zap.Logger) *SystemClock {
	c := &SystemClock{Log: log}
	c.MarkCycleStart()
	return c
}

func (c *SystemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset).UTC()
}

func (c *SystemClock) Set(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := t.Sub(time.Now().Add(c.offset))
	c.Log.Debug("setting time", zap.Duration("offset", step))
	c.offset += step
	return nil
}

func (c *SystemClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.start)
}

func (c *SystemClock) MarkCycleStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
}

func (c *SystemClock) Sleep(duration time.Duration) {
	if duration < 0 {
		panic("invalid duration value")
	}
	time.Sleep(duration)
}
