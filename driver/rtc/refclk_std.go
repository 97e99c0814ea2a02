//go:build !linux

package rtc

import (
	"go.uber.org/zap"

	"example.com/gridlogger/base/timebase"
)

type ReferenceClock struct{}

var _ timebase.ReferenceClock = (*ReferenceClock)(nil)

func Open(log *zap.Logger) (*ReferenceClock, error) {
	return nil, timebase.ErrReferenceClockAbsent
}

func (c *ReferenceClock) ReadWholeSeconds() (int64, error) {
	return 0, timebase.ErrReferenceClockAbsent
}

func (c *ReferenceClock) WriteWholeSeconds(sec int64) error {
	return timebase.ErrReferenceClockAbsent
}
