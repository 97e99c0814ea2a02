//go:build linux

package rtc

import (
	"fmt"
	"sync"
	"time"

	"github.com/u-root/u-root/pkg/rtc"

	"go.uber.org/zap"

	"example.com/gridlogger/base/timebase"
)

// The rtc package does not support closing its device, so a single handle
// is shared by all clocks.
var (
	devRTC     *rtc.RTC
	devRTCErr  error
	devRTCOnce sync.Once
)

// ReferenceClock is the kernel's RTC device, which the platform keeps
// running from its backup supply.
type ReferenceClock struct {
	log *zap.Logger
	dev *rtc.RTC
}

var _ timebase.ReferenceClock = (*ReferenceClock)(nil)

func Open(log *zap.Logger) (*ReferenceClock, error) {
	devRTCOnce.Do(func() {
		devRTC, devRTCErr = rtc.OpenRTC()
	})
	if devRTCErr != nil {
		return nil, fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, devRTCErr)
	}
	return &ReferenceClock{log: log, dev: devRTC}, nil
}

func (c *ReferenceClock) ReadWholeSeconds() (int64, error) {
	t, err := c.dev.Read()
	if err != nil {
		c.log.Error("failed to read RTC", zap.Error(err))
		return 0, fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	return t.Unix(), nil
}

func (c *ReferenceClock) WriteWholeSeconds(sec int64) error {
	err := c.dev.Set(time.Unix(sec, 0).UTC())
	if err != nil {
		c.log.Error("failed to set RTC", zap.Error(err))
		return fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	return nil
}
