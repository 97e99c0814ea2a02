// Package dualclock keeps the volatile system clock and the battery-backed
// reference clock aligned. The reference clock only exposes whole seconds,
// so every transfer between the two clocks waits for the source clock's
// next second boundary and copies the time at that edge.
package dualclock

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"example.com/gridlogger/base/timebase"
	"example.com/gridlogger/base/timemath"
)

const (
	defaultPoll  = 1 * time.Millisecond
	defaultGuard = 1500 * time.Millisecond
)

var (
	ErrEdgeTimeout       = errors.New("no second boundary observed within guard interval")
	ErrReferenceMismatch = errors.New("reference clock disagrees with system clock")
)

type Pair struct {
	Log       *zap.Logger
	Reference timebase.ReferenceClock
	System    timebase.SystemClock
	// Poll is the interval between successive reads while waiting for a
	// second boundary.
	Poll time.Duration
	// Guard bounds the wait for a second boundary. It must exceed one
	// second.
	Guard time.Duration
}

func (p *Pair) poll() time.Duration {
	if p.Poll > 0 {
		return p.Poll
	}
	return defaultPoll
}

func (p *Pair) guard() time.Duration {
	if p.Guard == 0 {
		return defaultGuard
	}
	if p.Guard <= time.Second {
		panic("invalid edge guard interval")
	}
	return p.Guard
}

func (p *Pair) wait(ctx context.Context, start time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.System.Elapsed()-start > p.guard() {
		return ErrEdgeTimeout
	}
	p.System.Sleep(p.poll())
	return nil
}

// SyncReferenceFromSystem waits until the system clock crosses a second
// boundary and writes the new second to the reference clock. Afterwards the
// reference clock's second boundaries coincide with the system clock's.
func (p *Pair) SyncReferenceFromSystem(ctx context.Context) error {
	start := p.System.Elapsed()
	s0 := p.System.Now().Unix()
	for {
		now := p.System.Now()
		if s := now.Unix(); s != s0 {
			err := p.Reference.WriteWholeSeconds(s)
			if err != nil {
				return err
			}
			p.Log.Debug("reference clock set at system clock edge",
				zap.Time("at", now), zap.Int64("seconds", s))
			return nil
		}
		if err := p.wait(ctx, start); err != nil {
			return err
		}
	}
}

// SyncSystemFromReference waits until the reference clock advances to its
// next second and sets the system clock to exactly that second. If the
// reference clock does not tick within the guard interval the system clock
// is still set from the last reading and ErrEdgeTimeout is returned.
func (p *Pair) SyncSystemFromReference(ctx context.Context) error {
	start := p.System.Elapsed()
	s0, err := p.Reference.ReadWholeSeconds()
	if err != nil {
		return err
	}
	for {
		s, err := p.Reference.ReadWholeSeconds()
		if err != nil {
			return err
		}
		if s != s0 {
			err = p.System.Set(time.Unix(s, 0).UTC())
			if err != nil {
				return err
			}
			p.Log.Debug("system clock set at reference clock edge",
				zap.Int64("seconds", s))
			return nil
		}
		if err := p.wait(ctx, start); err != nil {
			if errors.Is(err, ErrEdgeTimeout) {
				p.Log.Warn("reference clock does not tick", zap.Int64("seconds", s))
				if serr := p.System.Set(time.Unix(s, 0).UTC()); serr != nil {
					return errors.Join(err, serr)
				}
			}
			return err
		}
	}
}

// VerifyReference reads the reference clock back and compares it with the
// system clock's whole seconds.
func (p *Pair) VerifyReference(tolerance time.Duration) error {
	s, err := p.Reference.ReadWholeSeconds()
	if err != nil {
		return err
	}
	now := p.System.Now()
	diff := timemath.Abs(time.Unix(s, 0).Sub(now.Truncate(time.Second)))
	if diff > tolerance {
		p.Log.Warn("reference clock verification failed",
			zap.Time("reference", time.Unix(s, 0).UTC()),
			zap.Time("system", now),
			zap.Duration("tolerance", tolerance))
		return ErrReferenceMismatch
	}
	return nil
}
