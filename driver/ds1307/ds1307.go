// Package ds1307 drives a DS1307-compatible battery-backed clock on an I²C
// bus. The device counts whole seconds in BCD registers and restarts its
// divider chain whenever the seconds register is written.
package ds1307

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"example.com/gridlogger/base/timebase"
)

const (
	regSeconds = 0x00
	numRegs    = 7

	clockHalt = 0x80
	hour12    = 0x40
	hourPM    = 0x20
)

var (
	errYearOutOfRange = errors.New("year not representable by DS1307")
	errInvalidBCD     = errors.New("invalid BCD register value")

	// haltedTime is reported while the oscillator is stopped, which happens
	// after the backup supply failed.
	haltedTime = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)
)

type ReferenceClock struct {
	log    *zap.Logger
	c      conn.Conn
	closer io.Closer
}

var _ timebase.ReferenceClock = (*ReferenceClock)(nil)

func New(log *zap.Logger, c conn.Conn) *ReferenceClock {
	return &ReferenceClock{log: log, c: c}
}

// Open initializes the host drivers, opens the named I²C bus and probes the
// device at addr.
func Open(log *zap.Logger, bus string, addr uint16) (*ReferenceClock, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	b, err := i2creg.Open(bus)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	c := New(log, &i2c.Dev{Addr: addr, Bus: b})
	c.closer = b
	if _, err := c.readRegs(); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	log.Info("opened DS1307", zap.String("bus", b.String()), zap.Uint16("addr", addr))
	return c, nil
}

func (c *ReferenceClock) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *ReferenceClock) readRegs() ([numRegs]byte, error) {
	var regs [numRegs]byte
	err := c.c.Tx([]byte{regSeconds}, regs[:])
	return regs, err
}

func fromBCD(b byte) (int, error) {
	hi, lo := b>>4, b&0x0f
	if hi > 9 || lo > 9 {
		return 0, fmt.Errorf("%w: %#02x", errInvalidBCD, b)
	}
	return int(hi)*10 + int(lo), nil
}

func toBCD(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}

func decodeHour(b byte) (int, error) {
	if b&hour12 == 0 {
		return fromBCD(b & 0x3f)
	}
	h, err := fromBCD(b & 0x1f)
	if err != nil {
		return 0, err
	}
	h %= 12
	if b&hourPM != 0 {
		h += 12
	}
	return h, nil
}

func decode(regs [numRegs]byte) (time.Time, error) {
	if regs[0]&clockHalt != 0 {
		return haltedTime, nil
	}
	var v [numRegs]int
	var err error
	for i, b := range regs {
		switch i {
		case 0:
			v[i], err = fromBCD(b & 0x7f)
		case 2:
			v[i], err = decodeHour(b)
		case 3:
			v[i], err = fromBCD(b & 0x07)
		default:
			v[i], err = fromBCD(b)
		}
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(2000+v[6], time.Month(v[5]), v[4], v[2], v[1], v[0], 0, time.UTC), nil
}

func encode(t time.Time) ([numRegs]byte, error) {
	t = t.UTC()
	if t.Year() < 2000 || t.Year() > 2099 {
		return [numRegs]byte{}, fmt.Errorf("%w: %d", errYearOutOfRange, t.Year())
	}
	return [numRegs]byte{
		toBCD(t.Second()),
		toBCD(t.Minute()),
		toBCD(t.Hour()),
		toBCD(int(t.Weekday()) + 1),
		toBCD(t.Day()),
		toBCD(int(t.Month())),
		toBCD(t.Year() - 2000),
	}, nil
}

func (c *ReferenceClock) ReadWholeSeconds() (int64, error) {
	regs, err := c.readRegs()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	t, err := decode(regs)
	if err != nil {
		c.log.Warn("unreadable DS1307 registers", zap.Binary("regs", regs[:]), zap.Error(err))
		return haltedTime.Unix(), nil
	}
	return t.Unix(), nil
}

// WriteWholeSeconds sets the clock and starts its oscillator.
func (c *ReferenceClock) WriteWholeSeconds(sec int64) error {
	regs, err := encode(time.Unix(sec, 0))
	if err != nil {
		return err
	}
	w := append([]byte{regSeconds}, regs[:]...)
	err = c.c.Tx(w, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", timebase.ErrReferenceClockAbsent, err)
	}
	return nil
}
