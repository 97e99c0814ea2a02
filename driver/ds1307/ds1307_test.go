package ds1307

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"periph.io/x/conn/v3"

	"example.com/gridlogger/base/timebase"
)

// regFile emulates the device's register pointer and RAM.
type regFile struct {
	regs [64]byte
	fail bool
}

func (f *regFile) String() string { return "regfile" }

func (f *regFile) Duplex() conn.Duplex { return conn.Half }

func (f *regFile) Tx(w, r []byte) error {
	if f.fail {
		return errors.New("nack")
	}
	p := int(w[0])
	for _, b := range w[1:] {
		f.regs[p%len(f.regs)] = b
		p++
	}
	for i := range r {
		r[i] = f.regs[p%len(f.regs)]
		p++
	}
	return nil
}

func TestWriteRead(t *testing.T) {
	f := &regFile{}
	c := New(zap.NewNop(), f)
	times := []time.Time{
		time.Date(2024, time.March, 1, 8, 12, 30, 0, time.UTC),
		time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2099, time.December, 31, 23, 59, 59, 0, time.UTC),
	}

	for _, want := range times {
		err := c.WriteWholeSeconds(want.Unix())
		if err != nil {
			t.Fatalf("WriteWholeSeconds(%v) failed: %v", want, err)
		}
		if f.regs[0]&clockHalt != 0 {
			t.Errorf("WriteWholeSeconds(%v) left oscillator halted", want)
		}
		got, err := c.ReadWholeSeconds()
		if err != nil {
			t.Fatalf("ReadWholeSeconds() failed: %v", err)
		}
		if got != want.Unix() {
			t.Errorf("ReadWholeSeconds() = %v, want %v", time.Unix(got, 0).UTC(), want)
		}
	}
}

func TestRegisterLayout(t *testing.T) {
	f := &regFile{}
	c := New(zap.NewNop(), f)
	// Friday
	err := c.WriteWholeSeconds(time.Date(2024, time.March, 1, 8, 12, 30, 0, time.UTC).Unix())
	if err != nil {
		t.Fatalf("WriteWholeSeconds() failed: %v", err)
	}
	want := []byte{0x30, 0x12, 0x08, 0x06, 0x01, 0x03, 0x24}
	for i, b := range want {
		if f.regs[i] != b {
			t.Errorf("register %#02x = %#02x, want %#02x", i, f.regs[i], b)
		}
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		regs [numRegs]byte
		want time.Time
	}{
		{[numRegs]byte{0x59, 0x59, 0x23, 0x01, 0x31, 0x12, 0x25},
			time.Date(2025, time.December, 31, 23, 59, 59, 0, time.UTC)},
		// 12-hour mode, 11 PM
		{[numRegs]byte{0x00, 0x30, 0x40 | 0x20 | 0x11, 0x01, 0x15, 0x06, 0x24},
			time.Date(2024, time.June, 15, 23, 30, 0, 0, time.UTC)},
		// 12-hour mode, 12 AM
		{[numRegs]byte{0x00, 0x00, 0x40 | 0x12, 0x01, 0x15, 0x06, 0x24},
			time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)},
		// oscillator halted
		{[numRegs]byte{0x80 | 0x10, 0x00, 0x00, 0x01, 0x01, 0x01, 0x24}, haltedTime},
	}

	for _, tt := range tests {
		got, err := decode(tt.regs)
		if err != nil {
			t.Errorf("decode(% x) failed: %v", tt.regs, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("decode(% x) = %v, want %v", tt.regs, got, tt.want)
		}
	}

	_, err := decode([numRegs]byte{0x5a, 0, 0, 1, 1, 1, 0x24})
	if !errors.Is(err, errInvalidBCD) {
		t.Errorf("decode() with invalid BCD = %v, want %v", err, errInvalidBCD)
	}
}

func TestHaltedClockIsImplausible(t *testing.T) {
	f := &regFile{}
	f.regs[0] = clockHalt
	c := New(zap.NewNop(), f)
	sec, err := c.ReadWholeSeconds()
	if err != nil {
		t.Fatalf("ReadWholeSeconds() failed: %v", err)
	}
	if timebase.Plausible(sec) {
		t.Errorf("halted clock reads plausible time %v", time.Unix(sec, 0).UTC())
	}
}

func TestYearOutOfRange(t *testing.T) {
	c := New(zap.NewNop(), &regFile{})
	err := c.WriteWholeSeconds(time.Date(2100, time.January, 1, 0, 0, 0, 0, time.UTC).Unix())
	if !errors.Is(err, errYearOutOfRange) {
		t.Errorf("WriteWholeSeconds(2100) = %v, want %v", err, errYearOutOfRange)
	}
}

func TestBusFailure(t *testing.T) {
	c := New(zap.NewNop(), &regFile{fail: true})
	if _, err := c.ReadWholeSeconds(); !errors.Is(err, timebase.ErrReferenceClockAbsent) {
		t.Errorf("ReadWholeSeconds() = %v, want %v", err, timebase.ErrReferenceClockAbsent)
	}
	if err := c.WriteWholeSeconds(0x60000000); !errors.Is(err, timebase.ErrReferenceClockAbsent) {
		t.Errorf("WriteWholeSeconds() = %v, want %v", err, timebase.ErrReferenceClockAbsent)
	}
}
