package retained

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math"
)

const (
	magic = 0x47524c31 // "GRL1"

	payloadLen = 4 + 8 + 4 + 4 + 4 + 4 + 4
	RecordLen  = 4 + payloadLen + 4
)

var (
	ErrCorrupt = errors.New("retained state record corrupt")

	errUnexpectedRecordSize = errors.New("unexpected retained state record size")
)

// MarshalBinary encodes the state as a fixed-size little-endian record:
// magic, cycleCount:u32, nominal:{i64,u32}, drift:{u32,f32,f32},
// countdown:i32, CRC-32 over everything before it.
func (s State) MarshalBinary() ([]byte, error) {
	b := make([]byte, RecordLen)
	_ = b[RecordLen-1]
	binary.LittleEndian.PutUint32(b[0:], magic)
	binary.LittleEndian.PutUint32(b[4:], s.CycleCount)
	binary.LittleEndian.PutUint64(b[8:], uint64(s.NominalWake.Seconds))
	binary.LittleEndian.PutUint32(b[16:], s.NominalWake.Micros)
	binary.LittleEndian.PutUint32(b[20:], s.Drift.SampleCount)
	binary.LittleEndian.PutUint32(b[24:], math.Float32bits(s.Drift.MeanShift))
	binary.LittleEndian.PutUint32(b[28:], math.Float32bits(s.Drift.MeanSquareShift))
	binary.LittleEndian.PutUint32(b[32:], uint32(s.CyclesUntilNetworkSync))
	binary.LittleEndian.PutUint32(b[36:], crc32.ChecksumIEEE(b[:36]))
	return b, nil
}

func (s *State) UnmarshalBinary(b []byte) error {
	if len(b) != RecordLen {
		return errUnexpectedRecordSize
	}
	if binary.LittleEndian.Uint32(b[0:]) != magic ||
		binary.LittleEndian.Uint32(b[36:]) != crc32.ChecksumIEEE(b[:36]) {
		return ErrCorrupt
	}
	s.CycleCount = binary.LittleEndian.Uint32(b[4:])
	s.NominalWake.Seconds = int64(binary.LittleEndian.Uint64(b[8:]))
	s.NominalWake.Micros = binary.LittleEndian.Uint32(b[16:])
	s.Drift.SampleCount = binary.LittleEndian.Uint32(b[20:])
	s.Drift.MeanShift = math.Float32frombits(binary.LittleEndian.Uint32(b[24:]))
	s.Drift.MeanSquareShift = math.Float32frombits(binary.LittleEndian.Uint32(b[28:]))
	s.CyclesUntilNetworkSync = int32(binary.LittleEndian.Uint32(b[32:]))
	if s.NominalWake.Micros >= 1e6 {
		*s = State{}
		return ErrCorrupt
	}
	return nil
}
