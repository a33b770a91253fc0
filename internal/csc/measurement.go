package csc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned when a notification is shorter than its flags demand.
var ErrMalformedPayload = errors.New("malformed CSC measurement payload")

// Flags is the first byte of a CSC Measurement notification
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
type Flags uint8

const (
	WheelRevolutionDataPresent Flags = 1 << 0 // Bit 0
	CrankRevolutionDataPresent Flags = 1 << 1 // Bit 1
)

const (
	wheelDataLen = 6 // UINT32 revolutions + UINT16 event time
	crankDataLen = 4 // UINT16 revolutions + UINT16 event time
)

// Has reports whether all bits of f are set
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

func (fl Flags) String() string {
	switch {
	case fl.Has(WheelRevolutionDataPresent | CrankRevolutionDataPresent):
		return "wheel+crank"
	case fl.Has(WheelRevolutionDataPresent):
		return "wheel"
	case fl.Has(CrankRevolutionDataPresent):
		return "crank"
	default:
		return "none"
	}
}

// payloadLen returns the number of bytes a payload with these flags must carry
func (fl Flags) payloadLen() int {
	n := 1
	if fl.Has(WheelRevolutionDataPresent) {
		n += wheelDataLen
	}
	if fl.Has(CrankRevolutionDataPresent) {
		n += crankDataLen
	}
	return n
}

// Measurement is one decoded CSC Measurement notification.
// Fields whose data is absent (per Flags) are zero.
type Measurement struct {
	Flags                      Flags
	CumulativeWheelRevolutions uint32
	LastWheelEventTime         uint16 // 1/1024 s ticks
	CumulativeCrankRevolutions uint16
	LastCrankEventTime         uint16 // 1/1024 s ticks
	Timestamp                  time.Time
}

// HasWheelData reports whether the wheel fields were present in the payload
func (m Measurement) HasWheelData() bool {
	return m.Flags.Has(WheelRevolutionDataPresent)
}

// HasCrankData reports whether the crank fields were present in the payload
func (m Measurement) HasCrankData() bool {
	return m.Flags.Has(CrankRevolutionDataPresent)
}

// Decode parses a CSC Measurement payload. The timestamp is the capture time supplied
// by the transport. Extra trailing bytes are ignored.
func Decode(buf []byte, timestamp time.Time) (Measurement, error) {
	if len(buf) < 1 {
		return Measurement{}, fmt.Errorf("%w: empty payload", ErrMalformedPayload)
	}

	flags := Flags(buf[0])
	if need := flags.payloadLen(); len(buf) < need {
		return Measurement{}, fmt.Errorf("%w: flags %s need %d bytes, got %d",
			ErrMalformedPayload, flags, need, len(buf))
	}

	m := Measurement{
		Flags:     flags,
		Timestamp: timestamp,
	}
	offset := 1

	if flags.Has(WheelRevolutionDataPresent) {
		m.CumulativeWheelRevolutions = binary.LittleEndian.Uint32(buf[offset:])
		offset += 4
		m.LastWheelEventTime = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
	}

	if flags.Has(CrankRevolutionDataPresent) {
		m.CumulativeCrankRevolutions = binary.LittleEndian.Uint16(buf[offset:])
		offset += 2
		m.LastCrankEventTime = binary.LittleEndian.Uint16(buf[offset:])
	}

	return m, nil
}

// Encode builds the wire form of m. Only the fields selected by m.Flags are written.
func Encode(m Measurement) []byte {
	flags := m.Flags & (WheelRevolutionDataPresent | CrankRevolutionDataPresent)
	buf := make([]byte, 1, flags.payloadLen())
	buf[0] = byte(flags)

	if flags.Has(WheelRevolutionDataPresent) {
		buf = binary.LittleEndian.AppendUint32(buf, m.CumulativeWheelRevolutions)
		buf = binary.LittleEndian.AppendUint16(buf, m.LastWheelEventTime)
	}
	if flags.Has(CrankRevolutionDataPresent) {
		buf = binary.LittleEndian.AppendUint16(buf, m.CumulativeCrankRevolutions)
		buf = binary.LittleEndian.AppendUint16(buf, m.LastCrankEventTime)
	}
	return buf
}
