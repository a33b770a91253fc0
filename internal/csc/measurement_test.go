package csc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 4, 12, 9, 30, 0, 0, time.UTC)

func TestDecode_WheelAndCrank(t *testing.T) {
	buf := []byte{
		0x03,                   // flags: wheel + crank
		0x78, 0x56, 0x34, 0x12, // wheel revolutions 0x12345678
		0x00, 0x04, // wheel event time 1024
		0x2A, 0x01, // crank revolutions 298
		0xFF, 0xFF, // crank event time 65535
	}

	m, err := Decode(buf, testTime)
	require.NoError(t, err)

	assert.True(t, m.HasWheelData())
	assert.True(t, m.HasCrankData())
	assert.Equal(t, uint32(0x12345678), m.CumulativeWheelRevolutions)
	assert.Equal(t, uint16(1024), m.LastWheelEventTime)
	assert.Equal(t, uint16(298), m.CumulativeCrankRevolutions)
	assert.Equal(t, uint16(65535), m.LastCrankEventTime)
	assert.Equal(t, testTime, m.Timestamp)
}

func TestDecode_WheelOnly(t *testing.T) {
	buf := []byte{0x01, 0x64, 0x00, 0x00, 0x00, 0x00, 0x08}

	m, err := Decode(buf, testTime)
	require.NoError(t, err)

	assert.True(t, m.HasWheelData())
	assert.False(t, m.HasCrankData())
	assert.Equal(t, uint32(100), m.CumulativeWheelRevolutions)
	assert.Equal(t, uint16(2048), m.LastWheelEventTime)
	assert.Zero(t, m.CumulativeCrankRevolutions)
	assert.Zero(t, m.LastCrankEventTime)
}

func TestDecode_CrankOnlyStartsAtOffsetOne(t *testing.T) {
	buf := []byte{0x02, 0x10, 0x00, 0x00, 0x02}

	m, err := Decode(buf, testTime)
	require.NoError(t, err)

	assert.False(t, m.HasWheelData())
	assert.Equal(t, uint16(16), m.CumulativeCrankRevolutions)
	assert.Equal(t, uint16(512), m.LastCrankEventTime)
	assert.Zero(t, m.CumulativeWheelRevolutions)
}

func TestDecode_NoDataFlags(t *testing.T) {
	m, err := Decode([]byte{0x00}, testTime)
	require.NoError(t, err)
	assert.Equal(t, Measurement{Timestamp: testTime}, m)
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	buf := []byte{0x02, 0x01, 0x00, 0x02, 0x00, 0xDE, 0xAD, 0xBE, 0xEF}

	m, err := Decode(buf, testTime)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), m.CumulativeCrankRevolutions)
	assert.Equal(t, uint16(2), m.LastCrankEventTime)
}

func TestDecode_IsDeterministic(t *testing.T) {
	buf := []byte{0x03, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	first, err := Decode(buf, testTime)
	require.NoError(t, err)
	second, err := Decode(buf, testTime)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []byte{0x03, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, buf, "input must not be modified")
}

func TestDecode_MalformedPayload(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", []byte{}},
		{"nil", nil},
		{"wheel flag without data", []byte{0x01}},
		{"wheel data truncated", []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{"crank flag without data", []byte{0x02, 0x00}},
		{"crank data truncated", []byte{0x02, 0x00, 0x00, 0x00}},
		{"both flags, crank truncated", []byte{0x03, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() {
				_, err = Decode(tt.buf, testTime)
			})
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	tests := []Measurement{
		{Flags: WheelRevolutionDataPresent, CumulativeWheelRevolutions: 0xFFFFFFFF, LastWheelEventTime: 0xFFFF},
		{Flags: CrankRevolutionDataPresent, CumulativeCrankRevolutions: 0xBEEF, LastCrankEventTime: 7},
		{
			Flags:                      WheelRevolutionDataPresent | CrankRevolutionDataPresent,
			CumulativeWheelRevolutions: 123456,
			LastWheelEventTime:         65000,
			CumulativeCrankRevolutions: 4321,
			LastCrankEventTime:         500,
		},
		{},
	}

	for _, want := range tests {
		want.Timestamp = testTime
		t.Run(want.Flags.String(), func(t *testing.T) {
			buf := Encode(want)
			assert.Len(t, buf, want.Flags.payloadLen())

			got, err := Decode(buf, testTime)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestEncode_DropsAbsentFields(t *testing.T) {
	m := Measurement{
		Flags:                      CrankRevolutionDataPresent,
		CumulativeWheelRevolutions: 99,
		CumulativeCrankRevolutions: 3,
		LastCrankEventTime:         1024,
	}
	assert.Equal(t, []byte{0x02, 0x03, 0x00, 0x00, 0x04}, Encode(m))
}
