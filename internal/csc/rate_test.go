package csc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wheel(revs uint32, eventTime uint16, at time.Duration) Measurement {
	return Measurement{
		Flags:                      WheelRevolutionDataPresent,
		CumulativeWheelRevolutions: revs,
		LastWheelEventTime:         eventTime,
		Timestamp:                  testTime.Add(at),
	}
}

func crank(revs uint16, eventTime uint16, at time.Duration) Measurement {
	return Measurement{
		Flags:                      CrankRevolutionDataPresent,
		CumulativeCrankRevolutions: revs,
		LastCrankEventTime:         eventTime,
		Timestamp:                  testTime.Add(at),
	}
}

func TestEventTimeDelta(t *testing.T) {
	assert.InDelta(t, 1.0, EventTimeDelta(0, 1024), 1e-9)
	assert.InDelta(t, 0.0, EventTimeDelta(500, 500), 1e-9)
	assert.InDelta(t, (65536.0-65000.0+500.0)/1024.0, EventTimeDelta(65000, 500), 1e-9)
	assert.InDelta(t, 1.0/1024.0, EventTimeDelta(65535, 0), 1e-9)
}

func TestRevolutionDeltas_Wraparound(t *testing.T) {
	assert.Equal(t, uint32(3), WheelRevolutionDelta(100, 103))
	assert.Equal(t, uint32(5), WheelRevolutionDelta(0xFFFFFFFE, 3))
	assert.Equal(t, uint16(2), CrankRevolutionDelta(65535, 1))
}

func TestRPM(t *testing.T) {
	assert.InDelta(t, 180.0, RPM(3, 1), 1e-9)
	assert.Equal(t, 0.0, RPM(3, 0))
}

func TestSpeedKmh(t *testing.T) {
	assert.InDelta(t, 25.92, SpeedKmh(180, DefaultWheelCircumference), 1e-9)
	assert.InDelta(t, 22.68, SpeedKmh(180, 2.1), 1e-9)
}

func TestCalculator_FirstMeasurementIsBaseline(t *testing.T) {
	c := NewCalculator()

	rates, ok := c.Update(wheel(100, 0, 0))
	assert.False(t, ok)
	assert.Equal(t, Rates{}, rates)
	assert.Equal(t, 0, c.WheelSamples())
}

func TestCalculator_WheelRPM(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(100, 0, 0))

	rates, ok := c.Update(wheel(103, 1024, time.Second))
	require.True(t, ok)
	assert.InDelta(t, 180.0, rates.WheelRPM, 1e-9)
	assert.InDelta(t, 180.0, rates.AverageWheelRPM, 1e-9)
	assert.InDelta(t, 180*2.4*60/1000, rates.SpeedKmh, 1e-9)
	assert.Equal(t, 1, c.WheelSamples())
}

func TestCalculator_EndToEndThreeWheelPayloads(t *testing.T) {
	c := NewCalculator()
	revs := []uint32{100, 103, 107}
	ticks := []uint16{0, 1024, 2048}

	var instantaneous []float64
	var last Rates
	for i := range revs {
		payload := Encode(wheel(revs[i], ticks[i], 0))
		m, err := Decode(payload, testTime.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)

		rates, ok := c.Update(m)
		if i == 0 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		instantaneous = append(instantaneous, rates.WheelRPM)
		last = rates
	}

	assert.InDeltaSlice(t, []float64{180, 240}, instantaneous, 1e-9)
	assert.InDelta(t, 210.0, last.AverageWheelRPM, 1e-9)
	assert.Equal(t, 0, c.CrankSamples(), "wheel-only sensor must not feed crank samples")
}

func TestCalculator_EventTimeWraparound(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(10, 65000, 0))

	rates, ok := c.Update(wheel(12, 500, time.Second))
	require.True(t, ok)
	assert.InDelta(t, 2/((65536.0-65000.0+500.0)/1024.0/60), rates.WheelRPM, 1e-9)
}

func TestCalculator_CounterWraparound(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(0xFFFFFFFF, 0, 0))

	rates, ok := c.Update(wheel(1, 1024, time.Second))
	require.True(t, ok)
	assert.InDelta(t, 120.0, rates.WheelRPM, 1e-9)

	c.Reset()
	c.Update(crank(65535, 0, 0))
	rates, ok = c.Update(crank(0, 1024, time.Second))
	require.True(t, ok)
	assert.InDelta(t, 60.0, rates.CrankRPM, 1e-9)
}

func TestCalculator_ZeroTimeDeltaYieldsZero(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(100, 2048, 0))

	var rates Rates
	var ok bool
	assert.NotPanics(t, func() {
		rates, ok = c.Update(wheel(100, 2048, time.Second))
	})
	require.True(t, ok)
	assert.Equal(t, 0.0, rates.WheelRPM)
	assert.Equal(t, 0.0, rates.SpeedKmh)
	assert.Equal(t, 1, c.WheelSamples(), "a zero sample still counts towards the average")
}

func TestCalculator_StaleGapResetsAverages(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(100, 0, 0))
	c.Update(wheel(103, 1024, time.Second))
	c.Update(wheel(107, 2048, 2*time.Second))
	require.Equal(t, 2, c.WheelSamples())

	var ok bool
	assert.NotPanics(t, func() {
		_, ok = c.Update(wheel(200, 4096, 2*time.Second+65*time.Second))
	})
	assert.False(t, ok)
	assert.Equal(t, 0, c.WheelSamples())
	assert.Equal(t, 0, c.CrankSamples())

	// the stale measurement is the new baseline
	rates, ok := c.Update(wheel(202, 5120, 68*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 120.0, rates.WheelRPM, 1e-9)
	assert.InDelta(t, 120.0, rates.AverageWheelRPM, 1e-9)
}

func TestCalculator_GapOfExactlyStaleWindowIsNotStale(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(100, 0, 0))

	_, ok := c.Update(wheel(101, 1024, 64*time.Second))
	assert.True(t, ok)
}

func TestCalculator_RunningAverage(t *testing.T) {
	tests := []struct {
		name string
		revs []uint32
		want float64
	}{
		{"one sample", []uint32{0, 1}, 60},
		{"two samples", []uint32{0, 1, 3}, 90},
		{"n samples", []uint32{0, 1, 3, 6, 10, 15}, (60.0 + 120 + 180 + 240 + 300) / 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCalculator()
			var rates Rates
			for i, r := range tt.revs {
				rates, _ = c.Update(wheel(r, uint16(i*1024), time.Duration(i)*time.Second))
			}
			assert.InDelta(t, tt.want, rates.AverageWheelRPM, 1e-9)
			assert.Equal(t, len(tt.revs)-1, c.WheelSamples())
		})
	}
}

func TestCalculator_CrankOnlyKeepsWheelBaseline(t *testing.T) {
	c := NewCalculator()
	both := func(wrevs uint32, wtime uint16, crevs uint16, ctime uint16, at time.Duration) Measurement {
		return Measurement{
			Flags:                      WheelRevolutionDataPresent | CrankRevolutionDataPresent,
			CumulativeWheelRevolutions: wrevs,
			LastWheelEventTime:         wtime,
			CumulativeCrankRevolutions: crevs,
			LastCrankEventTime:         ctime,
			Timestamp:                  testTime.Add(at),
		}
	}

	c.Update(both(100, 0, 10, 0, 0))

	rates, ok := c.Update(crank(11, 1024, time.Second))
	require.True(t, ok)
	assert.InDelta(t, 60.0, rates.CrankRPM, 1e-9)
	assert.Equal(t, 0.0, rates.WheelRPM)
	assert.Equal(t, 0, c.WheelSamples())

	rates, ok = c.Update(both(104, 2048, 12, 2048, 2*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 120.0, rates.WheelRPM, 1e-9, "wheel delta spans back to the last wheel data")
	assert.InDelta(t, 60.0, rates.AverageCrankRPM, 1e-9)
}

func TestCalculator_ChannelFirstSeenMidSessionIsBaseline(t *testing.T) {
	c := NewCalculator()
	c.Update(crank(10, 0, 0))

	rates, ok := c.Update(Measurement{
		Flags:                      WheelRevolutionDataPresent | CrankRevolutionDataPresent,
		CumulativeWheelRevolutions: 5000,
		LastWheelEventTime:         1024,
		CumulativeCrankRevolutions: 11,
		LastCrankEventTime:         1024,
		Timestamp:                  testTime.Add(time.Second),
	})
	require.True(t, ok)
	assert.Equal(t, 0.0, rates.WheelRPM)
	assert.Equal(t, 0, c.WheelSamples())
	assert.InDelta(t, 60.0, rates.CrankRPM, 1e-9)
}

func TestCalculator_Options(t *testing.T) {
	c := NewCalculator(WithWheelCircumference(2.105), WithStaleAfter(5*time.Second))
	assert.Equal(t, 2.105, c.WheelCircumference())

	c.Update(wheel(0, 0, 0))
	_, ok := c.Update(wheel(1, 1024, 6*time.Second))
	assert.False(t, ok)

	rates, ok := c.Update(wheel(4, 2048, 7*time.Second))
	require.True(t, ok)
	assert.InDelta(t, 180*2.105*60/1000, rates.SpeedKmh, 1e-9)

	ignored := NewCalculator(WithWheelCircumference(0), WithStaleAfter(-time.Second))
	assert.Equal(t, DefaultWheelCircumference, ignored.WheelCircumference())
}

func TestCalculator_Reset(t *testing.T) {
	c := NewCalculator()
	c.Update(wheel(0, 0, 0))
	c.Update(wheel(1, 1024, time.Second))
	require.Equal(t, 1, c.WheelSamples())

	c.Reset()
	assert.Equal(t, 0, c.WheelSamples())

	_, ok := c.Update(wheel(1000, 0, 2*time.Second))
	assert.False(t, ok, "first measurement after reset is a baseline")
}
