package csc

import "time"

const (
	// DefaultWheelCircumference is the circumference in meters of the single wheel size
	// supported before it became configurable
	DefaultWheelCircumference = 2.4

	// DefaultStaleAfter is the gap between two measurements after which averages are discarded
	DefaultStaleAfter = 64 * time.Second

	// eventTimeTicksPerSecond is the resolution of the CSC event time fields
	eventTimeTicksPerSecond = 1024.0
	eventTimeRollover       = 65536
)

// Rates holds the figures derived from one pair of measurements
type Rates struct {
	WheelRPM        float64
	AverageWheelRPM float64
	CrankRPM        float64
	AverageCrankRPM float64
	SpeedKmh        float64
	AverageSpeedKmh float64
}

// runningMean accumulates samples since the last reset
type runningMean struct {
	sum   float64
	count int
}

func (r *runningMean) add(v float64) {
	r.sum += v
	r.count++
}

func (r *runningMean) mean() float64 {
	if r.count == 0 {
		return 0
	}
	return r.sum / float64(r.count)
}

func (r *runningMean) reset() {
	r.sum = 0
	r.count = 0
}

// Calculator turns successive measurements of one session into speed and cadence.
// It is not safe for concurrent use; one consumer owns it.
//
// Update expects measurements in capture order: a measurement timestamped before
// the previous one is a caller error and yields meaningless rates.
type Calculator struct {
	circumference float64
	staleAfter    time.Duration

	prev      Measurement
	hasPrev   bool
	wheelSeen bool
	crankSeen bool
	wheel     runningMean
	crank     runningMean
}

// CalculatorOption configures a Calculator
type CalculatorOption func(*Calculator)

// WithWheelCircumference sets the wheel circumference in meters used for speed
func WithWheelCircumference(meters float64) CalculatorOption {
	return func(c *Calculator) {
		if meters > 0 {
			c.circumference = meters
		}
	}
}

// WithStaleAfter sets the measurement gap after which averages are reset
func WithStaleAfter(d time.Duration) CalculatorOption {
	return func(c *Calculator) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// NewCalculator creates a Calculator with the default 2.4 m wheel and 64 s staleness window
func NewCalculator(opts ...CalculatorOption) *Calculator {
	c := &Calculator{
		circumference: DefaultWheelCircumference,
		staleAfter:    DefaultStaleAfter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WheelCircumference returns the configured circumference in meters
func (c *Calculator) WheelCircumference() float64 {
	return c.circumference
}

// Update feeds the next measurement. It returns false when no rates could be computed:
// on the first measurement of a session and after a gap longer than the staleness window,
// in both cases cur becomes the new baseline.
//
// A channel (wheel or crank) whose data is absent from cur keeps its previous counters
// and contributes no sample.
func (c *Calculator) Update(cur Measurement) (Rates, bool) {
	if !c.hasPrev || cur.Timestamp.Sub(c.prev.Timestamp) > c.staleAfter {
		c.wheel.reset()
		c.crank.reset()
		c.rebase(cur)
		return Rates{}, false
	}

	prev := c.prev
	var rates Rates

	if cur.HasWheelData() {
		if c.wheelSeen {
			rates.WheelRPM = RPM(
				float64(WheelRevolutionDelta(prev.CumulativeWheelRevolutions, cur.CumulativeWheelRevolutions)),
				EventTimeDelta(prev.LastWheelEventTime, cur.LastWheelEventTime),
			)
			c.wheel.add(rates.WheelRPM)
		}
		c.wheelSeen = true
	} else {
		cur.CumulativeWheelRevolutions = prev.CumulativeWheelRevolutions
		cur.LastWheelEventTime = prev.LastWheelEventTime
	}

	if cur.HasCrankData() {
		if c.crankSeen {
			rates.CrankRPM = RPM(
				float64(CrankRevolutionDelta(prev.CumulativeCrankRevolutions, cur.CumulativeCrankRevolutions)),
				EventTimeDelta(prev.LastCrankEventTime, cur.LastCrankEventTime),
			)
			c.crank.add(rates.CrankRPM)
		}
		c.crankSeen = true
	} else {
		cur.CumulativeCrankRevolutions = prev.CumulativeCrankRevolutions
		cur.LastCrankEventTime = prev.LastCrankEventTime
	}

	rates.AverageWheelRPM = c.wheel.mean()
	rates.AverageCrankRPM = c.crank.mean()
	rates.SpeedKmh = SpeedKmh(rates.WheelRPM, c.circumference)
	rates.AverageSpeedKmh = SpeedKmh(rates.AverageWheelRPM, c.circumference)

	c.prev = cur
	return rates, true
}

func (c *Calculator) rebase(cur Measurement) {
	c.prev = cur
	c.hasPrev = true
	c.wheelSeen = cur.HasWheelData()
	c.crankSeen = cur.HasCrankData()
}

// Reset discards the baseline and both averages, e.g. when a new session begins
func (c *Calculator) Reset() {
	c.prev = Measurement{}
	c.hasPrev = false
	c.wheelSeen = false
	c.crankSeen = false
	c.wheel.reset()
	c.crank.reset()
}

// WheelSamples returns the number of wheel rpm samples averaged since the last reset
func (c *Calculator) WheelSamples() int {
	return c.wheel.count
}

// CrankSamples returns the number of crank rpm samples averaged since the last reset
func (c *Calculator) CrankSamples() int {
	return c.crank.count
}

// EventTimeDelta returns the seconds elapsed between two 1/1024 s event times,
// assuming at most one rollover of the 16-bit counter
func EventTimeDelta(prev, cur uint16) float64 {
	if cur >= prev {
		return float64(cur-prev) / eventTimeTicksPerSecond
	}
	return float64(eventTimeRollover-int(prev)+int(cur)) / eventTimeTicksPerSecond
}

// WheelRevolutionDelta returns cur - prev modulo 2^32
func WheelRevolutionDelta(prev, cur uint32) uint32 {
	return cur - prev
}

// CrankRevolutionDelta returns cur - prev modulo 2^16
func CrankRevolutionDelta(prev, cur uint16) uint16 {
	return cur - prev
}

// RPM converts revolutions over an interval in seconds to revolutions per minute.
// A zero interval (no new event) yields 0.
func RPM(revolutions, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return revolutions / (seconds / 60)
}

// SpeedKmh converts a wheel rpm to km/h for the given circumference in meters
func SpeedKmh(wheelRPM, circumference float64) float64 {
	return wheelRPM * circumference * 60 / 1000
}
