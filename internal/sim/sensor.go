package sim

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
	"github.com/marknotgeorge/SpeedAndCadence/internal/events"
)

// event times tick at 1/1024 s and wrap at 2^16
const (
	ticksPerSecond = 1024.0
	eventTimeRange = 65536.0
)

// SensorConfig describes a simulated speed and cadence sensor
type SensorConfig struct {
	Address            string
	LocalName          string
	SpeedKmh           float64
	CadenceRPM         float64
	WheelCircumference float64 // meters; defaults to csc.DefaultWheelCircumference
	// FailFirstSubscribe makes the first subscription attempt fail, the way a sensor
	// with a stale bond refuses its CCCD write until it is paired again
	FailFirstSubscribe bool
	// Counters start here, so wraparound can be reached quickly
	StartWheelRevolutions uint32
	StartCrankRevolutions uint16
	Clock                 func() time.Time
}

// Sensor is a simulated CSC peripheral. It integrates wheel and crank revolutions over time
// and encodes them the way a real sensor does.
type Sensor struct {
	logger *log.Logger
	cfg    SensorConfig

	mu             sync.Mutex
	speedKmh       float64
	cadenceRPM     float64
	lastUpdate     time.Time
	clockTicks     float64 // ticks since the sensor started
	wheelRevs      uint32
	wheelRemainder float64
	wheelEventTime uint16
	crankRevs      uint16
	crankRemainder float64
	crankEventTime uint16

	connected      bool
	paired         bool
	instance       int
	failSubscribes int
	handler        func(connection.RawNotification)
	notifications  int

	linkEvent *events.Stream[connection.LinkStatus]
}

// NewSensor creates a sensor that is paired, disconnected and at rest at the configured counters
func NewSensor(logger *log.Logger, cfg SensorConfig) *Sensor {
	if logger == nil {
		panic("Sensor: logger cannot be nil")
	}
	if cfg.WheelCircumference <= 0 {
		cfg.WheelCircumference = csc.DefaultWheelCircumference
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "Simulated CSC Sensor"
	}
	s := &Sensor{
		logger:     logger,
		cfg:        cfg,
		speedKmh:   cfg.SpeedKmh,
		cadenceRPM: cfg.CadenceRPM,
		wheelRevs:  cfg.StartWheelRevolutions,
		crankRevs:  cfg.StartCrankRevolutions,
		paired:     true,
		instance:   1,
		linkEvent:  events.NewStream[connection.LinkStatus](false),
	}
	if cfg.FailFirstSubscribe {
		s.failSubscribes = 1
	}
	return s
}

func (s *Sensor) Address() string {
	return s.cfg.Address
}

func (s *Sensor) LocalName() string {
	return s.cfg.LocalName
}

// SetSpeed changes the simulated road speed. Revolutions up to now are accounted at the old speed.
func (s *Sensor) SetSpeed(kmh float64) {
	now := s.cfg.Clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(now)
	s.speedKmh = math.Max(kmh, 0)
}

// SetCadence changes the simulated crank cadence
func (s *Sensor) SetCadence(rpm float64) {
	now := s.cfg.Clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(now)
	s.cadenceRPM = math.Max(rpm, 0)
}

// wheelRPM derives wheel revolutions per minute from the road speed
func (s *Sensor) wheelRPMLocked() float64 {
	return s.speedKmh * 1000 / 60 / s.cfg.WheelCircumference
}

// accumulate adds the revolutions turned over elapsed seconds at rpm. It returns the whole
// revolutions completed, the new fractional remainder and, if any revolution completed,
// how many ticks before now the last one did.
func accumulate(rpm, elapsed, remainder float64) (whole float64, rest float64, ticksAgo float64, completed bool) {
	if rpm <= 0 || elapsed <= 0 {
		return 0, remainder, 0, false
	}
	revsPerSecond := rpm / 60
	total := revsPerSecond*elapsed + remainder
	whole = math.Floor(total)
	rest = total - whole
	if whole < 1 {
		return 0, rest, 0, false
	}
	return whole, rest, rest / revsPerSecond * ticksPerSecond, true
}

func eventTimeAt(ticks float64) uint16 {
	return uint16(math.Mod(math.Floor(ticks), eventTimeRange))
}

func (s *Sensor) advanceLocked(now time.Time) {
	if s.lastUpdate.IsZero() {
		s.lastUpdate = now
		return
	}
	elapsed := now.Sub(s.lastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	s.lastUpdate = now
	s.clockTicks += elapsed * ticksPerSecond

	whole, rest, ago, ok := accumulate(s.wheelRPMLocked(), elapsed, s.wheelRemainder)
	s.wheelRemainder = rest
	if ok {
		s.wheelRevs += uint32(whole)
		s.wheelEventTime = eventTimeAt(s.clockTicks - ago)
	}

	whole, rest, ago, ok = accumulate(s.cadenceRPM, elapsed, s.crankRemainder)
	s.crankRemainder = rest
	if ok {
		s.crankRevs += uint16(whole)
		s.crankEventTime = eventTimeAt(s.clockTicks - ago)
	}
}

// Sample advances the counters to now and returns the measurement the sensor would report
func (s *Sensor) Sample() csc.Measurement {
	now := s.cfg.Clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(now)
	return csc.Measurement{
		Flags:                      csc.WheelRevolutionDataPresent | csc.CrankRevolutionDataPresent,
		CumulativeWheelRevolutions: s.wheelRevs,
		LastWheelEventTime:         s.wheelEventTime,
		CumulativeCrankRevolutions: s.crankRevs,
		LastCrankEventTime:         s.crankEventTime,
		Timestamp:                  now,
	}
}

// Notify sends the current measurement to the subscriber, if there is one
func (s *Sensor) Notify() {
	measurement := s.Sample()

	s.mu.Lock()
	handler := s.handler
	if handler != nil {
		s.notifications++
	}
	s.mu.Unlock()

	if handler != nil {
		handler(connection.RawNotification{Data: csc.Encode(measurement), Timestamp: measurement.Timestamp})
	}
}

// Notifications returns how many notifications were delivered
func (s *Sensor) Notifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications
}

// SetConnected changes the radio link and tells the link watchers
func (s *Sensor) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	if !connected {
		s.handler = nil
	}
	s.mu.Unlock()

	if changed {
		s.logger.Printf("Sensor [%s]: connected=%v", s.cfg.LocalName, connected)
		s.linkEvent.Notify(s.linkStatus())
	}
}

func (s *Sensor) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Sensor) linkStatus() connection.LinkStatus {
	if s.isConnected() {
		return connection.LinkConnected
	}
	return connection.LinkDisconnected
}

func (s *Sensor) currentInstance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance
}
