package monitor

import (
	"log"
	"sync"
	"time"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
	"github.com/marknotgeorge/SpeedAndCadence/internal/events"
)

// Session is the part of connection.Manager a Ride consumes
type Session interface {
	ListenStatus(callback func(connection.Status)) func()
	ListenMeasurements(callback func(csc.Measurement)) func()
	Status() connection.Status
	Device() connection.DeviceRef
	Disconnect()
}

var _ Session = (*connection.Manager)(nil)

// Snapshot is everything a renderer needs to draw one frame
type Snapshot struct {
	Status  connection.Status
	Message string
	Device  connection.DeviceRef

	MeasurementsReceived uint64
	Rates                csc.Rates
	// HasRates is false until two measurements of the session could be compared,
	// and again right after a stale gap
	HasRates        bool
	WheelSamples    int
	CrankSamples    int
	LastMeasurement time.Time

	// LastError is the message of the failure that ended the previous session.
	// It is cleared when the next session initializes.
	LastError string
}

// Ride turns a session's status and measurement streams into Snapshots
type Ride struct {
	session Session
	logger  *log.Logger

	mu         sync.Mutex
	calc       *csc.Calculator
	snapshot   Snapshot
	started    bool
	unregister []func()

	snapshots *events.Stream[Snapshot]
}

func NewRide(session Session, logger *log.Logger, opts ...csc.CalculatorOption) *Ride {
	if session == nil {
		panic("Ride: session cannot be nil")
	}
	if logger == nil {
		panic("Ride: logger cannot be nil")
	}
	status := session.Status()
	return &Ride{
		session: session,
		logger:  logger,
		calc:    csc.NewCalculator(opts...),
		snapshot: Snapshot{
			Status:  status,
			Message: status.String(),
			Device:  session.Device(),
		},
		snapshots: events.NewStream[Snapshot](true),
	}
}

// Start subscribes to the session and publishes the current snapshot
func (r *Ride) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	unStatus := r.session.ListenStatus(r.onStatus)
	unMeasurements := r.session.ListenMeasurements(r.onMeasurement)

	r.mu.Lock()
	r.unregister = append(r.unregister, unStatus, unMeasurements)
	snap := r.snapshot
	r.mu.Unlock()

	r.snapshots.Notify(snap)
}

// Stop unsubscribes from the session. The session itself is left alone.
func (r *Ride) Stop() {
	r.mu.Lock()
	unregister := r.unregister
	r.unregister = nil
	r.started = false
	r.mu.Unlock()

	for _, fn := range unregister {
		fn()
	}
}

func (r *Ride) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot
}

// ListenSnapshots registers a callback; the latest snapshot is replayed immediately
func (r *Ride) ListenSnapshots(callback func(Snapshot)) func() {
	return r.snapshots.Listen(callback)
}

// ListenSnapshotsChan registers a channel; sends never block
func (r *Ride) ListenSnapshotsChan(ch chan<- Snapshot) func() {
	return r.snapshots.ListenChan(ch)
}

func (r *Ride) onStatus(status connection.Status) {
	r.mu.Lock()
	prev := r.snapshot.Status
	if status.State() == connection.Initialized && startsSession(prev) {
		r.resetLocked()
	}

	r.snapshot.Status = status
	r.snapshot.Device = r.session.Device()

	failed, isFailure := status.(connection.ErrorStatus)
	switch {
	case isFailure:
		r.snapshot.LastError = failed.Message
		r.snapshot.Message = "ERROR: " + failed.Message
	case status.State() == connection.Uninitialized && r.snapshot.LastError != "":
		// keep the error on screen until the next session starts
	default:
		r.snapshot.Message = status.String()
	}
	snap := r.snapshot
	r.mu.Unlock()

	r.snapshots.Notify(snap)

	if isFailure {
		r.logger.Printf("Ride: session failed: %s", failed.Message)
		r.session.Disconnect()
	}
}

// startsSession reports whether moving from prev to Initialized begins a new session
// rather than resuming one after pairing recovery
func startsSession(prev connection.Status) bool {
	if prev == nil {
		return true
	}
	switch prev.State() {
	case connection.Uninitialized, connection.Failed:
		return true
	}
	return false
}

func (r *Ride) resetLocked() {
	r.calc.Reset()
	r.snapshot.MeasurementsReceived = 0
	r.snapshot.Rates = csc.Rates{}
	r.snapshot.HasRates = false
	r.snapshot.WheelSamples = 0
	r.snapshot.CrankSamples = 0
	r.snapshot.LastMeasurement = time.Time{}
	r.snapshot.LastError = ""
}

func (r *Ride) onMeasurement(m csc.Measurement) {
	r.mu.Lock()
	r.snapshot.MeasurementsReceived++
	r.snapshot.LastMeasurement = m.Timestamp

	rates, ok := r.calc.Update(m)
	if ok {
		r.snapshot.Rates = rates
	} else {
		r.snapshot.Rates = csc.Rates{}
	}
	r.snapshot.HasRates = ok
	r.snapshot.WheelSamples = r.calc.WheelSamples()
	r.snapshot.CrankSamples = r.calc.CrankSamples()
	snap := r.snapshot
	r.mu.Unlock()

	r.snapshots.Notify(snap)
}
