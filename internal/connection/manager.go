package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
	"github.com/marknotgeorge/SpeedAndCadence/internal/events"
)

// ErrDisconnected is returned by Initialize when Disconnect ended the session while it was being set up
var ErrDisconnected = errors.New("session ended by disconnect")

// ErrSessionActive is returned by Initialize when a session is already running
var ErrSessionActive = errors.New("a session is already active")

const (
	accessDeniedMessage = "Access to the device is denied, because the application was not granted access, " +
		"or the device is currently in use by another application."
	subscriptionMessage = "Unable to connect to the CSC device!"
)

// LifecycleEvent is a host process lifecycle signal passed in by the Manager's owner
type LifecycleEvent int

const (
	Suspending LifecycleEvent = iota
	Resuming
)

func (e LifecycleEvent) String() string {
	if e == Suspending {
		return "Suspending"
	}
	return "Resuming"
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ServiceUUID        string
	CharacteristicUUID string
	Recovery           RecoveryPolicy
	// Sleep waits between rediscovery polls; it must return early with ctx.Err() once ctx is done
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o Options) withDefaults() Options {
	if o.ServiceUUID == "" {
		o.ServiceUUID = csc.ServiceUUIDCyclingSpeedCadence
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = csc.CharUUIDCSCMeasurement
	}
	o.Recovery = o.Recovery.withDefaults()
	if o.Sleep == nil {
		o.Sleep = contextSleep
	}
	return o
}

// Manager owns one CSC sensor session: it acquires the GATT service, subscribes to
// measurement notifications, recovers once from a broken bond, and publishes decoded
// measurements and status transitions.
type Manager struct {
	transport Transport
	logger    *log.Logger
	opts      Options

	mu                sync.Mutex
	status            Status
	device            DeviceRef
	service           ServiceHandle
	characteristic    Characteristic
	stopLinkWatch     func()
	addressFragment   string
	recoveryAttempted bool
	session           uint64 // bumped by Initialize and Disconnect; stale callbacks compare against it
	cancelSession     context.CancelFunc

	statusStream      *events.Stream[Status]
	measurementStream *events.Stream[csc.Measurement]
	malformed         atomic.Uint64
}

// NewManager creates a Manager in the Uninitialized state
func NewManager(transport Transport, logger *log.Logger, opts Options) *Manager {
	if transport == nil {
		panic("Manager: transport cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	return &Manager{
		transport:         transport,
		logger:            logger,
		opts:              opts.withDefaults(),
		status:            StatusOf(Uninitialized),
		statusStream:      events.NewStream[Status](false),
		measurementStream: events.NewStream[csc.Measurement](false),
	}
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Device returns the device of the current session, zero when Uninitialized
func (m *Manager) Device() DeviceRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// MalformedCount returns how many notifications were dropped because they could not be decoded
func (m *Manager) MalformedCount() uint64 {
	return m.malformed.Load()
}

// ListenStatus registers a callback invoked synchronously on every status transition.
// Returns a deregistration function.
func (m *Manager) ListenStatus(callback func(Status)) func() {
	return m.statusStream.Listen(callback)
}

// ListenStatusChan registers a channel for status transitions. Returns a deregistration function.
func (m *Manager) ListenStatusChan(ch chan<- Status) func() {
	return m.statusStream.ListenChan(ch)
}

// ListenMeasurements registers a callback invoked for every decoded measurement, in arrival order.
// Returns a deregistration function.
func (m *Manager) ListenMeasurements(callback func(csc.Measurement)) func() {
	return m.measurementStream.Listen(callback)
}

// ListenMeasurementsChan registers a channel for decoded measurements. Returns a deregistration function.
func (m *Manager) ListenMeasurementsChan(ch chan<- csc.Measurement) func() {
	return m.measurementStream.ListenChan(ch)
}

// Initialize starts a session with device and blocks until it settles: subscribed
// (AwaitingConnection or Connected), failed (the returned error is the ErrorStatus that
// was broadcast) or ended by Disconnect (ErrDisconnected). Pairing recovery, if needed,
// runs within this call. Cancelling ctx before then releases the session and returns ctx's error.
func (m *Manager) Initialize(ctx context.Context, device DeviceRef) error {
	m.mu.Lock()
	if m.cancelSession != nil {
		if m.status.State() != Failed {
			m.mu.Unlock()
			return ErrSessionActive
		}
		// a failed session holds nothing but its context
		m.cancelSession()
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	m.session++
	id := m.session
	m.cancelSession = cancel
	m.recoveryAttempted = false
	m.device = device
	m.mu.Unlock()

	m.logger.Printf("Connection: initializing session %d with %s", id, device)

	err := m.initialize(sessionCtx, id, device)
	var failed ErrorStatus
	if err == nil || errors.As(err, &failed) {
		return err
	}
	if interrupted(sessionCtx, err) && m.release(id) {
		m.logger.Printf("Connection: session %d cancelled by caller", id)
		return err
	}
	if !m.isCurrent(id) {
		return ErrDisconnected
	}
	return err
}

// Disconnect ends the session from any state: it cancels an in-flight recovery, releases the
// subscription, link watcher and service handle, and returns to Uninitialized. Safe to call
// repeatedly and concurrently with Initialize.
func (m *Manager) Disconnect() {
	m.release(0)
}

// release ends session id, or whichever session is current when id is 0.
// It returns false if id is no longer the current session.
func (m *Manager) release(id uint64) bool {
	m.mu.Lock()
	if id != 0 && m.session != id {
		m.mu.Unlock()
		return false
	}
	m.session++
	cancel := m.cancelSession
	stop := m.stopLinkWatch
	characteristic := m.characteristic
	service := m.service
	changed := m.status.State() != Uninitialized

	m.cancelSession = nil
	m.stopLinkWatch = nil
	m.characteristic = nil
	m.service = nil
	m.device = DeviceRef{}
	m.addressFragment = ""
	m.recoveryAttempted = false
	m.status = StatusOf(Uninitialized)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		stop()
	}
	if characteristic != nil {
		if err := characteristic.Unsubscribe(); err != nil {
			m.logger.Printf("Connection: error unsubscribing: %v", err)
		}
	}
	if service != nil {
		if err := service.Close(); err != nil {
			m.logger.Printf("Connection: error releasing service: %v", err)
		}
	}

	if changed {
		m.logger.Printf("Connection: disconnected")
		m.statusStream.Notify(StatusOf(Uninitialized))
	}
	return true
}

// HandleLifecycle reacts to host lifecycle events. Suspending releases the BLE subscription.
func (m *Manager) HandleLifecycle(event LifecycleEvent) {
	m.logger.Printf("Connection: lifecycle event %s", event)
	if event == Suspending {
		m.Disconnect()
	}
}

func (m *Manager) isCurrent(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session == id
}

// transition applies next to the status of session id and broadcasts the result.
// It returns false without broadcasting if the session is stale or next declines.
func (m *Manager) transition(id uint64, next func(current Status) (Status, bool)) bool {
	m.mu.Lock()
	if m.session != id {
		m.mu.Unlock()
		return false
	}
	status, ok := next(m.status)
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.status = status
	m.mu.Unlock()

	m.logger.Printf("Connection: status -> %s", status)
	m.statusStream.Notify(status)
	return true
}

func (m *Manager) setStatus(id uint64, status Status) bool {
	return m.transition(id, func(Status) (Status, bool) { return status, true })
}

// fail broadcasts an ErrorStatus for session id and returns it as an error
func (m *Manager) fail(id uint64, message string, cause error) error {
	status := ErrorStatus{Message: message, Err: cause}
	m.logger.Printf("Connection: %s: %v", message, cause)
	m.setStatus(id, status)
	return status
}

// interrupted reports whether err stems from the session being cancelled
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func (m *Manager) initialize(ctx context.Context, id uint64, device DeviceRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	service, err := m.transport.AcquireService(ctx, device, m.opts.ServiceUUID)
	if err != nil {
		if interrupted(ctx, err) {
			return ctx.Err()
		}
		if errors.Is(err, ErrAccessDenied) || errors.Is(err, ErrDeviceBusy) {
			return m.fail(id, accessDeniedMessage, err)
		}
		return m.fail(id, "Accessing your device failed: "+err.Error(), err)
	}

	m.mu.Lock()
	adopted := m.session == id
	if adopted {
		m.device = device
		m.service = service
	}
	m.mu.Unlock()
	if !adopted {
		if err := service.Close(); err != nil {
			m.logger.Printf("Connection: error releasing abandoned service: %v", err)
		}
		return ErrDisconnected
	}

	m.setStatus(id, StatusOf(Initialized))
	return m.configureNotifications(ctx, id)
}

func statusForLink(link LinkStatus) Status {
	if link == LinkConnected {
		return StatusOf(Connected)
	}
	return StatusOf(AwaitingConnection)
}

func (m *Manager) configureNotifications(ctx context.Context, id uint64) error {
	m.mu.Lock()
	service := m.service
	current := m.session == id && service != nil
	m.mu.Unlock()
	if !current {
		return ErrDisconnected
	}

	characteristic, err := service.Characteristic(m.opts.CharacteristicUUID)
	if err == nil {
		err = characteristic.Subscribe(func(n RawNotification) {
			m.handleNotification(id, n)
		})
	}
	if err != nil {
		return m.handleConfigureFailure(ctx, id, err)
	}

	stop := service.WatchLinkStatus(func(link LinkStatus) {
		m.handleLinkStatus(id, link)
	})

	m.mu.Lock()
	adopted := m.session == id
	if adopted {
		m.characteristic = characteristic
		m.stopLinkWatch = stop
	}
	m.mu.Unlock()
	if !adopted {
		stop()
		_ = characteristic.Unsubscribe()
		return ErrDisconnected
	}

	// read the link under the lock so a concurrent link event cannot be overwritten
	m.transition(id, func(Status) (Status, bool) {
		return statusForLink(service.LinkStatus()), true
	})
	return nil
}

func (m *Manager) handleConfigureFailure(ctx context.Context, id uint64, cause error) error {
	if !errors.Is(cause, ErrSubscription) {
		cause = fmt.Errorf("%w: %w", ErrSubscription, cause)
	}
	m.logger.Printf("Connection: configuring notifications failed: %v", cause)

	m.mu.Lock()
	if m.session != id {
		m.mu.Unlock()
		return ErrDisconnected
	}
	alreadyTried := m.recoveryAttempted
	m.recoveryAttempted = true
	service := m.service
	m.service = nil
	m.mu.Unlock()

	if service != nil {
		if err := service.Close(); err != nil {
			m.logger.Printf("Connection: error releasing service: %v", err)
		}
	}

	if alreadyTried {
		m.logger.Printf("Connection: second failure after pairing recovery, giving up")
		return m.fail(id, subscriptionMessage, cause)
	}

	m.logger.Printf("Connection: first failure, recycling the pairing")
	m.setStatus(id, StatusOf(Pairing))
	return m.recoverPairing(ctx, id)
}

func pairingError(step string, result PairingResult, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPairingFailure, step, err)
	}
	return fmt.Errorf("%w: %s returned %s", ErrPairingFailure, step, result)
}

// recoverPairing unpairs and re-pairs the device, then polls for it to reappear under a new
// ID carrying the same hardware address, and re-runs initialization on it.
func (m *Manager) recoverPairing(ctx context.Context, id uint64) error {
	m.mu.Lock()
	device := m.device
	m.mu.Unlock()

	fragment, err := AddressFragment(device.ID)
	if err != nil {
		return m.fail(id, "Unable to identify the device for re-pairing", fmt.Errorf("%w: %w", ErrPairingFailure, err))
	}
	m.mu.Lock()
	m.addressFragment = fragment
	m.mu.Unlock()

	paired, err := m.transport.IsPaired(ctx, device)
	if err != nil {
		if interrupted(ctx, err) {
			return ctx.Err()
		}
		return m.fail(id, "Reading the pairing state failed", pairingError("pairing state", PairingFailed, err))
	}

	if paired {
		m.setStatus(id, StatusOf(Unpairing))
		result, err := m.transport.Unpair(ctx, device)
		if interrupted(ctx, err) {
			return ctx.Err()
		}
		if err != nil || result != PairingUnpaired {
			return m.fail(id, "Unpairing the device failed", pairingError("unpair", result, err))
		}
		m.logger.Printf("Connection: device is unpaired, re-pairing")
	} else {
		m.logger.Printf("Connection: device is not paired, pairing")
	}

	result, err := m.transport.Pair(ctx, device)
	if interrupted(ctx, err) {
		return ctx.Err()
	}
	if err != nil || result != PairingPaired {
		return m.fail(id, "Re-pairing the device failed", pairingError("pair", result, err))
	}
	m.setStatus(id, StatusOf(Paired))

	policy := m.opts.Recovery
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		devices, err := m.transport.FindDevices(ctx, m.opts.ServiceUUID)
		if err != nil {
			if interrupted(ctx, err) {
				return ctx.Err()
			}
			m.logger.Printf("Connection: finding devices failed: %v", err)
		}
		m.logger.Printf("Connection: finding device %s, attempt %d/%d, %d candidates",
			fragment, attempt+1, policy.MaxAttempts, len(devices))

		if found, ok := matchDevice(devices, fragment); ok {
			m.logger.Printf("Connection: device found as %s", found.ID)
			return m.initialize(ctx, id, found)
		}

		if attempt < policy.MaxAttempts-1 {
			if err := m.opts.Sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
		}
	}

	return m.fail(id,
		fmt.Sprintf("Unable to find the device after re-pairing (%d attempts)", policy.MaxAttempts),
		fmt.Errorf("%w: address %s", ErrDeviceNotFound, fragment))
}

func (m *Manager) handleNotification(id uint64, n RawNotification) {
	if !m.isCurrent(id) {
		return
	}
	timestamp := n.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	measurement, err := csc.Decode(n.Data, timestamp)
	if err != nil {
		m.malformed.Add(1)
		m.logger.Printf("Connection: dropping notification: %v (raw: %v)", err, n.Data)
		return
	}
	m.measurementStream.Notify(measurement)
}

func (m *Manager) handleLinkStatus(id uint64, link LinkStatus) {
	m.transition(id, func(current Status) (Status, bool) {
		state := current.State()
		if state != AwaitingConnection && state != Connected {
			return nil, false
		}
		next := statusForLink(link)
		return next, next.State() != state
	})
}
