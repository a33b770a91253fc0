package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/marknotgeorge/SpeedAndCadence/internal/bt"
	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
	"github.com/marknotgeorge/SpeedAndCadence/internal/safego"
)

// DefaultNotifyInterval matches the once-per-second cadence of typical CSC sensors
const DefaultNotifyInterval = time.Second

var errRefused = errors.New("attribute write refused by simulated sensor")

// Transport serves simulated sensors through the connection.Transport interface, so the
// monitor can run without Bluetooth hardware. Connected sensors notify on a ticker.
type Transport struct {
	logger   *log.Logger
	sensors  []*Sensor
	interval time.Duration

	mu           sync.Mutex
	notifying    bool
	notifyCancel context.CancelFunc
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

var _ connection.Transport = (*Transport)(nil)

// NewTransport serves sensors. A non-positive interval disables the notification ticker;
// Sensor.Notify can still be called directly.
func NewTransport(logger *log.Logger, interval time.Duration, sensors ...*Sensor) *Transport {
	if logger == nil {
		panic("Transport: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		logger:   logger,
		sensors:  sensors,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Sensors returns the simulated sensors
func (t *Transport) Sensors() []*Sensor {
	return t.sensors
}

func (t *Transport) lookup(ref connection.DeviceRef) (*Sensor, error) {
	address, _, err := bt.ParseDeviceID(ref.ID)
	if err != nil {
		return nil, err
	}
	for _, sensor := range t.sensors {
		if strings.EqualFold(sensor.Address(), address) {
			return sensor, nil
		}
	}
	return nil, fmt.Errorf("unknown device: %s", ref.ID)
}

func refFor(sensor *Sensor) connection.DeviceRef {
	return connection.DeviceRef{
		ID:   bt.DeviceID(sensor.Address(), csc.ServiceUUIDCyclingSpeedCadence, sensor.currentInstance()),
		Name: sensor.LocalName(),
	}
}

func (t *Transport) FindDevices(ctx context.Context, serviceUUID string) ([]connection.DeviceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(serviceUUID, csc.ServiceUUIDCyclingSpeedCadence) {
		return []connection.DeviceRef{}, nil
	}
	refs := make([]connection.DeviceRef, 0, len(t.sensors))
	for _, sensor := range t.sensors {
		refs = append(refs, refFor(sensor))
	}
	return refs, nil
}

func (t *Transport) AcquireService(ctx context.Context, ref connection.DeviceRef, serviceUUID string) (connection.ServiceHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sensor, err := t.lookup(ref)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(serviceUUID, csc.ServiceUUIDCyclingSpeedCadence) {
		return nil, fmt.Errorf("service %s not found on device", serviceUUID)
	}

	t.logger.Printf("SimTransport: connecting to %s", ref)
	sensor.SetConnected(true)
	t.startNotifications()
	return &serviceHandle{transport: t, sensor: sensor}, nil
}

func (t *Transport) IsPaired(ctx context.Context, ref connection.DeviceRef) (bool, error) {
	sensor, err := t.lookup(ref)
	if err != nil {
		return false, err
	}
	sensor.mu.Lock()
	defer sensor.mu.Unlock()
	return sensor.paired, nil
}

// Unpair drops the link and bond; the sensor re-enumerates under its next instance
func (t *Transport) Unpair(ctx context.Context, ref connection.DeviceRef) (connection.PairingResult, error) {
	sensor, err := t.lookup(ref)
	if err != nil {
		return connection.PairingFailed, err
	}
	sensor.SetConnected(false)
	sensor.mu.Lock()
	sensor.paired = false
	sensor.instance++
	sensor.mu.Unlock()
	t.logger.Printf("SimTransport: unpaired %s", sensor.Address())
	return connection.PairingUnpaired, nil
}

func (t *Transport) Pair(ctx context.Context, ref connection.DeviceRef) (connection.PairingResult, error) {
	sensor, err := t.lookup(ref)
	if err != nil {
		return connection.PairingFailed, err
	}
	sensor.mu.Lock()
	sensor.paired = true
	sensor.mu.Unlock()
	t.logger.Printf("SimTransport: paired %s", sensor.Address())
	return connection.PairingPaired, nil
}

func (t *Transport) startNotifications() {
	if t.interval <= 0 {
		return
	}
	t.mu.Lock()
	if t.notifying {
		t.mu.Unlock()
		return
	}
	t.notifying = true
	notifyCtx, notifyCancel := context.WithCancel(t.ctx)
	t.notifyCancel = notifyCancel
	t.mu.Unlock()

	t.wg.Add(1)
	safego.Go(t.logger, "sim-notify", func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		t.logger.Println("SimTransport: started sending notifications")

		for {
			select {
			case <-notifyCtx.Done():
				t.logger.Println("SimTransport: stopped sending notifications")
				return
			case <-ticker.C:
				for _, sensor := range t.sensors {
					if sensor.isConnected() {
						sensor.Notify()
					}
				}
			}
		}
	})
}

func (t *Transport) stopNotificationsIfIdle() {
	for _, sensor := range t.sensors {
		if sensor.isConnected() {
			return
		}
	}
	t.mu.Lock()
	if t.notifyCancel != nil {
		t.notifyCancel()
		t.notifyCancel = nil
	}
	t.notifying = false
	t.mu.Unlock()
}

// Shutdown disconnects every sensor and waits for the notification loop to exit
func (t *Transport) Shutdown() {
	t.logger.Println("SimTransport: shutting down")
	for _, sensor := range t.sensors {
		sensor.SetConnected(false)
	}
	t.cancel()
	t.wg.Wait()
	t.logger.Println("SimTransport: shutdown complete")
}

type serviceHandle struct {
	transport *Transport
	sensor    *Sensor

	mu     sync.Mutex
	closed bool
}

func (s *serviceHandle) Characteristic(uuid string) (connection.Characteristic, error) {
	if !strings.EqualFold(uuid, csc.CharUUIDCSCMeasurement) {
		return nil, fmt.Errorf("%w: characteristic %s not found", connection.ErrSubscription, uuid)
	}
	return &characteristic{sensor: s.sensor}, nil
}

func (s *serviceHandle) LinkStatus() connection.LinkStatus {
	return s.sensor.linkStatus()
}

func (s *serviceHandle) WatchLinkStatus(handler func(connection.LinkStatus)) func() {
	return s.sensor.linkEvent.Listen(handler)
}

func (s *serviceHandle) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.sensor.SetConnected(false)
	s.transport.stopNotificationsIfIdle()
	return nil
}

type characteristic struct {
	sensor *Sensor
}

func (c *characteristic) Subscribe(handler func(connection.RawNotification)) error {
	c.sensor.mu.Lock()
	defer c.sensor.mu.Unlock()
	if !c.sensor.connected {
		return fmt.Errorf("%w: device is not connected", connection.ErrSubscription)
	}
	if c.sensor.failSubscribes > 0 {
		c.sensor.failSubscribes--
		return fmt.Errorf("%w: %w", connection.ErrSubscription, errRefused)
	}
	c.sensor.handler = handler
	return nil
}

func (c *characteristic) Unsubscribe() error {
	c.sensor.mu.Lock()
	defer c.sensor.mu.Unlock()
	c.sensor.handler = nil
	return nil
}
