package bt

import (
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
)

// serviceHandle is an acquired GATT service on a connected device
type serviceHandle struct {
	device      *btDevice
	serviceUUID bluetooth.UUID

	mu     sync.Mutex
	closed bool
}

var _ connection.ServiceHandle = (*serviceHandle)(nil)

func (s *serviceHandle) Characteristic(uuid string) (connection.Characteristic, error) {
	charUUID, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", uuid, err)
	}

	s.device.bleMu.Lock()
	defer s.device.bleMu.Unlock()

	char, err := s.device.getDeviceCharacteristic(s.serviceUUID, charUUID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", connection.ErrSubscription, err)
	}
	return &characteristic{device: s.device, char: char, uuid: uuid}, nil
}

func (s *serviceHandle) LinkStatus() connection.LinkStatus {
	return s.device.linkStatus()
}

func (s *serviceHandle) WatchLinkStatus(handler func(connection.LinkStatus)) func() {
	return s.device.linkEvent.Listen(handler)
}

// Close releases the handle and the connection that backs it. Closing twice is a no-op.
func (s *serviceHandle) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.device.disconnect()
}

type characteristic struct {
	device *btDevice
	char   *bluetooth.DeviceCharacteristic
	uuid   string
}

var _ connection.Characteristic = (*characteristic)(nil)

func (c *characteristic) Subscribe(handler func(connection.RawNotification)) error {
	c.device.bleMu.Lock()
	defer c.device.bleMu.Unlock()

	c.device.logger.Printf("BTDevice: enabling notifications for %s", c.uuid)
	err := c.char.EnableNotifications(func(buf []byte) {
		handler(connection.RawNotification{Data: buf, Timestamp: time.Now()})
	})
	if err != nil {
		c.device.logger.Printf("BTDevice: EnableNotifications failed: %v", err)
		return fmt.Errorf("%w: %w", connection.ErrSubscription, err)
	}
	return nil
}

func (c *characteristic) Unsubscribe() error {
	c.device.bleMu.Lock()
	defer c.device.bleMu.Unlock()

	if !c.device.isConnected() {
		return nil
	}
	// A nil callback disables notifications
	if err := c.char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}
	c.device.logger.Printf("BTDevice: notifications disabled for %s", c.uuid)
	return nil
}
