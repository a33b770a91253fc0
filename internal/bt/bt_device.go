package bt

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/events"
)

// btDevice tracks one remote peripheral: what the scanner saw of it, its live connection
// and the GATT attributes discovered on that connection.
type btDevice struct {
	address         bluetooth.Address
	scanLastSeen    time.Time
	localName       string
	rssi            int16
	serviceUUIDs    []string
	connectedDevice *bluetooth.Device // nil while not connected
	paired          bool
	instance        int
	mu              sync.RWMutex
	bleMu           sync.Mutex // serializes GATT discovery and notification setup
	scanTimeout     time.Duration
	logger          *log.Logger

	servicesDiscovered bool
	serviceByUUID      map[string]*bluetooth.DeviceService
	charsDiscovered    map[string]bool
	charByUUID         map[string]*bluetooth.DeviceCharacteristic

	linkEvent *events.Stream[connection.LinkStatus]
}

func newBtDevice(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *btDevice {
	if logger == nil {
		panic("logger must be non nil")
	}
	if scanTimeout <= 0 {
		panic("scanTimeout must be > 0")
	}
	return &btDevice{
		logger:          logger,
		address:         address,
		localName:       "Unknown",
		scanTimeout:     scanTimeout,
		scanLastSeen:    time.Unix(0, 0),
		instance:        1,
		serviceByUUID:   make(map[string]*bluetooth.DeviceService),
		charsDiscovered: make(map[string]bool),
		charByUUID:      make(map[string]*bluetooth.DeviceCharacteristic),
		linkEvent:       events.NewStream[connection.LinkStatus](false),
	}
}

func (b *btDevice) addressString() string {
	return strings.ToLower(b.address.String())
}

// ref returns the enumeration identity of the device for the given service
func (b *btDevice) ref(serviceUUID string) connection.DeviceRef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return connection.DeviceRef{
		ID:   DeviceID(b.addressString(), serviceUUID, b.instance),
		Name: b.localName,
	}
}

func (b *btDevice) recordScan(result bluetooth.ScanResult, seen time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanLastSeen = seen
	b.rssi = result.RSSI
	if name := result.LocalName(); name != "" {
		b.localName = name
	}
	uuids := result.ServiceUUIDs()
	if len(uuids) > 0 {
		b.serviceUUIDs = b.serviceUUIDs[:0]
		for _, uuid := range uuids {
			b.serviceUUIDs = append(b.serviceUUIDs, strings.ToLower(uuid.String()))
		}
	}
}

func (b *btDevice) hasServiceUUID(uuid string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	uuid = strings.ToLower(uuid)
	for _, u := range b.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (b *btDevice) isRecentlyScanned(now time.Time) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return now.Sub(b.scanLastSeen) <= b.scanTimeout
}

func (b *btDevice) lastSeen() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scanLastSeen
}

func (b *btDevice) isConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDevice) linkStatus() connection.LinkStatus {
	if b.isConnected() {
		return connection.LinkConnected
	}
	return connection.LinkDisconnected
}

// setConnectedDevice records the live connection, or its loss when device is nil, and
// publishes the link change. A lost connection invalidates the attribute caches.
func (b *btDevice) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	wasConnected := b.connectedDevice != nil
	b.connectedDevice = device
	if device == nil {
		b.clearCachesLocked()
	} else {
		b.paired = true
	}
	b.mu.Unlock()

	if wasConnected != (device != nil) {
		b.linkEvent.Notify(b.linkStatus())
	}
}

func (b *btDevice) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDevice) clearCachesLocked() {
	b.servicesDiscovered = false
	b.serviceByUUID = make(map[string]*bluetooth.DeviceService)
	b.charsDiscovered = make(map[string]bool)
	b.charByUUID = make(map[string]*bluetooth.DeviceCharacteristic)
}

func (b *btDevice) isPaired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.paired
}

// forget drops the bond: the device re-enumerates under the next instance number
func (b *btDevice) forget() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paired = false
	b.instance++
	b.clearCachesLocked()
}

func (b *btDevice) markPaired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paired = true
}

// disconnect drops the live connection if there is one
func (b *btDevice) disconnect() error {
	device := b.getConnectedDevice()
	if device == nil {
		return nil
	}
	b.logger.Printf("BTDevice: disconnecting %s", b.addressString())
	err := device.Disconnect()
	b.setConnectedDevice(nil)
	return err
}

func (b *btDevice) getDeviceService(serviceUUID bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, errors.New("no connected device")
	}
	serviceUUIDStr := serviceUUID.String()

	b.mu.RLock()
	service, ok := b.serviceByUUID[serviceUUIDStr]
	discovered := b.servicesDiscovered
	b.mu.RUnlock()
	if ok {
		return service, nil
	}

	// Discover all services at once: discovering them one at a time interrupts
	// notifications already running on an earlier service
	if !discovered {
		b.logger.Printf("BTDevice: discovering all services for %s", b.addressString())
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}

		b.mu.Lock()
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUUID[svc.UUID().String()] = svc
		}
		b.servicesDiscovered = true
		service, ok = b.serviceByUUID[serviceUUIDStr]
		b.mu.Unlock()
	}

	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUUIDStr)
	}
	return service, nil
}

func (b *btDevice) getDeviceCharacteristic(serviceUUID bluetooth.UUID, charUUID bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUUIDStr := serviceUUID.String()
	key := serviceUUIDStr + "_" + charUUID.String()

	b.mu.RLock()
	characteristic, ok := b.charByUUID[key]
	discovered := b.charsDiscovered[serviceUUIDStr]
	b.mu.RUnlock()
	if ok {
		return characteristic, nil
	}

	if !discovered {
		service, err := b.getDeviceService(serviceUUID)
		if err != nil {
			return nil, err
		}

		b.logger.Printf("BTDevice: discovering all characteristics for service %s", serviceUUIDStr)
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUUIDStr, err)
		}

		b.mu.Lock()
		for i := range chars {
			char := &chars[i]
			b.charByUUID[serviceUUIDStr+"_"+char.UUID().String()] = char
		}
		b.charsDiscovered[serviceUUIDStr] = true
		characteristic, ok = b.charByUUID[key]
		b.mu.Unlock()
	}

	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUUID.String(), serviceUUIDStr)
	}
	return characteristic, nil
}
