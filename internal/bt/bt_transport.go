package bt

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/marknotgeorge/SpeedAndCadence/internal/connection"
	"github.com/marknotgeorge/SpeedAndCadence/internal/safego"
)

const (
	DefaultScanTimeout = 10 * time.Second
	DefaultScanWindow  = 3 * time.Second
)

// Transport implements connection.Transport on top of the host Bluetooth adapter.
//
// The adapter API has no bonding primitives, so pairing is tracked here: a device counts as
// paired once it has been connected, Unpair drops the connection together with every cached
// attribute and re-enumerates the device under a new instance, and Pair confirms as soon as
// the adapter is enabled. The next AcquireService re-establishes the link.
type Transport struct {
	adapter           *bluetooth.Adapter
	devicesByAddress  map[string]*btDevice
	mu                sync.RWMutex
	enabled           bool
	scanning          bool
	scanTimeout       time.Duration
	scanWindow        time.Duration
	scanContext       context.Context
	scanContextCancel context.CancelFunc
	ctx               context.Context
	cancel            context.CancelFunc
	wg                sync.WaitGroup
	logger            *log.Logger
}

var _ connection.Transport = (*Transport)(nil)

// NewTransport wraps adapter. scanTimeout is how long an advertisement keeps a device
// listed; scanWindow is how long FindDevices listens when no scan is running.
func NewTransport(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout, scanWindow time.Duration) *Transport {
	if logger == nil {
		panic("Transport: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	if scanWindow <= 0 {
		scanWindow = DefaultScanWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		adapter:          adapter,
		devicesByAddress: make(map[string]*btDevice),
		scanTimeout:      scanTimeout,
		scanWindow:       scanWindow,
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
	}
}

func (t *Transport) getOrCreateDevice(address bluetooth.Address) *btDevice {
	key := strings.ToLower(address.String())

	t.mu.Lock()
	defer t.mu.Unlock()
	device, ok := t.devicesByAddress[key]
	if !ok {
		device = newBtDevice(t.logger, address, t.scanTimeout)
		t.devicesByAddress[key] = device
	}
	return device
}

// lookup resolves a DeviceRef to its tracked device, creating the entry for an address
// that has not been scanned yet
func (t *Transport) lookup(ref connection.DeviceRef) (*btDevice, error) {
	addressStr, _, err := ParseDeviceID(ref.ID)
	if err != nil {
		return nil, err
	}
	var address bluetooth.Address
	if err := address.UnmarshalText([]byte(addressStr)); err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", addressStr, err)
	}
	return t.getOrCreateDevice(address), nil
}

// Enable powers up the adapter and starts tracking connections
func (t *Transport) Enable() error {
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d := t.getOrCreateDevice(device.Address)
		if connected {
			t.logger.Printf("Transport: device connected: %s", d.addressString())
			d.setConnectedDevice(&device)
		} else {
			t.logger.Printf("Transport: device disconnected: %s", d.addressString())
			d.setConnectedDevice(nil)
		}
	})

	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling bluetooth adapter: %w", err)
	}
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
	return nil
}

// StartScan listens for advertisements of devices offering any of the given services.
// A nil filter accepts every device.
func (t *Transport) StartScan(serviceUUIDFilter []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	filterSet := make(map[string]struct{})
	for _, filter := range serviceUUIDFilter {
		filterSet[strings.ToLower(filter)] = struct{}{}
	}
	t.logger.Printf("Transport: starting scan, filter %v", serviceUUIDFilter)

	if t.scanning && t.scanContextCancel != nil {
		t.logger.Printf("Transport: a scan is already running, restarting it")
		t.scanContextCancel()
	}

	t.scanning = true
	t.scanContext, t.scanContextCancel = context.WithCancel(t.ctx)
	scanContext := t.scanContext

	t.wg.Add(1)
	safego.Go(t.logger, "bt-scan-cleanup", func() {
		defer t.wg.Done()
		t.cleanupStaleDevices(scanContext)
	})

	t.wg.Add(1)
	safego.Go(t.logger, "bt-scan", func() {
		defer t.wg.Done()
		defer t.logger.Printf("Transport: exiting scan loop")

		err := t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanContext.Done():
				// still have to wait for StopScan on the adapter
				return
			default:
			}

			if len(filterSet) > 0 {
				found := false
				for _, uuid := range result.ServiceUUIDs() {
					if _, ok := filterSet[strings.ToLower(uuid.String())]; ok {
						found = true
						break
					}
				}
				if !found {
					return
				}
			}

			d := t.getOrCreateDevice(result.Address)
			isNew := d.lastSeen().Equal(time.Unix(0, 0))
			d.recordScan(result, time.Now())
			if isNew {
				t.logger.Printf("Transport: found device %s (%s) [RSSI: %d]", result.LocalName(), d.addressString(), result.RSSI)
			}
		})
		if err != nil {
			t.logger.Printf("Transport: scan error: %v", err)
		}
	})
}

// StopScan ends a running scan
func (t *Transport) StopScan() error {
	t.mu.Lock()
	if !t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = false
	if t.scanContextCancel != nil {
		t.scanContextCancel()
		t.scanContextCancel = nil
	}
	t.mu.Unlock()

	// the scan callback takes t.mu, so the adapter is stopped without holding it
	return t.adapter.StopScan()
}

// IsScanning returns whether a scan is running
func (t *Transport) IsScanning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.scanning
}

func (t *Transport) cleanupStaleDevices(ctx context.Context) {
	defer t.logger.Printf("Transport: exiting stale device cleanup loop")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var removed []string
			t.mu.Lock()
			for address, device := range t.devicesByAddress {
				if !device.isConnected() && !device.isRecentlyScanned(now) && !device.isPaired() {
					delete(t.devicesByAddress, address)
					removed = append(removed, address)
				}
			}
			t.mu.Unlock()

			for _, address := range removed {
				t.logger.Printf("Transport: device timeout: %s (not seen for %v)", address, t.scanTimeout)
			}
		}
	}
}

// FindDevices lists the recently advertised devices offering serviceUUID. Without a running
// scan it scans for one scan window first.
func (t *Transport) FindDevices(ctx context.Context, serviceUUID string) ([]connection.DeviceRef, error) {
	if !t.IsScanning() {
		t.StartScan([]string{serviceUUID})
		defer func() {
			if err := t.StopScan(); err != nil {
				t.logger.Printf("Transport: error stopping scan: %v", err)
			}
		}()

		timer := time.NewTimer(t.scanWindow)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	now := time.Now()
	t.mu.RLock()
	var matches []*btDevice
	for _, device := range t.devicesByAddress {
		if device.hasServiceUUID(serviceUUID) && (device.isRecentlyScanned(now) || device.isConnected()) {
			matches = append(matches, device)
		}
	}
	t.mu.RUnlock()

	refs := make([]connection.DeviceRef, 0, len(matches))
	for _, device := range matches {
		refs = append(refs, device.ref(serviceUUID))
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// AcquireService connects to the device if needed and resolves the GATT service
func (t *Transport) AcquireService(ctx context.Context, ref connection.DeviceRef, serviceUUID string) (connection.ServiceHandle, error) {
	device, err := t.lookup(ref)
	if err != nil {
		return nil, err
	}
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}

	if !device.isConnected() {
		// BlueZ refuses to connect while discovering
		if err := t.StopScan(); err != nil {
			t.logger.Printf("Transport: error stopping scan before connect: %v", err)
		}
		if err := t.connect(ctx, device); err != nil {
			return nil, err
		}
	}

	device.bleMu.Lock()
	_, err = device.getDeviceService(uuid)
	device.bleMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("acquiring service %s: %w", serviceUUID, err)
	}
	return &serviceHandle{device: device, serviceUUID: uuid}, nil
}

type connectResult struct {
	device bluetooth.Device
	err    error
}

// connect runs the blocking adapter connect so ctx can abandon it. An abandoned
// connection that completes later is dropped again.
func (t *Transport) connect(ctx context.Context, device *btDevice) error {
	t.logger.Printf("Transport: connecting to %s", device.addressString())
	done := make(chan connectResult, 1)

	t.wg.Add(1)
	safego.Go(t.logger, "bt-connect", func() {
		defer t.wg.Done()
		d, err := t.adapter.Connect(device.address, bluetooth.ConnectionParams{})
		done <- connectResult{device: d, err: err}
	})

	select {
	case result := <-done:
		if result.err != nil {
			t.logger.Printf("Transport: connection error: %v", result.err)
			return classifyConnectError(result.err)
		}
		device.setConnectedDevice(&result.device)
		return nil
	case <-ctx.Done():
		t.wg.Add(1)
		safego.Go(t.logger, "bt-connect-abandon", func() {
			defer t.wg.Done()
			if result := <-done; result.err == nil {
				if err := result.device.Disconnect(); err != nil {
					t.logger.Printf("Transport: error dropping abandoned connection: %v", err)
				}
			}
		})
		return ctx.Err()
	}
}

// classifyConnectError maps stack error text onto the connection sentinels
func classifyConnectError(err error) error {
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "permission"), strings.Contains(text, "not permitted"),
		strings.Contains(text, "access denied"), strings.Contains(text, "not authorized"):
		return fmt.Errorf("%w: %w", connection.ErrAccessDenied, err)
	case strings.Contains(text, "busy"), strings.Contains(text, "in progress"):
		return fmt.Errorf("%w: %w", connection.ErrDeviceBusy, err)
	default:
		return fmt.Errorf("connecting: %w", err)
	}
}

func (t *Transport) IsPaired(ctx context.Context, ref connection.DeviceRef) (bool, error) {
	device, err := t.lookup(ref)
	if err != nil {
		return false, err
	}
	return device.isPaired(), nil
}

func (t *Transport) Unpair(ctx context.Context, ref connection.DeviceRef) (connection.PairingResult, error) {
	device, err := t.lookup(ref)
	if err != nil {
		return connection.PairingFailed, err
	}
	t.logger.Printf("Transport: unpairing %s", device.addressString())
	if err := device.disconnect(); err != nil {
		return connection.PairingFailed, fmt.Errorf("dropping connection: %w", err)
	}
	device.forget()
	return connection.PairingUnpaired, nil
}

func (t *Transport) Pair(ctx context.Context, ref connection.DeviceRef) (connection.PairingResult, error) {
	device, err := t.lookup(ref)
	if err != nil {
		return connection.PairingFailed, err
	}
	t.mu.RLock()
	enabled := t.enabled
	t.mu.RUnlock()
	if !enabled {
		return connection.PairingFailed, errors.New("bluetooth adapter is not enabled")
	}
	t.logger.Printf("Transport: pairing %s", device.addressString())
	device.markPaired()
	return connection.PairingPaired, nil
}

// Shutdown disconnects every device, stops scanning and waits for background work
func (t *Transport) Shutdown() {
	t.logger.Println("Transport: shutting down")

	t.mu.RLock()
	devices := make([]*btDevice, 0, len(t.devicesByAddress))
	for _, device := range t.devicesByAddress {
		devices = append(devices, device)
	}
	t.mu.RUnlock()

	for _, device := range devices {
		if err := device.disconnect(); err != nil {
			t.logger.Printf("Transport: error disconnecting from %v: %v", device.addressString(), err)
		}
	}
	if err := t.StopScan(); err != nil {
		t.logger.Printf("Transport: error stopping scan: %v", err)
	}
	t.cancel()
	t.wg.Wait()
	t.logger.Println("Transport: shutdown complete")
}
