package connection

import (
	"context"
	"errors"
	"time"
)

// Transport-level failures. Transports wrap these so the Manager can classify them.
var (
	// ErrAccessDenied means the service handle could not be obtained because access was refused
	ErrAccessDenied = errors.New("access to the device is denied")
	// ErrDeviceBusy means the device is in use by another application
	ErrDeviceBusy = errors.New("device is busy")
	// ErrSubscription means the notification subscription could not be configured
	ErrSubscription = errors.New("notification subscription failed")
	// ErrPairingFailure means an unpair or pair step did not confirm
	ErrPairingFailure = errors.New("pairing failed")
	// ErrDeviceNotFound means the device did not reappear after re-pairing
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceRef identifies a device as enumerated by the transport. ID is made of
// '#'-separated segments, the second of which is a stable hardware address.
type DeviceRef struct {
	ID   string
	Name string
}

func (d DeviceRef) String() string {
	if d.Name == "" {
		return d.ID
	}
	return d.Name + " (" + d.ID + ")"
}

// LinkStatus is the transport's view of the radio link to the device
type LinkStatus int

const (
	LinkDisconnected LinkStatus = iota
	LinkConnected
)

func (s LinkStatus) String() string {
	if s == LinkConnected {
		return "Connected"
	}
	return "Disconnected"
}

// PairingResult is the explicit confirmation returned by Unpair and Pair
type PairingResult int

const (
	PairingFailed PairingResult = iota
	PairingUnpaired
	PairingPaired
)

func (r PairingResult) String() string {
	switch r {
	case PairingUnpaired:
		return "Unpaired"
	case PairingPaired:
		return "Paired"
	default:
		return "Failed"
	}
}

// RawNotification is a characteristic value as delivered by the transport.
// Data is only valid for the duration of the callback.
type RawNotification struct {
	Data      []byte
	Timestamp time.Time
}

// Characteristic is a GATT characteristic that can push notifications
type Characteristic interface {
	Subscribe(handler func(RawNotification)) error
	Unsubscribe() error
}

// ServiceHandle is an acquired remote GATT service
type ServiceHandle interface {
	Characteristic(uuid string) (Characteristic, error)
	LinkStatus() LinkStatus
	// WatchLinkStatus registers handler for link changes and returns a function that stops watching
	WatchLinkStatus(handler func(LinkStatus)) (stop func())
	Close() error
}

// Transport is the BLE stack as seen by the Manager
type Transport interface {
	AcquireService(ctx context.Context, device DeviceRef, serviceUUID string) (ServiceHandle, error)
	IsPaired(ctx context.Context, device DeviceRef) (bool, error)
	Unpair(ctx context.Context, device DeviceRef) (PairingResult, error)
	Pair(ctx context.Context, device DeviceRef) (PairingResult, error)
	FindDevices(ctx context.Context, serviceUUID string) ([]DeviceRef, error)
}
