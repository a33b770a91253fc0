package connection

import (
	"context"
	"fmt"
	"strings"

	"github.com/marknotgeorge/SpeedAndCadence/internal/csc"
)

// ResolveDevice picks the device to monitor among those the transport can see.
// want may be a full device ID, a bare hardware address, or empty for the first
// CSC device found. Addresses compare case-insensitively.
func ResolveDevice(ctx context.Context, transport Transport, want string) (DeviceRef, error) {
	devices, err := transport.FindDevices(ctx, csc.ServiceUUIDCyclingSpeedCadence)
	if err != nil {
		return DeviceRef{}, fmt.Errorf("looking for CSC devices: %w", err)
	}
	if want == "" {
		if len(devices) == 0 {
			return DeviceRef{}, fmt.Errorf("%w: no CSC device in range", ErrDeviceNotFound)
		}
		return devices[0], nil
	}

	for _, d := range devices {
		if d.ID == want {
			return d, nil
		}
	}

	address := want
	if strings.Contains(want, "#") {
		if address, err = AddressFragment(want); err != nil {
			return DeviceRef{}, err
		}
	}
	for _, d := range devices {
		candidate, err := AddressFragment(d.ID)
		if err == nil && strings.EqualFold(candidate, address) {
			return d, nil
		}
	}
	return DeviceRef{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, want)
}
