package bt

import (
	"fmt"
	"strconv"
	"strings"
)

const deviceIDPrefix = "BluetoothLE"

// bluetoothBaseUUIDSuffix is shared by all 16-bit SIG-assigned UUIDs
const bluetoothBaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// DeviceID builds the enumeration ID of a device: "BluetoothLE#<address>#<service>#<instance>".
// The instance changes whenever the device is re-enumerated, e.g. after its bond is removed,
// while the address segment stays stable.
func DeviceID(address string, serviceUUID string, instance int) string {
	return fmt.Sprintf("%s#%s#%s#%04d", deviceIDPrefix, strings.ToLower(address), shortUUID(serviceUUID), instance)
}

// ParseDeviceID splits an ID built by DeviceID
func ParseDeviceID(id string) (address string, instance int, err error) {
	segments := strings.Split(id, "#")
	if len(segments) != 4 || segments[0] != deviceIDPrefix || segments[1] == "" {
		return "", 0, fmt.Errorf("malformed device id %q", id)
	}
	instance, err = strconv.Atoi(segments[3])
	if err != nil {
		return "", 0, fmt.Errorf("malformed instance in device id %q: %w", id, err)
	}
	return segments[1], instance, nil
}

// shortUUID returns the 16-bit form of SIG UUIDs and the full form of anything else
func shortUUID(uuid string) string {
	uuid = strings.ToLower(uuid)
	if len(uuid) == 36 && strings.HasPrefix(uuid, "0000") && strings.HasSuffix(uuid, bluetoothBaseUUIDSuffix) {
		return uuid[4:8]
	}
	return uuid
}
