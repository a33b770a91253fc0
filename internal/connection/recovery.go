package connection

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Rediscovery defaults: a fixed 2 second wait, as the device needs a moment to
// re-enumerate after pairing, tried at most 15 times.
const (
	DefaultRecoveryDelay       = 2 * time.Second
	DefaultRecoveryMaxAttempts = 15
)

// RecoveryPolicy bounds the rediscovery poll that follows re-pairing
type RecoveryPolicy struct {
	InitialDelay time.Duration // wait after the first unsuccessful poll
	MaxDelay     time.Duration // cap on the wait; defaults to InitialDelay
	Multiplier   float64       // growth per attempt; values <= 1 mean a fixed delay
	MaxAttempts  int           // number of FindDevices polls before giving up
}

// DefaultRecoveryPolicy returns the fixed 2 s policy
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{
		InitialDelay: DefaultRecoveryDelay,
		MaxDelay:     DefaultRecoveryDelay,
		Multiplier:   1,
		MaxAttempts:  DefaultRecoveryMaxAttempts,
	}
}

func (p RecoveryPolicy) withDefaults() RecoveryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRecoveryDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRecoveryMaxAttempts
	}
	return p
}

// Delay returns the wait after the given zero-based unsuccessful attempt
func (p RecoveryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// contextSleep waits for d or until ctx is done, whichever comes first
func contextSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}

// AddressFragment extracts the hardware address segment of a device ID.
// Device IDs look like "BluetoothLE#<address>#<service>#<instance>".
func AddressFragment(deviceID string) (string, error) {
	segments := strings.Split(deviceID, "#")
	if len(segments) < 2 || segments[1] == "" {
		return "", fmt.Errorf("device id %q has no address segment", deviceID)
	}
	return segments[1], nil
}

// matchDevice returns the single device whose ID contains fragment.
// No match and several matches both count as "not found yet".
func matchDevice(devices []DeviceRef, fragment string) (DeviceRef, bool) {
	var found DeviceRef
	matches := 0
	for _, d := range devices {
		if strings.Contains(d.ID, fragment) {
			found = d
			matches++
		}
	}
	if matches != 1 {
		return DeviceRef{}, false
	}
	return found, true
}
