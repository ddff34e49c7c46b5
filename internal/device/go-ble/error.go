package goble

import (
	"fmt"
	"strings"

	"github.com/srg/focusd/internal/device"
)

// NormalizeError maps platform-specific go-ble failures onto the device error
// vocabulary, wrapping so the original message survives.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on"),
		strings.Contains(msg, "bluetooth is turned off"),
		strings.Contains(msg, "powered off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "can't init hci"), strings.Contains(msg, "permission denied"):
		return fmt.Errorf("%w: %v", device.ErrNotInitialized, err)
	default:
		return device.NormalizeError(err)
	}
}
