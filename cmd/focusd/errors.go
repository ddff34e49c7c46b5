package main

import (
	"errors"
	"fmt"

	"github.com/srg/focusd/internal/device"
	"github.com/srg/focusd/pkg/connection"
	"github.com/srg/focusd/pkg/protocol"
)

// Command-level errors
var (
	// ErrTimeout indicates the peripheral did not become ready in time.
	ErrTimeout = errors.New("timed out waiting for the peripheral")
)

// FormatUserError turns err into a message for the terminal.
func FormatUserError(err error) string {
	var initErr *device.HardwareInitError
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Turn it on and try again."
	case errors.As(err, &initErr):
		return fmt.Sprintf("Bluetooth adapter unavailable: %v", initErr.Err)
	case errors.Is(err, connection.ErrInvalidIdentity):
		return fmt.Sprintf("invalid peripheral configuration: %v", err)
	case errors.Is(err, protocol.ErrUnknownSentinel):
		return fmt.Sprintf("%v (use a position >= 0, or reset, disengage, engage, noise)", err)
	default:
		return err.Error()
	}
}
