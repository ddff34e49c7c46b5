//go:build darwin

package goble

import (
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

// DeviceFactory creates the platform BLE device. Tests may replace it.
var DeviceFactory = func() (ble.Device, error) {
	return darwin.NewDevice()
}
