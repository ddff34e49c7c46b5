//go:build linux

package goble

import (
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

// DeviceFactory creates the default HCI device. Tests may replace it.
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}
