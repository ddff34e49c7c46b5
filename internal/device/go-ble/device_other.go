//go:build !darwin && !linux

package goble

import (
	"errors"
	"runtime"

	ble "github.com/go-ble/ble"
)

var DeviceFactory = func() (ble.Device, error) {
	return nil, errors.New("bluetooth is not supported on " + runtime.GOOS)
}
