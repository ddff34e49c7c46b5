// Package device defines the wireless radio capability consumed by the
// connection state machine, together with the UUID canonicalization and error
// taxonomy shared by the central and peripheral sides.
//
// The package is hardware independent:
//   - Radio describes an asynchronous, callback-driven central (scan, connect,
//     enumerate, write, disconnect)
//   - CanonicalUUID and EqualUUID compare short (16/32-bit) and full 128-bit UUIDs
//   - ConnectionError and HardwareInitError classify failures
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
