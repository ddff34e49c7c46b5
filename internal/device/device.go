package device

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors
var (
	ErrBluetoothOff = errors.New("bluetooth is turned off")
)

// HardwareInitError is reported when the radio could not be brought up.
// It is fatal to the connect attempt that triggered it.
type HardwareInitError struct {
	Err error
}

func (e *HardwareInitError) Error() string {
	return fmt.Sprintf("hardware interface initialization failed: %v", e.Err)
}

func (e *HardwareInitError) Unwrap() error {
	return e.Err
}

// NormalizeError maps known go-ble error strings to structured ConnectionError types.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// Radio is the central-side wireless capability the connection state machine
// drives. Every method returns immediately; results arrive through the supplied
// callbacks, which implementations must deliver on the owner's event loop.
type Radio interface {
	// Init brings the hardware interface up. Exactly one of onReady or onError is called.
	Init(onReady func(), onError func(error))
	// Deinit releases the hardware interface.
	Deinit(onDone func())

	// Scan reports advertisements carrying any of serviceIDs. Advertisements
	// without manufacturer data go to onName, the others to onManufacturer.
	Scan(serviceIDs []string, onName NameHandler, onManufacturer ManufacturerHandler)
	StopScan()

	// ConnectAndEnumerate dials address and reports every discovered
	// service/characteristic pair. onLost fires if an established link drops.
	// A repeated call for the same address supersedes the previous attempt.
	ConnectAndEnumerate(address string, onFound CharacteristicHandler, onLost func(address string))
	Disconnect(address string, onDone func(address string))

	WriteCharacteristic(address, serviceID, charID string, data []byte, onDone func(error))
}

// NameHandler receives an advertisement's address and local name.
type NameHandler func(address, name string)

// ManufacturerHandler receives advertisements that carry signal strength and
// manufacturer specific data.
type ManufacturerHandler func(address, name string, rssi int, data []byte)

// CharacteristicHandler receives one enumerated service/characteristic pair.
type CharacteristicHandler func(address, serviceID, charID string)
