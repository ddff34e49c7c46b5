package connection

import (
	"errors"
	"fmt"
	"strings"

	"github.com/srg/focusd/internal/device"
)

// ErrInvalidIdentity is returned by Connect for identities that can never match a peripheral.
var ErrInvalidIdentity = errors.New("invalid peripheral identity")

// Identity names the peripheral to connect to: its advertised device name and
// the service and characteristics that carry commands.
type Identity struct {
	DeviceName            string
	ServiceID             string
	WriteCharacteristicID string
	ReadCharacteristicID  string
}

// Equal reports whether both identities name the same peripheral. Device
// names compare exactly; UUIDs compare after canonicalization.
func (i Identity) Equal(other Identity) bool {
	return i.DeviceName == other.DeviceName &&
		device.EqualUUID(i.ServiceID, other.ServiceID) &&
		device.EqualUUID(i.WriteCharacteristicID, other.WriteCharacteristicID) &&
		device.EqualUUID(i.ReadCharacteristicID, other.ReadCharacteristicID)
}

// Validate checks that the name is set and every UUID is well-formed.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.DeviceName) == "" {
		return fmt.Errorf("%w: device name is empty", ErrInvalidIdentity)
	}
	if _, err := device.ValidateUUID(i.ServiceID, i.WriteCharacteristicID, i.ReadCharacteristicID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return nil
}

// MatchesName reports whether an advertised name contains the target device
// name, ignoring case.
func (i Identity) MatchesName(advertised string) bool {
	return strings.Contains(strings.ToLower(advertised), strings.ToLower(i.DeviceName))
}

func (i Identity) String() string {
	return fmt.Sprintf("%s{service=%s write=%s read=%s}",
		i.DeviceName,
		device.ShortenUUID(i.ServiceID),
		device.ShortenUUID(i.WriteCharacteristicID),
		device.ShortenUUID(i.ReadCharacteristicID))
}
