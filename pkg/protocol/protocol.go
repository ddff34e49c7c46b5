// Package protocol implements the motor command wire format: one signed 16-bit
// little-endian integer per write. Non-negative values are absolute actuator
// positions in steps; a few negative values are reserved for out-of-band actions.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CommandSize is the exact payload length of an encoded command.
const CommandSize = 2

// Command is a single actuator command.
type Command int16

// Reserved sentinel values. Both ends of the link must agree on these bit for bit.
const (
	Reset     Command = -1
	Disengage Command = -2
	Engage    Command = -3
	// Noise nudges the motor forward and back without changing its position.
	Noise Command = -4
)

// MaxPosition is the largest encodable position command.
const MaxPosition = Command(1<<15 - 1)

var (
	// ErrMalformedCommand is returned for payloads that are not exactly CommandSize bytes.
	ErrMalformedCommand = errors.New("malformed command")

	// ErrUnknownSentinel is returned for negative values that are not reserved sentinels.
	ErrUnknownSentinel = errors.New("unknown sentinel command")
)

var sentinelNames = map[Command]string{
	Reset:     "reset",
	Disengage: "disengage",
	Engage:    "engage",
	Noise:     "noise",
}

// Encode returns the 2-byte little-endian two's-complement form of c.
func Encode(c Command) []byte {
	buf := make([]byte, CommandSize)
	binary.LittleEndian.PutUint16(buf, uint16(c))
	return buf
}

// Decode is the inverse of Encode.
func Decode(data []byte) (Command, error) {
	if len(data) != CommandSize {
		return 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedCommand, CommandSize, len(data))
	}
	return Command(int16(binary.LittleEndian.Uint16(data))), nil
}

// IsPosition reports whether c is an absolute position command.
func (c Command) IsPosition() bool {
	return c >= 0
}

// IsSentinel reports whether c is one of the reserved out-of-band commands.
func (c Command) IsSentinel() bool {
	_, ok := sentinelNames[c]
	return ok
}

// Validate rejects negative values outside the sentinel table.
func (c Command) Validate() error {
	if c.IsPosition() || c.IsSentinel() {
		return nil
	}
	return fmt.Errorf("%w: %d", ErrUnknownSentinel, int16(c))
}

func (c Command) String() string {
	if name, ok := sentinelNames[c]; ok {
		return name
	}
	if c >= 0 {
		return fmt.Sprintf("position(%d)", int16(c))
	}
	return fmt.Sprintf("unknown(%d)", int16(c))
}

// Line renders c the way actuator driver processes expect it: a decimal integer.
func (c Command) Line() string {
	return strconv.Itoa(int(c))
}

// ParseCommand accepts a decimal integer or a sentinel name (case-insensitive).
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	for c, name := range sentinelNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}

	v, err := strconv.ParseInt(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid command %q: %w", s, err)
	}
	c := Command(v)
	if err := c.Validate(); err != nil {
		return 0, err
	}
	return c, nil
}
