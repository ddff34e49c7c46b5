package device

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// BaseUUIDSuffix completes a 16 or 32-bit Bluetooth SIG short UUID.
const BaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// CanonicalUUID converts a UUID string to its full 128-bit lowercase dashed form.
// Accepts 4-hex-digit short UUIDs ("ec00"), 8-hex-digit 32-bit UUIDs, an optional
// 0x prefix, and 128-bit UUIDs with or without dashes (go-ble prints them without).
// Returns an empty string for anything else.
func CanonicalUUID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	s = strings.ToLower(s)

	switch len(s) {
	case 4:
		if !isHex(s) {
			return ""
		}
		return "0000" + s + BaseUUIDSuffix
	case 8:
		if !isHex(s) {
			return ""
		}
		return s + BaseUUIDSuffix
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return ""
	}
	return u.String()
}

// EqualUUID reports whether two UUID strings name the same UUID after
// canonicalization. Malformed UUIDs never compare equal.
func EqualUUID(a, b string) bool {
	ca := CanonicalUUID(a)
	return ca != "" && ca == CanonicalUUID(b)
}

// ShortenUUID returns the 16-bit form of a SIG base UUID and the input otherwise.
// Used for display only.
func ShortenUUID(s string) string {
	c := CanonicalUUID(s)
	if strings.HasPrefix(c, "0000") && strings.HasSuffix(c, BaseUUIDSuffix) {
		return c[4:8]
	}
	if c == "" {
		return s
	}
	return c
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns canonical UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, u := range uuids {
		if u == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		canonical := CanonicalUUID(u)
		if canonical == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, u)
		}
		result = append(result, canonical)
	}
	return result, nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
