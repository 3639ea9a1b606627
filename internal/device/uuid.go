package device

import (
	"fmt"
	"strings"
)

// sigBaseSuffix is the Bluetooth SIG base UUID (0000xxxx-0000-1000-8000-00805f9b34fb)
// after the 16-bit slot, without dashes.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID returns the form the BLE stack reports UUIDs in: lower case
// hex without dashes or a 0x prefix. SIG-base UUIDs collapse to their 16-bit
// alias so "2902" and "00002902-0000-1000-8000-00805f9b34fb" compare equal.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// ValidateUUID normalizes every UUID and rejects empty, non-hex, or
// wrongly sized ones (16, 32, or 128 bits).
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	out := make([]string, 0, len(uuids))
	for i, raw := range uuids {
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		u := NormalizeUUID(raw)
		if strings.IndexFunc(u, notHex) >= 0 {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, raw)
		}
		switch len(u) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID length at index %d: %s", i, raw)
		}
		out = append(out, u)
	}
	return out, nil
}

func notHex(r rune) bool {
	return (r < '0' || r > '9') && (r < 'a' || r > 'f')
}
