package evm

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ChecksumAddress formats 20 raw bytes as an EIP-55 checksummed address.
func ChecksumAddress(raw []byte) string {
	lower := hex.EncodeToString(raw)
	digest := Keccak256([]byte(lower))

	out := make([]byte, len(lower))
	for i, c := range []byte(lower) {
		if c >= 'a' && c <= 'f' {
			// Uppercase when the corresponding checksum nibble >= 8.
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out)
}

// ParseAddress validates a 0x-prefixed address and returns its checksummed
// form. Mixed-case inputs must carry a correct EIP-55 checksum.
func ParseAddress(s string) (string, error) {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return "", fmt.Errorf("invalid address %q", s)
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return "", fmt.Errorf("invalid address %q", s)
	}

	checksummed := ChecksumAddress(raw)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && s != checksummed {
		return "", fmt.Errorf("address checksum mismatch for %q", s)
	}
	return checksummed, nil
}

// IsAddressValid reports whether s parses as an address.
func IsAddressValid(s string) bool {
	_, err := ParseAddress(s)
	return err == nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}

// IsHexPayload reports whether s is a 0x-prefixed hex string with an even
// number of digits (the shape personal_sign payloads must have).
func IsHexPayload(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// DecodeHexPayload decodes a 0x-prefixed hex payload.
func DecodeHexPayload(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		return nil, fmt.Errorf("payload must be 0x-prefixed hex")
	}
	raw, err := hex.DecodeString(s[2:])
	if err != nil {
		return nil, fmt.Errorf("payload must be 0x-prefixed hex")
	}
	return raw, nil
}
