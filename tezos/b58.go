package tezos

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Base58check prefixes for the Tezos encodings this wallet produces.
var (
	PrefixTz1   = []byte{6, 161, 159}
	PrefixTz2   = []byte{6, 161, 161}
	PrefixTz3   = []byte{6, 161, 164}
	PrefixKT1   = []byte{2, 90, 121}
	PrefixEdpk  = []byte{13, 15, 37, 217}
	PrefixEdsk  = []byte{43, 246, 78, 7} // 64-byte ed25519 secret key
	PrefixEdisk = []byte{13, 15, 58, 7}  // 32-byte ed25519 seed
	PrefixEdsig = []byte{9, 245, 205, 134, 18}
	PrefixSig   = []byte{4, 130, 43}
	PrefixOp    = []byte{5, 116}
	PrefixBlock = []byte{1, 52}
)

// EncodeB58 encodes payload with the given prefix and a 4-byte double-SHA256
// checksum, Tezos base58check style.
func EncodeB58(prefix, payload []byte) string {
	data := make([]byte, 0, len(prefix)+len(payload)+4)
	data = append(data, prefix...)
	data = append(data, payload...)

	sum := sha256.Sum256(data)
	sum = sha256.Sum256(sum[:])

	return base58.Encode(append(data, sum[:4]...))
}

// DecodeB58 decodes a base58check string, verifying the checksum and the
// expected prefix, returning the raw payload.
func DecodeB58(prefix []byte, encoded string) ([]byte, error) {
	data := base58.Decode(encoded)
	if len(data) < len(prefix)+4 {
		return nil, fmt.Errorf("b58 value too short")
	}

	body, checksum := data[:len(data)-4], data[len(data)-4:]
	sum := sha256.Sum256(body)
	sum = sha256.Sum256(sum[:])
	if !bytes.Equal(sum[:4], checksum) {
		return nil, fmt.Errorf("b58 checksum mismatch")
	}

	if !bytes.HasPrefix(body, prefix) {
		return nil, fmt.Errorf("unexpected b58 prefix")
	}
	return body[len(prefix):], nil
}

// IsAddress reports whether s is a well-formed tz1/tz2/tz3/KT1 address.
func IsAddress(s string) bool {
	for _, prefix := range [][]byte{PrefixTz1, PrefixTz2, PrefixTz3, PrefixKT1} {
		if payload, err := DecodeB58(prefix, s); err == nil && len(payload) == 20 {
			return true
		}
	}
	return false
}

// IsKTAddress reports whether s is a KT1 originated-contract address.
func IsKTAddress(s string) bool {
	payload, err := DecodeB58(PrefixKT1, s)
	return err == nil && len(payload) == 20
}
