// Package evm implements the EVM-side key handling and payload hashing the
// wallet needs: secp256k1 accounts, EIP-55 addresses, EIP-191 personal
// message digests, EIP-712 typed-data hashing, and transaction fee-field
// normalization. RPC access stays behind interfaces owned by the callers.
package evm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// PrivateKey is an in-memory secp256k1 signing key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// GeneratePrivateKey returns a fresh random key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: key}, nil
}

// NewPrivateKeyFromBytes builds a key from 32 raw bytes.
func NewPrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes")
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b)}, nil
}

// ParsePrivateKey decodes a 0x-prefixed hex private key.
func ParsePrivateKey(encoded string) (*PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding")
	}
	return NewPrivateKeyFromBytes(raw)
}

// Bytes returns the raw 32-byte key.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// String returns the 0x-prefixed hex encoding.
func (k *PrivateKey) String() string {
	return "0x" + hex.EncodeToString(k.key.Serialize())
}

// Address derives the EIP-55 checksummed account address.
func (k *PrivateKey) Address() string {
	pub := k.key.PubKey().SerializeUncompressed()
	digest := Keccak256(pub[1:])
	return ChecksumAddress(digest[12:])
}

// SignDigest signs a 32-byte digest and returns the 65-byte R||S||V
// signature with V in {27, 28}.
func (k *PrivateKey) SignDigest(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes")
	}

	// SignCompact produces V||R||S with V = 27 + recovery id.
	compact := secpecdsa.SignCompact(k.key, digest, false)

	sig := make([]byte, 65)
	copy(sig[:32], compact[1:33])
	copy(sig[32:64], compact[33:65])
	sig[64] = compact[0]
	return sig, nil
}

// Zero scrubs the key material.
func (k *PrivateKey) Zero() {
	k.key.Zero()
}

// Keccak256 returns the legacy Keccak-256 digest of data.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// PersonalMessageDigest computes the EIP-191 digest signed by personal_sign.
func PersonalMessageDigest(message []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message))
	return Keccak256([]byte(prefix), message)
}
