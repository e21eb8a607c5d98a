package tezos

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Watermark bytes prepended to payloads before hashing for signature.
var (
	WatermarkBlock       = []byte{1}
	WatermarkEndorsement = []byte{2}
	WatermarkOperation   = []byte{3}
)

// PrivateKey is an in-memory ed25519 signing key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// NewPrivateKeyFromSeed builds a key from a 32-byte ed25519 seed.
func NewPrivateKeyFromSeed(seed []byte) (*PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	return &PrivateKey{key: ed25519.NewKeyFromSeed(seed)}, nil
}

// ParsePrivateKey decodes an edsk-encoded secret key, accepting both the
// 32-byte seed and 64-byte expanded forms.
func ParsePrivateKey(encoded string) (*PrivateKey, error) {
	if payload, err := DecodeB58(PrefixEdisk, encoded); err == nil {
		return NewPrivateKeyFromSeed(payload)
	}
	payload, err := DecodeB58(PrefixEdsk, encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key encoding")
	}
	if len(payload) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid secret key length")
	}
	return &PrivateKey{key: ed25519.PrivateKey(payload)}, nil
}

// String returns the edsk encoding of the full 64-byte secret key.
func (k *PrivateKey) String() string {
	return EncodeB58(PrefixEdsk, k.key)
}

// PublicKey returns the edpk encoding of the public key.
func (k *PrivateKey) PublicKey() string {
	pub := k.key.Public().(ed25519.PublicKey)
	return EncodeB58(PrefixEdpk, pub)
}

// Address returns the tz1 public key hash: base58check over the 20-byte
// blake2b digest of the raw public key.
func (k *PrivateKey) Address() string {
	pub := k.key.Public().(ed25519.PublicKey)
	return AddressFromPublicKey(pub)
}

// Sign hashes watermark||bytes with blake2b-256 and signs the digest. The
// returned signature is raw; use EncodeB58(PrefixEdsig, sig) for wire format.
func (k *PrivateKey) Sign(opBytes, watermark []byte) []byte {
	payload := opBytes
	if len(watermark) > 0 {
		payload = append(append([]byte{}, watermark...), opBytes...)
	}
	digest := blake2b.Sum256(payload)
	return ed25519.Sign(k.key, digest[:])
}

// Zero scrubs the private key material.
func (k *PrivateKey) Zero() {
	for i := range k.key {
		k.key[i] = 0
	}
}

// AddressFromPublicKey derives the tz1 address for a raw ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	h, _ := blake2b.New(20, nil)
	h.Write(pub)
	return EncodeB58(PrefixTz1, h.Sum(nil))
}

// AddressFromEncodedPublicKey derives the tz1 address for an edpk string.
func AddressFromEncodedPublicKey(edpk string) (string, error) {
	raw, err := DecodeB58(PrefixEdpk, edpk)
	if err != nil {
		return "", err
	}
	if len(raw) != ed25519.PublicKeySize {
		return "", fmt.Errorf("invalid public key length")
	}
	return AddressFromPublicKey(ed25519.PublicKey(raw)), nil
}
