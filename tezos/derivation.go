package tezos

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/pbkdf2"
)

const hardenedOffset = 0x80000000

// slip10 master key derivation for the ed25519 curve.
const slip10Ed25519Key = "ed25519 seed"

// DerivationPath returns the BIP44 path for the wallet's HD account at the
// given index: m/44'/1729'/<index>'/0'.
func DerivationPath(hdIndex int) string {
	return fmt.Sprintf("m/44'/1729'/%d'/0'", hdIndex)
}

// ParseDerivationPath parses "m/44'/1729'/0'/0'" style paths. Every segment
// must be hardened; SLIP-10 ed25519 has no non-hardened child keys.
func ParseDerivationPath(path string) ([]uint32, error) {
	segments := strings.Split(path, "/")
	if len(segments) == 0 || segments[0] != "m" {
		return nil, fmt.Errorf("derivation path must start with m/")
	}

	indexes := make([]uint32, 0, len(segments)-1)
	for _, seg := range segments[1:] {
		if !strings.HasSuffix(seg, "'") && !strings.HasSuffix(seg, "h") {
			return nil, fmt.Errorf("non-hardened segment %q in ed25519 path", seg)
		}
		n, err := strconv.ParseUint(strings.TrimRight(seg, "'h"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid path segment %q", seg)
		}
		if n >= hardenedOffset {
			return nil, fmt.Errorf("path segment %q out of range", seg)
		}
		indexes = append(indexes, uint32(n)+hardenedOffset)
	}
	return indexes, nil
}

// DeriveSeed derives the 32-byte ed25519 seed for a path from a BIP39 seed
// using SLIP-10 hardened derivation.
func DeriveSeed(bip39Seed []byte, path string) ([]byte, error) {
	indexes, err := ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha512.New, []byte(slip10Ed25519Key))
	mac.Write(bip39Seed)
	sum := mac.Sum(nil)
	key, chainCode := sum[:32], sum[32:]

	for _, index := range indexes {
		var ser [4]byte
		binary.BigEndian.PutUint32(ser[:], index)

		mac := hmac.New(sha512.New, chainCode)
		mac.Write([]byte{0})
		mac.Write(key)
		mac.Write(ser[:])
		sum := mac.Sum(nil)
		key, chainCode = sum[:32], sum[32:]
	}

	return key, nil
}

// NewMnemonic generates a fresh 128-bit BIP39 mnemonic (12 words).
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// ValidateMnemonic reports whether the mnemonic has a valid BIP39 wordlist
// and checksum.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// MnemonicToSeed converts a mnemonic to its 64-byte BIP39 seed.
func MnemonicToSeed(mnemonic, passphrase string) []byte {
	return bip39.NewSeed(mnemonic, passphrase)
}

// KeyFromMnemonic derives the HD account key at hdIndex from a mnemonic.
func KeyFromMnemonic(mnemonic string, hdIndex int) (*PrivateKey, error) {
	seed := MnemonicToSeed(mnemonic, "")
	derived, err := DeriveSeed(seed, DerivationPath(hdIndex))
	if err != nil {
		return nil, err
	}
	return NewPrivateKeyFromSeed(derived)
}

// KeyFromFundraiser derives a fundraiser-era account key. The fundraiser
// scheme used the email+password pair as the BIP39 passphrase and took the
// first 32 bytes of the seed directly.
func KeyFromFundraiser(email, password, mnemonic string) (*PrivateKey, error) {
	seed := pbkdf2.Key(
		[]byte(strings.Join(strings.Fields(mnemonic), " ")),
		[]byte("mnemonic"+email+password),
		2048, 64, sha512.New,
	)
	return NewPrivateKeyFromSeed(seed[:32])
}
