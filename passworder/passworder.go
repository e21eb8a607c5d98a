// Package passworder implements the password-derived encryption layer used by
// the vault. Values are JSON-serialized and sealed with AES-256-GCM under a key
// derived from the user's password via PBKDF2-SHA256. Every encrypted payload
// carries its own random IV; the derived keys never leave this package.
package passworder

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SaltSize is the default salt length produced by GenerateSalt.
	SaltSize = 32

	// IVSize is the AES-GCM nonce length. 16 bytes for compatibility with
	// payloads written by the WebCrypto-based scheme.
	IVSize = 16

	// DeriveIterations is the PBKDF2 iteration count for the current scheme.
	DeriveIterations = 310_000

	// LegacyDeriveIterations is the iteration count of the pre-upgrade
	// scheme. Only valid for decrypting data during migration.
	LegacyDeriveIterations = 10_000

	keyLen = 32
)

// Payload is an encrypted value: AES-GCM ciphertext plus the IV it was sealed
// with, both hex-encoded.
type Payload struct {
	Dt string `json:"dt"`
	Iv string `json:"iv"`
}

// PassKey is password-derived key material. It is never persisted and is only
// useful as input to DeriveKey.
type PassKey struct {
	material []byte
}

// Key is a derived AES-GCM key restricted to Encrypt/Decrypt.
type Key struct {
	aead cipher.AEAD
}

// GenerateSalt returns n cryptographically random bytes.
func GenerateSalt(n int) ([]byte, error) {
	if n <= 0 {
		n = SaltSize
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// GenerateKey derives PBKDF2 key material from the SHA-256 digest of the
// UTF-8 password.
func GenerateKey(password string) *PassKey {
	digest := sha256.Sum256([]byte(password))
	return &PassKey{material: digest[:]}
}

// GenerateKeyLegacy derives PBKDF2 key material from the raw password bytes.
// Exists only to decrypt pre-upgrade storage during migration; must never be
// used for new writes.
func GenerateKeyLegacy(password string) *PassKey {
	material := []byte(password)
	if len(material) == 0 {
		// WebCrypto rejects empty key material; the legacy scheme padded
		// with a single zero byte.
		material = []byte{0}
	}
	return &PassKey{material: material}
}

// DeriveKey derives an AES-256-GCM key from the pass-key and salt using the
// current iteration count.
func DeriveKey(passKey *PassKey, salt []byte) (*Key, error) {
	return deriveKey(passKey, salt, DeriveIterations)
}

// DeriveKeyLegacy derives a key with the legacy iteration count. Decrypt-only
// by convention: callers use it exclusively inside storage migrations.
func DeriveKeyLegacy(passKey *PassKey, salt []byte) (*Key, error) {
	return deriveKey(passKey, salt, LegacyDeriveIterations)
}

func deriveKey(passKey *PassKey, salt []byte, iterations int) (*Key, error) {
	if passKey == nil || len(passKey.material) == 0 {
		return nil, fmt.Errorf("pass key material is empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt is empty")
	}

	raw := pbkdf2.Key(passKey.material, salt, iterations, keyLen, sha256.New)

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}

	return &Key{aead: aead}, nil
}

// DeriveBytes derives n raw bytes from the pass-key for purposes other than
// storage encryption (e.g. backup authentication). The purpose label keeps
// the output domain-separated from the AES keys.
func DeriveBytes(passKey *PassKey, salt []byte, purpose string, n int) ([]byte, error) {
	if passKey == nil || len(passKey.material) == 0 {
		return nil, fmt.Errorf("pass key material is empty")
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt is empty")
	}
	labeled := append(append([]byte{}, salt...), []byte(purpose)...)
	return pbkdf2.Key(passKey.material, labeled, DeriveIterations, n, sha256.New), nil
}

// Encrypt JSON-serializes value and seals it with a freshly generated random
// IV. The IV is never reused for the same key.
func Encrypt(value interface{}, key *Key) (*Payload, error) {
	if key == nil {
		return nil, fmt.Errorf("key is nil")
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize value: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := key.aead.Seal(nil, iv, plaintext, nil)

	return &Payload{
		Dt: hex.EncodeToString(ciphertext),
		Iv: hex.EncodeToString(iv),
	}, nil
}

// Decrypt opens the payload and unmarshals the plaintext into out. Any
// tampering, wrong key, or malformed hex fails the whole operation; partially
// decrypted data is never returned.
func Decrypt(payload *Payload, key *Key, out interface{}) error {
	if payload == nil {
		return fmt.Errorf("payload is nil")
	}
	if key == nil {
		return fmt.Errorf("key is nil")
	}

	ciphertext, err := hex.DecodeString(payload.Dt)
	if err != nil {
		return fmt.Errorf("malformed ciphertext: %w", err)
	}
	iv, err := hex.DecodeString(payload.Iv)
	if err != nil {
		return fmt.Errorf("malformed IV: %w", err)
	}
	if len(iv) != IVSize {
		return fmt.Errorf("unexpected IV length: %d", len(iv))
	}

	plaintext, err := key.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("failed to deserialize value: %w", err)
	}
	return nil
}

// ZeroBytes overwrites b with zeros. Used to scrub secret material once it is
// no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
