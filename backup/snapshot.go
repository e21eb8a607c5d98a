// Package backup exports and restores encrypted vault snapshots through a
// remote object store. Snapshot entries are the raw storage rows, already
// encrypted under the vault scheme; the envelope adds integrity, not
// confidentiality.
package backup

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

var (
	ErrBadMAC             = errors.New("backup: snapshot authentication failed")
	ErrUnsupportedVersion = errors.New("backup: unsupported snapshot version")
)

// Snapshot is one full copy of the vault's storage rows.
type Snapshot struct {
	Version   int               `cbor:"1,keyasint"`
	CreatedAt time.Time         `cbor:"2,keyasint"`
	Entries   map[string][]byte `cbor:"3,keyasint"`
}

type envelope struct {
	Body []byte `cbor:"1,keyasint"`
	MAC  []byte `cbor:"2,keyasint"`
}

// EncodeSnapshot serializes entries and authenticates the body with
// HMAC-SHA256 under authKey.
func EncodeSnapshot(entries map[string][]byte, authKey []byte) ([]byte, error) {
	if len(authKey) == 0 {
		return nil, fmt.Errorf("backup: auth key is empty")
	}

	snap := Snapshot{
		Version:   snapshotVersion,
		CreatedAt: time.Now().UTC(),
		Entries:   entries,
	}
	body, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot body: %w", err)
	}

	mac := hmac.New(sha256.New, authKey)
	mac.Write(body)

	data, err := cbor.Marshal(envelope{Body: body, MAC: mac.Sum(nil)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot envelope: %w", err)
	}
	return data, nil
}

// DecodeSnapshot verifies the envelope MAC and returns the snapshot. A MAC
// mismatch means the snapshot was tampered with or belongs to a different
// wallet password.
func DecodeSnapshot(data []byte, authKey []byte) (*Snapshot, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot envelope: %w", err)
	}

	mac := hmac.New(sha256.New, authKey)
	mac.Write(env.Body)
	if !hmac.Equal(mac.Sum(nil), env.MAC) {
		return nil, ErrBadMAC
	}

	var snap Snapshot
	if err := cbor.Unmarshal(env.Body, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot body: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, snap.Version)
	}
	return &snap, nil
}
