// Package dapp serves Tezos dApp requests: permission grants, operation
// batches, payload signing and raw broadcast. Sessions are keyed by origin
// and persisted plain (they hold no secrets, only the granted address and
// network).
package dapp

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/templewallet/walletd/storage"
)

const (
	sessionsStrgKey    = "dapp_sessions"
	beaconPubKeyPrefix = "beacon_pubkey_"
	channelKeyStrgKey  = "beacon_channel_keypair"
)

// AppMeta identifies the requesting application.
type AppMeta struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Session is one granted permission: the origin may request operations and
// signatures for this address on this network until the grant is removed.
type Session struct {
	Network   string  `json:"network"`
	AppMeta   AppMeta `json:"appMeta"`
	Pkh       string  `json:"pkh"`
	PublicKey string  `json:"publicKey"`
}

// Registry is the per-origin session store.
type Registry struct {
	mu sync.Mutex
	kv *storage.KV
}

func NewRegistry(kv *storage.KV) *Registry {
	return &Registry{kv: kv}
}

// Session returns the grant for origin, or false.
func (r *Registry) Session(origin string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return nil, false, err
	}
	s, ok := all[origin]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

// SetSession stores or replaces the grant for origin.
func (r *Registry) SetSession(origin string, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return err
	}
	all[origin] = s
	return r.writeAll(all)
}

// RemoveSession revokes the grant and purges the cached counterpart key used
// for the origin's encrypted channel, so a later reconnect renegotiates the
// handshake from scratch.
func (r *Registry) RemoveSession(origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return err
	}
	delete(all, origin)
	if err := r.writeAll(all); err != nil {
		return err
	}

	if err := r.kv.Delete(beaconPubKeyPrefix + origin); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

// Sessions returns every grant by origin.
func (r *Registry) Sessions() (map[string]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readAll()
}

// SetCounterpartKey caches the dApp's handshake public key for origin.
func (r *Registry) SetCounterpartKey(origin string, pubKey []byte) error {
	return r.kv.Put(beaconPubKeyPrefix+origin, pubKey)
}

// ChannelKeyPair loads the daemon's handshake keypair, generating and
// persisting it on first use so completed dApp pairings survive restarts.
func (r *Registry) ChannelKeyPair() (pub, priv *[32]byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := r.kv.Get(channelKeyStrgKey)
	if err == nil && len(raw) == 64 {
		pub, priv = new([32]byte), new([32]byte)
		copy(pub[:], raw[:32])
		copy(priv[:], raw[32:])
		return pub, priv, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, err
	}

	pub, priv, err = GenerateChannelKeyPair()
	if err != nil {
		return nil, nil, err
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, pub[:]...)
	buf = append(buf, priv[:]...)
	if err := r.kv.Put(channelKeyStrgKey, buf); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// CounterpartKey returns the cached handshake public key, or false.
func (r *Registry) CounterpartKey(origin string) ([]byte, bool, error) {
	raw, err := r.kv.Get(beaconPubKeyPrefix + origin)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *Registry) readAll() (map[string]Session, error) {
	raw, err := r.kv.Get(sessionsStrgKey)
	if errors.Is(err, storage.ErrNotFound) {
		return make(map[string]Session), nil
	}
	if err != nil {
		return nil, err
	}
	var all map[string]Session
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	if all == nil {
		all = make(map[string]Session)
	}
	return all, nil
}

func (r *Registry) writeAll(all map[string]Session) error {
	raw, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return r.kv.Put(sessionsStrgKey, raw)
}
