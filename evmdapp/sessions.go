package evmdapp

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/templewallet/walletd/storage"
)

const sessionsStrgKey = "evm_dapp_sessions"

// AppMeta identifies the requesting application.
type AppMeta struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// Session is one origin's grant: the exposed accounts and the chain the
// origin is currently pointed at.
type Session struct {
	ChainID  string   `json:"chainId"`
	Accounts []string `json:"accounts"`
	AppMeta  AppMeta  `json:"appMeta"`
}

// Registry is the per-origin EVM session store.
type Registry struct {
	mu sync.Mutex
	kv *storage.KV
}

func NewRegistry(kv *storage.KV) *Registry {
	return &Registry{kv: kv}
}

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

func (r *Registry) RemoveSession(origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.readAll()
	if err != nil {
		return err
	}
	delete(all, origin)
	return r.writeAll(all)
}

func (r *Registry) Sessions() (map[string]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readAll()
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
