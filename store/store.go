// Package store holds the daemon's in-memory session state and its
// lifecycle: Idle while no vault exists, Locked once one does, Ready while
// it is unlocked. Every transition is broadcast to subscribers so connected
// frontends can re-render.
package store

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/vault"
)

// Status is the wallet session phase.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusLocked Status = "locked"
	StatusReady  Status = "ready"
)

var (
	ErrNotInited   = errors.New("store: not initialized")
	ErrNotUnlocked = errors.New("store: wallet is locked")
)

// State is an immutable snapshot of the session.
type State struct {
	Status      Status
	VaultExists bool
	Accounts    []vault.Account
	Settings    vault.Settings
}

// Store is the session state machine. All mutations re-derive the full
// snapshot and notify subscribers; there is no partial update path.
type Store struct {
	mu          sync.RWMutex
	inited      bool
	status      Status
	vaultExists bool
	accounts    []vault.Account
	settings    vault.Settings

	subMu  sync.Mutex
	subs   map[int]chan State
	nextID int
}

func New() *Store {
	return &Store{
		status: StatusIdle,
		subs:   make(map[int]chan State),
	}
}

// Inited records the storage probe result. A missing vault leaves the
// session Idle so frontends render onboarding; an existing one starts
// Locked behind the unlock screen.
func (s *Store) Inited(vaultExists bool) {
	s.mu.Lock()
	s.inited = true
	if vaultExists {
		s.status = StatusLocked
	} else {
		s.status = StatusIdle
	}
	s.vaultExists = vaultExists
	s.accounts = nil
	s.settings = vault.Settings{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Bool("vault_exists", vaultExists).Msg("Session initialized")
	s.notify(snapshot)
}

// Unlocked moves the session into Ready with the unlocked wallet's data.
func (s *Store) Unlocked(accounts []vault.Account, settings vault.Settings) {
	s.mu.Lock()
	s.status = StatusReady
	s.vaultExists = true
	s.accounts = accounts
	s.settings = settings
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Int("accounts", len(accounts)).Msg("Session unlocked")
	s.notify(snapshot)
}

// AccountsUpdated replaces the account list of a Ready session.
func (s *Store) AccountsUpdated(accounts []vault.Account) {
	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return
	}
	s.accounts = accounts
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
}

// SettingsUpdated replaces the settings of a Ready session.
func (s *Store) SettingsUpdated(settings vault.Settings) {
	s.mu.Lock()
	if s.status != StatusReady {
		s.mu.Unlock()
		return
	}
	s.settings = settings
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notify(snapshot)
}

// Locked drops all session data and rebuilds the Locked state from scratch.
// Nothing from the Ready phase survives.
func (s *Store) Locked() {
	s.mu.Lock()
	s.status = StatusLocked
	s.vaultExists = true
	s.accounts = nil
	s.settings = vault.Settings{}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.Info().Msg("Session locked")
	s.notify(snapshot)
}

// Snapshot returns the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// AssertInited fails until the storage probe has run.
func (s *Store) AssertInited() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.inited {
		return ErrNotInited
	}
	return nil
}

// AssertUnlocked fails unless a vault is currently unlocked.
func (s *Store) AssertUnlocked() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status != StatusReady {
		return ErrNotUnlocked
	}
	return nil
}

// Subscribe registers for state broadcasts. The returned channel receives
// every transition after the call; slow receivers miss updates rather than
// block the publisher. The cancel function releases the subscription.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) snapshotLocked() State {
	accounts := make([]vault.Account, len(s.accounts))
	copy(accounts, s.accounts)
	return State{
		Status:      s.status,
		VaultExists: s.vaultExists,
		Accounts:    accounts,
		Settings:    s.settings,
	}
}

func (s *Store) notify(state State) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- state:
		default:
		}
	}
}
