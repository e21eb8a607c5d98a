package store

import (
	"testing"

	"github.com/templewallet/walletd/vault"
)

func TestLifecycleTransitions(t *testing.T) {
	s := New()

	if got := s.Snapshot().Status; got != StatusIdle {
		t.Fatalf("New store should be idle, got %v", got)
	}
	if err := s.AssertInited(); err == nil {
		t.Error("AssertInited should fail before Inited")
	}

	// No vault on disk: the session stays idle so frontends render
	// onboarding, not an unlock screen.
	s.Inited(false)
	snap := s.Snapshot()
	if snap.Status != StatusIdle || snap.VaultExists {
		t.Errorf("Expected idle/no-vault, got %+v", snap)
	}
	if err := s.AssertInited(); err != nil {
		t.Errorf("AssertInited should pass after Inited: %v", err)
	}

	s.Inited(true)
	snap = s.Snapshot()
	if snap.Status != StatusLocked || !snap.VaultExists {
		t.Errorf("Expected locked with vault, got %+v", snap)
	}
	if err := s.AssertUnlocked(); err == nil {
		t.Error("AssertUnlocked should fail while locked")
	}

	accounts := []vault.Account{{Type: vault.AccountTypeHD, Name: "Account 1", PublicKeyHash: "tz1a"}}
	s.Unlocked(accounts, vault.Settings{})
	snap = s.Snapshot()
	if snap.Status != StatusReady || len(snap.Accounts) != 1 {
		t.Errorf("Expected ready with 1 account, got %+v", snap)
	}
	if err := s.AssertUnlocked(); err != nil {
		t.Errorf("AssertUnlocked should pass while ready: %v", err)
	}
}

func TestLockedDropsSessionData(t *testing.T) {
	s := New()
	s.Inited(true)

	enabled := true
	s.Unlocked(
		[]vault.Account{{Name: "Account 1", PublicKeyHash: "tz1a"}},
		vault.Settings{DAppsEnabled: &enabled},
	)

	s.Locked()
	snap := s.Snapshot()
	if snap.Status != StatusLocked {
		t.Errorf("Expected locked, got %v", snap.Status)
	}
	if !snap.VaultExists {
		t.Error("Locking must keep the vault-exists flag")
	}
	if len(snap.Accounts) != 0 || snap.Settings.DAppsEnabled != nil {
		t.Error("Locking must drop accounts and settings")
	}
}

func TestUpdatesIgnoredWhileLocked(t *testing.T) {
	s := New()
	s.Inited(true)

	s.AccountsUpdated([]vault.Account{{Name: "ghost"}})
	if len(s.Snapshot().Accounts) != 0 {
		t.Error("AccountsUpdated must be a no-op while locked")
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Inited(true)
	got := <-ch
	if got.Status != StatusLocked {
		t.Errorf("Expected locked broadcast, got %v", got.Status)
	}

	s.Unlocked(nil, vault.Settings{})
	got = <-ch
	if got.Status != StatusReady {
		t.Errorf("Expected ready broadcast, got %v", got.Status)
	}
}

func TestCancelledSubscriptionStops(t *testing.T) {
	s := New()
	ch, cancel := s.Subscribe()
	cancel()
	cancel() // idempotent

	s.Inited(true)
	if _, ok := <-ch; ok {
		t.Error("Cancelled subscription channel should be closed and drained")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := New()
	s.Inited(true)
	s.Unlocked([]vault.Account{{Name: "Account 1"}}, vault.Settings{})

	snap := s.Snapshot()
	snap.Accounts[0].Name = "mutated"

	if s.Snapshot().Accounts[0].Name != "Account 1" {
		t.Error("Snapshot must not share the underlying account slice")
	}
}
