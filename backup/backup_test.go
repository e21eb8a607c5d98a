package backup

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/templewallet/walletd/storage"
)

var testAuthKey = bytes.Repeat([]byte{0x42}, 32)

type mockStore struct {
	objects map[string][]byte
	getErr  error
	putErr  error
}

func newMockStore() *mockStore {
	return &mockStore{objects: make(map[string][]byte)}
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	data, ok := m.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (m *mockStore) Put(ctx context.Context, key string, data []byte) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.objects[key] = data
	return nil
}

func (m *mockStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func openTestKV(t *testing.T) *storage.KV {
	t.Helper()
	kv, err := storage.OpenKV(":memory:")
	if err != nil {
		t.Fatalf("OpenKV failed: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func newTestService(t *testing.T, kv *storage.KV, store ObjectStore) *Service {
	t.Helper()
	return NewService(kv, store, "snapshots", func() ([]byte, error) {
		return testAuthKey, nil
	})
}

func TestSnapshotRoundTrip(t *testing.T) {
	entries := map[string][]byte{
		"vault_check":    []byte(`{"dt":"abc","iv":"def"}`),
		"vault_mnemonic": []byte(`{"dt":"ghi","iv":"jkl"}`),
	}

	data, err := EncodeSnapshot(entries, testAuthKey)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}

	snap, err := DecodeSnapshot(data, testAuthKey)
	if err != nil {
		t.Fatalf("DecodeSnapshot failed: %v", err)
	}
	if len(snap.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(snap.Entries))
	}
	if !bytes.Equal(snap.Entries["vault_check"], entries["vault_check"]) {
		t.Error("vault_check entry mismatch")
	}
	if snap.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestSnapshotRejectsTamper(t *testing.T) {
	data, err := EncodeSnapshot(map[string][]byte{"k": []byte("v")}, testAuthKey)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}

	tampered := make([]byte, len(data))
	copy(tampered, data)
	tampered[len(tampered)/2] ^= 0xff

	if _, err := DecodeSnapshot(tampered, testAuthKey); err == nil {
		t.Fatal("expected tampered snapshot to be rejected")
	}
}

func TestSnapshotRejectsWrongKey(t *testing.T) {
	data, err := EncodeSnapshot(map[string][]byte{"k": []byte("v")}, testAuthKey)
	if err != nil {
		t.Fatalf("EncodeSnapshot failed: %v", err)
	}

	otherKey := bytes.Repeat([]byte{0x43}, 32)
	if _, err := DecodeSnapshot(data, otherKey); !errors.Is(err, ErrBadMAC) {
		t.Fatalf("err = %v, want ErrBadMAC", err)
	}
}

func TestPushPullRoundTrip(t *testing.T) {
	ctx := t.Context()

	src := openTestKV(t)
	if err := src.Put("vault_check", []byte("check")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := src.Put("vault_accounts", []byte("accounts")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	store := newMockStore()
	key, err := newTestService(t, src, store).Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !strings.HasPrefix(key, "snapshots/") {
		t.Errorf("key = %q", key)
	}

	dst := openTestKV(t)
	if err := dst.Put("stale", []byte("gone after restore")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := newTestService(t, dst, store).Pull(ctx, key); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	got, err := dst.Get("vault_accounts")
	if err != nil || string(got) != "accounts" {
		t.Errorf("vault_accounts = %q, %v", got, err)
	}
	if _, err := dst.Get("stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale entry survived restore: %v", err)
	}
}

func TestPullBadSnapshotLeavesStorageUntouched(t *testing.T) {
	ctx := t.Context()

	kv := openTestKV(t)
	if err := kv.Put("keep", []byte("me")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	store := newMockStore()
	store.objects["snapshots/bad"] = []byte("not a snapshot")

	if err := newTestService(t, kv, store).Pull(ctx, "snapshots/bad"); err == nil {
		t.Fatal("expected bad snapshot to fail")
	}

	got, err := kv.Get("keep")
	if err != nil || string(got) != "me" {
		t.Errorf("storage was modified: %q, %v", got, err)
	}
}

func TestLatestPicksNewestSnapshot(t *testing.T) {
	ctx := t.Context()

	kv := openTestKV(t)
	store := newMockStore()
	svc := newTestService(t, kv, store)

	svc.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	first, err := svc.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	svc.now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }
	second, err := svc.Push(ctx)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct snapshot keys")
	}

	latest, err := svc.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest != second {
		t.Errorf("latest = %q, want %q", latest, second)
	}
}

func TestLatestEmptyStore(t *testing.T) {
	svc := newTestService(t, openTestKV(t), newMockStore())
	latest, err := svc.Latest(t.Context())
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest != "" {
		t.Errorf("latest = %q, want empty", latest)
	}
}
