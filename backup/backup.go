package backup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/storage"
)

const objectSuffix = ".snapshot"

// Service pushes and pulls whole-vault snapshots. The auth key comes from
// the unlocked vault, so both directions require a live session.
type Service struct {
	kv      *storage.KV
	store   ObjectStore
	prefix  string
	authKey func() ([]byte, error)

	now func() time.Time
}

func NewService(kv *storage.KV, store ObjectStore, prefix string, authKey func() ([]byte, error)) *Service {
	return &Service{
		kv:      kv,
		store:   store,
		prefix:  prefix,
		authKey: authKey,
		now:     time.Now,
	}
}

// Push snapshots the whole KV and uploads it. Returns the object key.
func (s *Service) Push(ctx context.Context) (string, error) {
	authKey, err := s.authKey()
	if err != nil {
		return "", err
	}

	entries, err := s.kv.Entries()
	if err != nil {
		return "", fmt.Errorf("failed to read storage entries: %w", err)
	}

	data, err := EncodeSnapshot(entries, authKey)
	if err != nil {
		return "", err
	}

	key := s.objectKey(s.now().UTC())
	if err := s.store.Put(ctx, key, data); err != nil {
		return "", err
	}

	log.Info().
		Str("key", key).
		Int("entries", len(entries)).
		Msg("Backup snapshot pushed")
	return key, nil
}

// Pull downloads a snapshot, verifies it and replaces the local storage
// contents with it. All-or-nothing: a bad snapshot leaves storage untouched.
func (s *Service) Pull(ctx context.Context, key string) error {
	authKey, err := s.authKey()
	if err != nil {
		return err
	}

	data, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}

	snap, err := DecodeSnapshot(data, authKey)
	if err != nil {
		return err
	}

	if err := s.kv.Restore(snap.Entries); err != nil {
		return fmt.Errorf("failed to restore storage entries: %w", err)
	}

	log.Info().
		Str("key", key).
		Int("entries", len(snap.Entries)).
		Time("created_at", snap.CreatedAt).
		Msg("Backup snapshot restored")
	return nil
}

// Latest returns the most recent snapshot key, or "" when none exists.
// Object keys embed an RFC 3339 UTC timestamp, so lexicographic order is
// chronological order.
func (s *Service) Latest(ctx context.Context) (string, error) {
	keys, err := s.store.List(ctx, s.prefix)
	if err != nil {
		return "", err
	}
	if len(keys) == 0 {
		return "", nil
	}
	sort.Strings(keys)
	return keys[len(keys)-1], nil
}

func (s *Service) objectKey(at time.Time) string {
	return fmt.Sprintf("%s/%s%s", s.prefix, at.Format("2006-01-02T15-04-05Z"), objectSuffix)
}
