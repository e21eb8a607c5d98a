// Package storage provides the wallet's persistent key/value store, the Go
// rendition of the extension's browser.storage.local. Values are opaque
// blobs: vault entries arrive already encrypted, dApp sessions and network
// snapshots are plain JSON.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("storage: key not found")

// KV is a sqlite-backed key/value store with an in-memory read cache.
type KV struct {
	db    *sql.DB
	cache *LRUCache
	mu    sync.RWMutex
}

// OpenKV opens (or creates) the store at path. ":memory:" gives an ephemeral
// store for tests.
func OpenKV(path string) (*KV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &KV{
		db:    db,
		cache: NewLRUCache(256),
	}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *KV) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cached, ok := s.cache.Get(key); ok {
		return append([]byte{}, cached...), nil
	}

	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage get failed: %w", err)
	}

	s.cache.Put(key, value)
	return append([]byte{}, value...), nil
}

// Put writes the value for key, replacing any previous value.
func (s *KV) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) "+
			"ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("storage put failed: %w", err)
	}

	s.cache.Put(key, append([]byte{}, value...))
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *KV) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("storage delete failed: %w", err)
	}
	s.cache.Delete(key)
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *KV) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key", prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("storage list failed: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Clear removes everything. Used by Vault.Spawn to guarantee no stale entries
// survive a re-initialization.
func (s *KV) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM kv"); err != nil {
		return fmt.Errorf("storage clear failed: %w", err)
	}
	s.cache.Clear()
	return nil
}

// Entries returns a copy of the whole store, for snapshot export.
func (s *KV) Entries() (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT key, value FROM kv")
	if err != nil {
		return nil, fmt.Errorf("storage scan failed: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Restore replaces the whole store with the given entries atomically.
func (s *KV) Restore(entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("storage restore failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM kv"); err != nil {
		return fmt.Errorf("storage restore failed: %w", err)
	}
	now := time.Now().Unix()
	for key, value := range entries {
		if _, err := tx.Exec(
			"INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
			key, value, now,
		); err != nil {
			return fmt.Errorf("storage restore failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage restore failed: %w", err)
	}

	s.cache.Clear()
	return nil
}

// Close closes the underlying database.
func (s *KV) Close() error {
	return s.db.Close()
}
