// Package cache is a small sqlite-backed TTL cache for read commands. It holds
// rendered snapshots (balances, refill requirements) so repeated polling by an
// agent does not hammer RPC endpoints, and keeps expired entries around long
// enough to serve as a stale fallback during outages.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

// Store is a single sqlite file guarded by a flock so concurrent agentfund
// processes do not corrupt each other's writes.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

// Result reports a lookup. A Stale hit is still usable as a fallback unless
// TooStale says the caller's staleness budget is exhausted.
type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS snapshots (key TEXT PRIMARY KEY, value BLOB NOT NULL, created_at INTEGER NOT NULL, ttl_seconds INTEGER NOT NULL);",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	// Expired snapshots are dropped on startup so the file cannot grow
	// without bound under long-running agent polling.
	_ = store.Prune()
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes snapshots whose TTL has fully elapsed. Open runs it once;
// callers may run it again at any time.
func (s *Store) Prune() error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UTC().Unix()
	if _, err := s.db.Exec("DELETE FROM snapshots WHERE created_at + ttl_seconds < ?", now); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get looks up a snapshot. maxStale bounds how far past its TTL an entry may
// be before it counts as TooStale; a negative maxStale disables the bound.
func (s *Store) Get(key string, maxStale time.Duration) (Result, error) {
	var (
		value      []byte
		created    int64
		ttlSeconds int64
	)
	err := s.db.QueryRow("SELECT value, created_at, ttl_seconds FROM snapshots WHERE key = ?", key).
		Scan(&value, &created, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{Hit: false}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.Unix(created, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	stale := age > ttl

	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

// Set upserts a snapshot under the flock. A non-positive ttl is clamped to one
// second so every entry eventually prunes.
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (key, value, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			created_at=excluded.created_at,
			ttl_seconds=excluded.ttl_seconds
	`, key, value, time.Now().UTC().Unix(), ttlSeconds)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}
