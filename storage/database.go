// Package storage keeps transfer history and pinned peer identities in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "peerdrop.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

type migration struct {
	name string
	sql  string
}

// migrations run in order; PRAGMA user_version records how many applied.
var migrations = []migration{
	{name: "create peers", sql: `
CREATE TABLE IF NOT EXISTS peers (
  device_id           TEXT PRIMARY KEY,
  device_name         TEXT NOT NULL,
  ed25519_public_key  TEXT NOT NULL,
  key_fingerprint     TEXT NOT NULL,
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_known_address  TEXT
);`},
	{name: "create key_rotation_events", sql: `
CREATE TABLE IF NOT EXISTS key_rotation_events (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_device_id      TEXT NOT NULL REFERENCES peers(device_id) ON DELETE CASCADE,
  old_key_fingerprint TEXT NOT NULL,
  new_key_fingerprint TEXT NOT NULL,
  decision            TEXT NOT NULL CHECK(decision IN ('trusted','rejected')),
  timestamp           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_key_rotation_events_peer_time
ON key_rotation_events (peer_device_id, timestamp DESC, id DESC);`},
	{name: "create transfers", sql: `
CREATE TABLE IF NOT EXISTS transfers (
  transfer_id  TEXT PRIMARY KEY,
  direction    TEXT NOT NULL CHECK(direction IN ('send','receive')),
  peer         TEXT NOT NULL DEFAULT '',
  name         TEXT NOT NULL,
  size         INTEGER NOT NULL,
  chunk_size   INTEGER NOT NULL,
  chunk_count  INTEGER NOT NULL,
  status       TEXT NOT NULL CHECK(status IN ('sending','receiving','complete','failed')),
  error_kind   TEXT NOT NULL DEFAULT '',
  stored_path  TEXT NOT NULL DEFAULT '',
  checksum     TEXT NOT NULL DEFAULT '',
  mime_type    TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_created_at
ON transfers (created_at DESC, transfer_id);`},
}

// Store wraps the SQLite connection.
type Store struct {
	db         *sql.DB
	checkpoint *walCheckpointer
	closeOnce  sync.Once
}

// Open opens (or creates) peerdrop.db under dataDir and returns the store
// together with the database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, switches it to WAL and brings
// the schema up to date.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	setup := []func(*sql.DB) error{
		func(db *sql.DB) error { return db.Ping() },
		requireWAL,
		migrate,
		checkpointWAL,
	}
	for _, step := range setup {
		if err := step(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &Store{
		db:         db,
		checkpoint: startWALCheckpointer(db, DefaultWALCheckpointInterval),
	}, nil
}

// Close stops background maintenance and closes the database. Further calls
// are no-ops.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		s.checkpoint.stop()
		err = s.db.Close()
	})
	return err
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, m := range migrations[version:] {
		next := version + i + 1
		if _, err := tx.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", next, m.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", next)); err != nil {
			return fmt.Errorf("set schema version %d: %w", next, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func requireWAL(db *sql.DB) error {
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", mode)
	}
	return nil
}

func checkpointWAL(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// walCheckpointer truncates the WAL file on a fixed interval.
type walCheckpointer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startWALCheckpointer(db *sql.DB, interval time.Duration) *walCheckpointer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &walCheckpointer{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = checkpointWAL(db)
			case <-ctx.Done():
				return
			}
		}
	}()
	return c
}

func (c *walCheckpointer) stop() {
	c.cancel()
	<-c.done
}
