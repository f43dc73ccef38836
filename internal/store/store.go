// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists state that must survive a daemon restart: the
// registered-session table and the installed-plugin registry
// (SPEC_FULL.md §12). It does not persist the live object model — that
// remains explicitly out of scope (spec §1 Non-goals).
package store

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store owns a single SQLite connection. pcs has no write-concurrency
// requirement that would justify a connection pool the way
// lib/sqlitepool's does for the teacher's heavier write paths; every
// call is serialized behind mu instead.
type Store struct {
	mu     sync.Mutex
	conn   *sqlite.Conn
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id   INTEGER PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS plugins (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS plugin_data (
	plugin TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (plugin, key)
);
`

// columnBytes copies a BLOB column's full contents out of stmt. The
// zombiezen sqlite API exposes BLOB columns by length plus a fill
// call rather than returning a []byte directly.
func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the daemon's standard pragmas, mirroring
// lib/sqlitepool/pool.go's prepareConnection but for one connection
// rather than a pool.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: creating schema: %w", err)
	}

	logger.Info("store opened", "path", path)
	return &Store{conn: conn, logger: logger}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("store: closing: %w", err)
	}
	return nil
}

// SessionRecord is the persisted form of one registered user session
// (AddUserSession, §4.7 "Sessions").
type SessionRecord struct {
	ID          uint32 `cbor:"id"`
	AccessLevel string `cbor:"accessLevel"`
	Origin      string `cbor:"origin"`
	OriginPort  int    `cbor:"originPort"`
}

// SaveSession upserts rec.
func (s *Store) SaveSession(rec SessionRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encoding session record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `INSERT OR REPLACE INTO sessions (id, data) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{int64(rec.ID), data},
	})
}

// DeleteSession removes the session with id. Not an error if absent —
// callers check existence against the in-memory registry first.
func (s *Store) DeleteSession(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `DELETE FROM sessions WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{int64(id)},
	})
}

// LoadSessions returns every persisted session, read once at daemon
// startup so RemoveUserSession issued after a restart still finds
// sessions registered before it.
func (s *Store) LoadSessions() ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []SessionRecord
	err := sqlitex.Execute(s.conn, `SELECT data FROM sessions`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var rec SessionRecord
			if err := cbor.Unmarshal(columnBytes(stmt, 0), &rec); err != nil {
				return fmt.Errorf("store: decoding session record: %w", err)
			}
			records = append(records, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading sessions: %w", err)
	}
	return records, nil
}

// PluginRecord is the persisted form of one installed plugin's
// registry entry (InstallPlugin/StartPlugin/StopPlugin/UninstallPlugin,
// §4.7 "Plugins").
type PluginRecord struct {
	Name         string `cbor:"name"`
	State        string `cbor:"state"`
	InstallPath  string `cbor:"installPath"`
	ContentHash  string `cbor:"contentHash"`
	InstalledAt  int64  `cbor:"installedAt"`
}

// SavePlugin upserts rec.
func (s *Store) SavePlugin(rec PluginRecord) error {
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encoding plugin record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `INSERT OR REPLACE INTO plugins (name, data) VALUES (?, ?)`, &sqlitex.ExecOptions{
		Args: []any{rec.Name, data},
	})
}

// DeletePlugin removes name's registry entry and every plugin_data
// value stored under it.
func (s *Store) DeletePlugin(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	endTransaction, err := sqlitex.ImmediateTransaction(s.conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	if err = sqlitex.Execute(s.conn, `DELETE FROM plugins WHERE name = ?`, &sqlitex.ExecOptions{Args: []any{name}}); err != nil {
		return err
	}
	if err = sqlitex.Execute(s.conn, `DELETE FROM plugin_data WHERE plugin = ?`, &sqlitex.ExecOptions{Args: []any{name}}); err != nil {
		return err
	}
	return nil
}

// LoadPlugins returns every persisted plugin registry entry.
func (s *Store) LoadPlugins() ([]PluginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var records []PluginRecord
	err := sqlitex.Execute(s.conn, `SELECT data FROM plugins`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var rec PluginRecord
			if err := cbor.Unmarshal(columnBytes(stmt, 0), &rec); err != nil {
				return fmt.Errorf("store: decoding plugin record: %w", err)
			}
			records = append(records, rec)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading plugins: %w", err)
	}
	return records, nil
}

// SavePluginData upserts one sealed SetPluginData value. value is
// expected to already be age-sealed ciphertext (internal/plugin) — the
// store itself does no sealing, it only persists bytes.
func (s *Store) SavePluginData(plugin, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sqlitex.Execute(s.conn, `INSERT OR REPLACE INTO plugin_data (plugin, key, value) VALUES (?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{plugin, key, value},
	})
}

// LoadPluginData returns every sealed value stored for plugin, keyed
// by its key.
func (s *Store) LoadPluginData(plugin string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string][]byte)
	err := sqlitex.Execute(s.conn, `SELECT key, value FROM plugin_data WHERE plugin = ?`, &sqlitex.ExecOptions{
		Args: []any{plugin},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			values[stmt.ColumnText(0)] = columnBytes(stmt, 1)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: loading plugin data for %s: %w", plugin, err)
	}
	return values, nil
}
