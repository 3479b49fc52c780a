package plugin

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// StateStore persists per-plugin state: the enabled flag that replaces the
// legacy rename-to-disable convention, plus load bookkeeping.
type StateStore interface {
	// Enabled reports the persisted flag for name. known is false when no
	// record exists yet.
	Enabled(name string) (enabled bool, known bool, err error)

	// SetEnabled persists the flag, creating the record if needed.
	SetEnabled(name string, enabled bool) error

	// RecordLoad stores the duration and version of the latest load.
	RecordLoad(name string, d time.Duration, version string) error

	Close() error
}

// SQLiteStateStore persists plugin state in SQLite.
type SQLiteStateStore struct {
	db *sql.DB
}

// OpenStateStore opens (or creates) a SQLite-backed state store at path and
// ensures its schema.
func OpenStateStore(path string) (*SQLiteStateStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := ensureStateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStateStore{db: db}, nil
}

func (s *SQLiteStateStore) Enabled(name string) (bool, bool, error) {
	var enabled int
	err := s.db.QueryRow(
		`SELECT enabled FROM plugin_state WHERE name = ?`, name,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return enabled != 0, true, nil
}

func (s *SQLiteStateStore) SetEnabled(name string, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO plugin_state (name, enabled) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled
	`, name, v)
	return err
}

func (s *SQLiteStateStore) RecordLoad(name string, d time.Duration, version string) error {
	_, err := s.db.Exec(`
		INSERT INTO plugin_state (name, enabled, last_load_ms, version, loaded_at)
		VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_load_ms = excluded.last_load_ms,
			version = excluded.version,
			loaded_at = excluded.loaded_at
	`, name, d.Milliseconds(), version, time.Now().UTC())
	return err
}

func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

func ensureStateSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS plugin_state (
			name TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_load_ms INTEGER,
			version TEXT,
			loaded_at TIMESTAMP
		);
	`)
	return err
}
