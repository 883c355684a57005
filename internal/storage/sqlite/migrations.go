package sqlite

import "database/sql"

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS inputs (
    shortened  TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    msg_id     TEXT NOT NULL,
    message    TEXT NOT NULL,
    created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_inputs_session ON inputs(session_id);

CREATE TABLE IF NOT EXISTS output_sessions (
    session_id    TEXT PRIMARY KEY,
    next_sequence INTEGER NOT NULL DEFAULT 0,
    closed        INTEGER NOT NULL DEFAULT 0 CHECK(closed IN (0, 1)),
    created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_output_sessions_updated ON output_sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS output_messages (
    session_id    TEXT NOT NULL REFERENCES output_sessions(session_id) ON DELETE CASCADE,
    sequence      INTEGER NOT NULL,
    msg_type      TEXT NOT NULL,
    parent_msg_id TEXT NOT NULL DEFAULT '',
    content       TEXT NOT NULL DEFAULT '{}',
    created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (session_id, sequence)
);

CREATE TABLE IF NOT EXISTS files (
    session_id TEXT NOT NULL,
    filename   TEXT NOT NULL,
    data       BLOB NOT NULL,
    created_at DATETIME NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (session_id, filename)
);
`

func runMigrations(db *sql.DB) error {
	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return err
	}
	// Readers in other processes (cellsrv log) must not fail on a busy writer.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return err
	}

	// Check current version
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table does not exist or is empty: run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	// Upsert schema version
	_, err := db.Exec(`
		DELETE FROM schema_version;
		INSERT INTO schema_version (version) VALUES (?);
	`, schemaVersion)
	return err
}
