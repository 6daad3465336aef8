// Package store implements the remote scheduling store over SQLite.
//
// It is the single arbiter of scheduling state: notes, cards (unique on
// note_id + cloze_index), and append-only review logs. Cards are never
// hard-deleted; review history must survive every edit.
package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	id            TEXT PRIMARY KEY,
	collection    TEXT NOT NULL DEFAULT '',
	relative_path TEXT NOT NULL DEFAULT '',
	title         TEXT NOT NULL DEFAULT '',
	tags          TEXT NOT NULL DEFAULT '[]',
	content_hash  TEXT NOT NULL DEFAULT '',
	is_deleted    INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_path ON notes(relative_path);

CREATE TABLE IF NOT EXISTS cards (
	note_id        TEXT NOT NULL REFERENCES notes(id),
	cloze_index    INTEGER NOT NULL,
	block_id       TEXT NOT NULL DEFAULT '',
	content_raw    TEXT NOT NULL DEFAULT '',
	section_path   TEXT NOT NULL DEFAULT '',
	tags           TEXT NOT NULL DEFAULT '[]',
	is_suspended   INTEGER NOT NULL DEFAULT 0,
	is_deleted     INTEGER NOT NULL DEFAULT 0,
	state          INTEGER NOT NULL DEFAULT 0,
	due            DATETIME NOT NULL,
	stability      REAL NOT NULL DEFAULT 0,
	difficulty     REAL NOT NULL DEFAULT 0,
	elapsed_days   INTEGER NOT NULL DEFAULT 0,
	scheduled_days INTEGER NOT NULL DEFAULT 0,
	reps           INTEGER NOT NULL DEFAULT 0,
	lapses         INTEGER NOT NULL DEFAULT 0,
	last_review    DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	PRIMARY KEY (note_id, cloze_index)
);

CREATE INDEX IF NOT EXISTS idx_cards_updated ON cards(updated_at);
CREATE INDEX IF NOT EXISTS idx_cards_due ON cards(due) WHERE is_deleted = 0;

CREATE TABLE IF NOT EXISTS review_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	note_id        TEXT NOT NULL,
	cloze_index    INTEGER NOT NULL,
	grade          INTEGER NOT NULL,
	state          INTEGER NOT NULL,
	due            DATETIME NOT NULL,
	stability      REAL NOT NULL,
	difficulty     REAL NOT NULL,
	elapsed_days   INTEGER NOT NULL,
	scheduled_days INTEGER NOT NULL,
	reps           INTEGER NOT NULL,
	lapses         INTEGER NOT NULL,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	reviewed_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logs_card ON review_logs(note_id, cloze_index);
`

// Store wraps the SQLite connection with card-store operations.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the SQLite database and applies the schema. The
// returned Store has an explicit lifecycle: callers open it at startup and
// Close it at shutdown.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
