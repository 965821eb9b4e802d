// Package board – db.go provides the central SQLite database for Flowdeck.
// A single flowdeck.db file holds the board (channels, columns, cards and
// their attached records), the processed-card ledger, instruction
// definitions, run history, and trigger state.
package board

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

// schema is the DDL executed on every startup (idempotent via IF NOT EXISTS).
const schema = `
-- Board structure
CREATE TABLE IF NOT EXISTS channels (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS columns (
    id         TEXT PRIMARY KEY,
    channel_id TEXT NOT NULL REFERENCES channels(id),
    name       TEXT NOT NULL,
    position   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_columns_channel ON columns(channel_id);

CREATE TABLE IF NOT EXISTS cards (
    id                     TEXT PRIMARY KEY,
    column_id              TEXT NOT NULL REFERENCES columns(id),
    title                  TEXT NOT NULL,
    description            TEXT DEFAULT '',
    position               INTEGER NOT NULL DEFAULT 0,
    created_by_instruction TEXT DEFAULT '',
    is_processing          INTEGER NOT NULL DEFAULT 0,
    created_at             TEXT NOT NULL,
    updated_at             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_column ON cards(column_id);

-- Card-attached records
CREATE TABLE IF NOT EXISTS card_properties (
    card_id TEXT NOT NULL REFERENCES cards(id),
    key     TEXT NOT NULL,
    value   TEXT NOT NULL,
    PRIMARY KEY (card_id, key)
);

-- Tag assignments are reference-counted: a tag added by two runs (or by a
-- run and the user) survives one undo.
CREATE TABLE IF NOT EXISTS card_tags (
    card_id TEXT NOT NULL REFERENCES cards(id),
    tag     TEXT NOT NULL,
    refs    INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (card_id, tag)
);

CREATE TABLE IF NOT EXISTS tag_definitions (
    channel_id TEXT NOT NULL REFERENCES channels(id),
    name       TEXT NOT NULL,
    color      TEXT NOT NULL,
    position   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (channel_id, name)
);

CREATE TABLE IF NOT EXISTS tasks (
    id         TEXT PRIMARY KEY,
    card_id    TEXT NOT NULL REFERENCES cards(id),
    title      TEXT NOT NULL,
    done       INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_card ON tasks(card_id);

CREATE TABLE IF NOT EXISTS messages (
    id         TEXT PRIMARY KEY,
    card_id    TEXT NOT NULL REFERENCES cards(id),
    author     TEXT DEFAULT '',
    content    TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_card ON messages(card_id);

-- Idempotency ledger: which instructions already touched which cards.
CREATE TABLE IF NOT EXISTS processed_cards (
    card_id        TEXT NOT NULL REFERENCES cards(id),
    instruction_id TEXT NOT NULL,
    processed_at   TEXT NOT NULL,
    PRIMARY KEY (card_id, instruction_id)
);

-- Instruction definitions (owned by the engine, stored alongside the board).
CREATE TABLE IF NOT EXISTS instructions (
    id               TEXT PRIMARY KEY,
    channel_id       TEXT NOT NULL REFERENCES channels(id),
    title            TEXT NOT NULL,
    body             TEXT NOT NULL DEFAULT '{}',
    enabled          INTEGER NOT NULL DEFAULT 1,
    last_executed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_instructions_channel ON instructions(channel_id);

-- Run history (append-only; undone is the single mutable flag).
CREATE TABLE IF NOT EXISTS instruction_runs (
    id                TEXT PRIMARY KEY,
    instruction_id    TEXT NOT NULL,
    instruction_title TEXT NOT NULL,
    channel_id        TEXT NOT NULL,
    started_at        TEXT NOT NULL,
    changes           TEXT NOT NULL DEFAULT '[]',
    undone            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_instruction ON instruction_runs(instruction_id);
CREATE INDEX IF NOT EXISTS idx_runs_channel ON instruction_runs(channel_id);

-- Trigger evaluator state: scheduled period keys and threshold edge state.
CREATE TABLE IF NOT EXISTS trigger_state (
    instruction_id TEXT NOT NULL,
    trigger_index  INTEGER NOT NULL,
    period_key     TEXT NOT NULL DEFAULT '',
    condition_met  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (instruction_id, trigger_index)
);
`

// OpenDatabase opens (or creates) the central flowdeck.db at the given path.
// It enables WAL mode for concurrent read performance and creates all tables.
func OpenDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = "./data/flowdeck.db"
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}
