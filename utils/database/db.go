package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("record not found")

// Init opens the automod database and ensures all necessary tables exist.
func Init(dbPath string) (*sqlx.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite allows a single writer; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS pending_reversals (
		id TEXT PRIMARY KEY,
		guild_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		kind INTEGER NOT NULL,
		action TEXT NOT NULL,
		role_id TEXT NOT NULL DEFAULT '',
		channel_id TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL DEFAULT '',
		due_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'scheduled',
		claimed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_pending_reversals_due ON pending_reversals(status, due_at);

	CREATE TABLE IF NOT EXISTS violation_counters (
		guild_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		violation INTEGER NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (guild_id, member_id, violation)
	);

	CREATE TABLE IF NOT EXISTS kicked_members (
		guild_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		kicked_at INTEGER NOT NULL,
		PRIMARY KEY (guild_id, member_id)
	);

	CREATE TABLE IF NOT EXISTS punishments (
		punishment_id INTEGER PRIMARY KEY AUTOINCREMENT,
		guild_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		action_type TEXT NOT NULL,
		role_id TEXT DEFAULT '',
		duration_sec INTEGER DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_punishments_user ON punishments(guild_id, user_id);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create automod tables: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// migrate adds columns introduced after a database was first created.
func migrate(db *sqlx.DB) error {
	var n int
	err := db.Get(&n, "SELECT COUNT(*) FROM pragma_table_info('pending_reversals') WHERE name = 'claimed_at'")
	if err != nil {
		return fmt.Errorf("failed to inspect pending_reversals: %w", err)
	}
	if n == 0 {
		if _, err := db.Exec("ALTER TABLE pending_reversals ADD COLUMN claimed_at DATETIME"); err != nil {
			return fmt.Errorf("failed to add claimed_at column: %w", err)
		}
	}
	return nil
}
