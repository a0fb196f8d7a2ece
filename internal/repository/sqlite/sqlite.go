package sqlite

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is stored in PRAGMA user_version after migration.
const SchemaVersion = 1

// DB wraps the SQLite database connection with thread-safe access.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// New creates and initializes a new SQLite database connection.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// migrate creates the audit tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS validations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		card_id TEXT NOT NULL DEFAULT '',
		operator TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		task_id INTEGER NOT NULL DEFAULT 0,
		task TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		expected TEXT NOT NULL DEFAULT '{}',
		missing TEXT NOT NULL DEFAULT '{}',
		image_path TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		validation_id INTEGER,
		session_id TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		filename TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		filepath TEXT NOT NULL UNIQUE,
		filesize INTEGER DEFAULT 0,
		FOREIGN KEY (validation_id) REFERENCES validations(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_validations_started_at ON validations(started_at);
	CREATE INDEX IF NOT EXISTS idx_validations_task ON validations(task);
	CREATE INDEX IF NOT EXISTS idx_validations_status ON validations(status);
	CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_images_validation_id ON images(validation_id);
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	_, err := db.conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion))
	return err
}

// Version returns the schema version recorded in the database file.
func (db *DB) Version() (int, error) {
	db.RLock()
	defer db.RUnlock()

	var v int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// TableCounts returns the row count of every audit table.
func (db *DB) TableCounts() (map[string]int, error) {
	db.RLock()
	defer db.RUnlock()

	counts := make(map[string]int)
	for _, table := range []string{"validations", "events", "images"} {
		var n int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection for use by repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Lock acquires a write lock.
func (db *DB) Lock() {
	db.mu.Lock()
}

// Unlock releases the write lock.
func (db *DB) Unlock() {
	db.mu.Unlock()
}

// RLock acquires a read lock.
func (db *DB) RLock() {
	db.mu.RLock()
}

// RUnlock releases the read lock.
func (db *DB) RUnlock() {
	db.mu.RUnlock()
}
