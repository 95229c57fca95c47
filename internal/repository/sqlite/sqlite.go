// Package sqlite implements the repository interfaces using SQLite as the storage backend.
//
// WHY SQLITE?
// The only durable state this service owns is the users table: one row per
// Google account that ever logged in. An embedded database is plenty: no
// separate server to run, and ":memory:" gives every test a fresh database.
//
// WHY modernc.org/sqlite INSTEAD OF github.com/mattn/go-sqlite3?
// modernc.org/sqlite is a pure Go translation of SQLite: no C compiler is needed and
// cross-compilation just works.
//
// CONNECTION PRAGMAS:
// database/sql keeps a pool of connections, and SQLite PRAGMAs are
// per-connection. Running "PRAGMA busy_timeout" with db.Exec would configure
// only whichever pooled connection happened to run it. modernc's DSN accepts
// _pragma=... parameters that are applied to EVERY new connection instead.
package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"

	// BLANK IMPORT:
	// The sqlite package's init() registers the "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// busyTimeoutMillis is how long a writer waits for a competing write lock
// before SQLITE_BUSY. Concurrent first logins both write to users.
const busyTimeoutMillis = 5000

// DB wraps a sql.DB connection pool and provides repository methods.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/calendar.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests; lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is its own private database, so the pool
	// must be pinned to a single connection or tables would "disappear".
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn builds a modernc DSN with per-connection pragmas.
func dsn(dbPath string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	q.Add("_pragma", "foreign_keys(1)")
	if dbPath != ":memory:" {
		// WAL lets readers proceed while a login is inserting its user row.
		q.Add("_pragma", "journal_mode(WAL)")
	}
	return "file:" + dbPath + "?" + q.Encode()
}

// Close closes the database connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the database is reachable. Used by the health check.
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// migrate creates the schema. CREATE ... IF NOT EXISTS makes it idempotent.
//
// subject_id is UNIQUE: it is the conflict target of EnsureUser's
// INSERT ... ON CONFLICT DO NOTHING, which is what makes concurrent first
// logins safe.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			subject_id   TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}
	return nil
}
