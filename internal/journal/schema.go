// Package journal keeps a SQLite log of finished cell executions.
package journal

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDSN keeps the journal in memory for the lifetime of the process.
const DefaultDSN = "file:cellar-journal?mode=memory&cache=shared"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	path        TEXT NOT NULL,
	cell_id     TEXT NOT NULL,
	status      TEXT NOT NULL,
	mime        TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_executions_cell ON executions(path, cell_id);
`

// DB wraps a sql.DB with journal operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the journal database and applies the schema.
func Open(dsn string) (*DB, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	conn, err := sql.Open("sqlite3", withParams(dsn, "_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	// An in-memory database lives only as long as a connection holds it.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

func withParams(dsn, params string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
