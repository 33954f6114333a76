// Package sqlite provides a SQLite-backed SessionStore for sigsend.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	sigsendsql "github.com/atlaschat/sigsend/store/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Dialect implements sigsendsql.Dialect for SQLite.
type Dialect struct{}

func (Dialect) Name() string               { return "sqlite" }
func (Dialect) Placeholder(_ int) string    { return "?" }
func (Dialect) BlobType() string            { return "BLOB" }
func (Dialect) Migrations() []string        { return migrations }

func (Dialect) UpsertSuffix(conflictColumns, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO NOTHING"
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = col + " = excluded." + col
	}
	return "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// New opens a SQLite database at dsn and returns a Store; its Init applies
// the schema migrations.
func New(dsn string) (*sigsendsql.Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlite: set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlite: enable foreign keys: %w", err)
	}
	return sigsendsql.New(db, Dialect{}), nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS identity_keypair (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		private_key BLOB NOT NULL DEFAULT '',
		public_key BLOB NOT NULL DEFAULT '',
		local_device_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS remote_identities (
		addr TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		identity_key BLOB NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pre_keys (
		id INTEGER PRIMARY KEY,
		private_key BLOB NOT NULL,
		public_key BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signed_pre_keys (
		id INTEGER PRIMARY KEY,
		private_key BLOB NOT NULL,
		public_key BLOB NOT NULL,
		signature BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		addr TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS known_devices (
		addr TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
}
