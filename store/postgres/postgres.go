// Package postgres provides a PostgreSQL-backed SessionStore for sigsend.
package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	sigsendsql "github.com/atlaschat/sigsend/store/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Dialect implements sigsendsql.Dialect for PostgreSQL.
type Dialect struct{}

func (Dialect) Name() string { return "postgres" }

func (Dialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Dialect) BlobType() string     { return "BYTEA" }
func (Dialect) Migrations() []string { return migrations }

func (Dialect) UpsertSuffix(conflictColumns, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO NOTHING"
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = col + " = EXCLUDED." + col
	}
	return "ON CONFLICT (" + strings.Join(conflictColumns, ", ") + ") DO UPDATE SET " + strings.Join(sets, ", ")
}

// New opens a PostgreSQL database at dsn and returns a Store; its Init
// applies the schema migrations.
func New(dsn string) (*sigsendsql.Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: open: %w", err)
	}
	return sigsendsql.New(db, Dialect{}), nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS identity_keypair (
		id SMALLINT PRIMARY KEY CHECK (id = 1),
		private_key BYTEA NOT NULL,
		public_key BYTEA NOT NULL,
		local_device_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS remote_identities (
		addr TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		identity_key BYTEA NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pre_keys (
		id INTEGER PRIMARY KEY,
		private_key BYTEA NOT NULL,
		public_key BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signed_pre_keys (
		id INTEGER PRIMARY KEY,
		private_key BYTEA NOT NULL,
		public_key BYTEA NOT NULL,
		signature BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		addr TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		data BYTEA NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS known_devices (
		addr TEXT NOT NULL,
		device_id INTEGER NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
}
