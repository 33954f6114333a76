// Package mysql provides a MySQL-backed SessionStore for sigsend.
package mysql

import (
	"database/sql"
	"fmt"
	"strings"

	sigsendsql "github.com/atlaschat/sigsend/store/sql"

	_ "github.com/go-sql-driver/mysql"
)

// Dialect implements sigsendsql.Dialect for MySQL.
type Dialect struct{}

func (Dialect) Name() string            { return "mysql" }
func (Dialect) Placeholder(_ int) string { return "?" }
func (Dialect) BlobType() string         { return "LONGBLOB" }
func (Dialect) Migrations() []string     { return migrations }

func (Dialect) UpsertSuffix(conflictColumns, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return "ON DUPLICATE KEY UPDATE " + conflictColumns[0] + " = " + conflictColumns[0]
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = col + " = VALUES(" + col + ")"
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// New opens a MySQL database at dsn and returns a Store; its Init applies
// the schema migrations.
func New(dsn string) (*sigsendsql.Store, error) {
	db, err := sql.Open("mysql", dsn+"?parseTime=true")
	if err != nil {
		return nil, fmt.Errorf("store/mysql: open: %w", err)
	}
	return sigsendsql.New(db, Dialect{}), nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS identity_keypair (
		id TINYINT PRIMARY KEY,
		private_key LONGBLOB NOT NULL,
		public_key LONGBLOB NOT NULL,
		local_device_id INT UNSIGNED NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS remote_identities (
		addr VARCHAR(512) NOT NULL,
		device_id INT UNSIGNED NOT NULL,
		identity_key LONGBLOB NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pre_keys (
		id INT UNSIGNED PRIMARY KEY,
		private_key LONGBLOB NOT NULL,
		public_key LONGBLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS signed_pre_keys (
		id INT UNSIGNED PRIMARY KEY,
		private_key LONGBLOB NOT NULL,
		public_key LONGBLOB NOT NULL,
		signature LONGBLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		addr VARCHAR(512) NOT NULL,
		device_id INT UNSIGNED NOT NULL,
		data LONGBLOB NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
	`CREATE TABLE IF NOT EXISTS known_devices (
		addr VARCHAR(512) NOT NULL,
		device_id INT UNSIGNED NOT NULL,
		PRIMARY KEY (addr, device_id)
	)`,
}
