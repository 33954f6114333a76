// Package sql provides a shared database/sql-backed SessionStore for
// sigsend, usable with any driver for which a Dialect is passed to New.
package sql

// Dialect abstracts the database-specific SQL differences between the
// supported backends.
type Dialect interface {
	// Name returns the dialect name (e.g. "sqlite", "postgres", "mysql").
	Name() string

	// Placeholder returns the parameter placeholder for the nth bound
	// parameter (1-indexed). SQLite/MySQL return "?"; PostgreSQL returns
	// "$1", "$2", and so on.
	Placeholder(n int) string

	// BlobType returns the column type for binary key/session material.
	BlobType() string

	// UpsertSuffix returns the dialect-specific upsert clause for an
	// INSERT targeting conflictColumns, overwriting updateColumns.
	UpsertSuffix(conflictColumns []string, updateColumns []string) string

	// Migrations returns this dialect's schema migration statements, in
	// order.
	Migrations() []string
}
