package sql

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrate applies every pending migration from dialect, tracked in a
// sigsend_migrations table so it is safe to call on every startup.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sigsend_migrations (
		version INTEGER PRIMARY KEY
	)`)
	if err != nil {
		return fmt.Errorf("store/sql: create migrations table: %w", err)
	}

	for i, m := range dialect.Migrations() {
		version := i + 1

		var count int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sigsend_migrations WHERE version = "+dialect.Placeholder(1), version).Scan(&count)
		if err != nil {
			return fmt.Errorf("store/sql: check migration %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store/sql: begin migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, m); err != nil {
			tx.Rollback()
			return fmt.Errorf("store/sql: run migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO sigsend_migrations (version) VALUES ("+dialect.Placeholder(1)+")", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store/sql: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store/sql: commit migration %d: %w", version, err)
		}
	}

	return nil
}
