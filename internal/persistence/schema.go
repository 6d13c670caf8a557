package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// The two-table layout matches name caches written by earlier relay
// deployments, so an existing database file can be reused as is.
var migrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS longnames (
			meshtastic_id TEXT PRIMARY KEY,
			longname TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS shortnames (
			meshtastic_id TEXT PRIMARY KEY,
			shortname TEXT
		);`,
	},
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	for v := version + 1; v <= schemaVersion; v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", v, err)
			}
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, v)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("set schema version %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
	}

	return nil
}
