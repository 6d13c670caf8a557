package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

var connPragmas = []string{
	"PRAGMA busy_timeout = 5000",
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
}

// Open returns the node name cache at path, creating the file and schema on
// first use. A single connection serves both the writer queue and lookups.
func Open(ctx context.Context, path string) (db *sql.DB, err error) {
	db, err = sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open name cache %q: %w", path, err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
			db = nil
		}
	}()

	db.SetMaxOpenConns(1)
	if err = db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("reach name cache %q: %w", path, err)
	}
	for _, pragma := range connPragmas {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err = migrate(ctx, db); err != nil {
		return nil, err
	}

	return db, nil
}
