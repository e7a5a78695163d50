package ledger

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// OpenPostgres opens the Postgres Ledger backend for multi-instance
// deployments, where a single SQLite file can no longer serve as the
// shared store. Concurrency comes from Postgres' row-level locking rather
// than from serializing every write through one connection, so the pool
// here is left at the driver's default sizing.
func OpenPostgres(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres ledger: %w", err)
	}

	if err := execSchema(db, "postgres"); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchemaVersion(db, "postgres", schemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	if err := checkSchemaVersion(db, "postgres", schemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	return &sqlStore{db: db, driver: "postgres"}, nil
}
