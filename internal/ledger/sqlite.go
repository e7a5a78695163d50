package ledger

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens the default embedded Ledger backend at path. A single
// connection is held open (SetMaxOpenConns(1)): SQLite serializes writers
// regardless, and pinning the pool to one connection turns every write
// into a strict queue instead of surfacing SQLITE_BUSY under contention.
// WAL mode lets readers proceed concurrently with the single writer.
func OpenSQLite(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)",
		url.PathEscape(path))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := execSchema(db, "sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchemaVersion(db, "sqlite", schemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	if err := checkSchemaVersion(db, "sqlite", schemaVersion); err != nil {
		db.Close()
		return nil, err
	}

	return &sqlStore{db: db, driver: "sqlite"}, nil
}
