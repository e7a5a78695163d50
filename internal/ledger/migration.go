package ledger

import (
	"database/sql"
	"fmt"
	"time"
)

const createVersionTable = `
CREATE TABLE IF NOT EXISTS _schema_version (
	store_name TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 0,
	applied_at TEXT NOT NULL
)`

// tableExistsQuery returns the dialect-specific query used to check whether
// _schema_version has been created yet.
func tableExistsQuery(driver string) string {
	if driver == "postgres" {
		return `SELECT table_name FROM information_schema.tables WHERE table_name = '_schema_version'`
	}
	return `SELECT name FROM sqlite_master WHERE type='table' AND name='_schema_version'`
}

// currentSchemaVersion returns the schema version recorded in db, or 0 if
// none has been recorded yet.
func currentSchemaVersion(db *sql.DB, driver string) (int, error) {
	var name string
	err := db.QueryRow(tableExistsQuery(driver)).Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("check schema version table: %w", err)
	}

	var version int
	err = db.QueryRow(`SELECT version FROM _schema_version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// ensureSchemaVersion creates the version table if needed and stamps
// initialVersion only if no version has been recorded yet. Idempotent,
// safe to call on every startup.
func ensureSchemaVersion(db *sql.DB, driver string, initialVersion int) error {
	if _, err := db.Exec(rebind(driver, createVersionTable)); err != nil {
		return fmt.Errorf("create _schema_version: %w", err)
	}

	current, err := currentSchemaVersion(db, driver)
	if err != nil {
		return err
	}
	if current != 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := db.Exec(
		rebind(driver, `INSERT INTO _schema_version (store_name, version, applied_at) VALUES ('', ?, ?)`),
		initialVersion, now,
	); err != nil {
		return fmt.Errorf("set initial schema version: %w", err)
	}
	return nil
}

// checkSchemaVersion refuses to start a binary against a schema stamped by a
// newer binary.
func checkSchemaVersion(db *sql.DB, driver string, binaryVersion int) error {
	current, err := currentSchemaVersion(db, driver)
	if err != nil {
		return err
	}
	if current > binaryVersion {
		return fmt.Errorf(
			"ledger schema version %d is newer than binary version %d — refusing to start",
			current, binaryVersion,
		)
	}
	return nil
}
