// Package migrate applies the embedded SQL schema files to a SQLite
// database. Files under sql/ are applied in filename order and each
// applied file is recorded in schema_migrations, so reopening an
// existing interlock database is a no-op until a new file appears.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

// Migrate brings the database up to the current schema. Each pending
// file runs in its own transaction together with its bookkeeping row,
// so a failing migration leaves earlier ones applied and itself fully
// rolled back.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.Query(`SELECT name FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, path := range names {
		name := path[len("sql/"):]
		if applied[name] {
			continue
		}
		script, err := schemaFS.ReadFile(path)
		if err != nil {
			return err
		}
		if err := applyOne(db, name, string(script)); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(db *sql.DB, name, script string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(script); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES (?)`, name); err != nil {
		return fmt.Errorf("record %s: %w", name, err)
	}
	return tx.Commit()
}
