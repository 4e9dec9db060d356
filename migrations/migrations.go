// Package migrations carries the embedded schema for the capture
// journal and brings a journal database up to date at store startup.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strings"
)

// Supported journal database dialects.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var scripts embed.FS

// dialect holds the per-driver statements for the migration ledger
// itself. Migration scripts live under a directory named after the
// driver; everything else here is dialect-agnostic.
type dialect struct {
	createLedger string
	claimRow     string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		createLedger: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		claimRow: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		createLedger: `CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		claimRow: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

// Apply runs the embedded migration scripts for the selected driver in
// lexicographic order. Each script is recorded in schema_migrations
// under its embedded path (for example "sqlite/0001_create_captures.sql")
// and never runs twice. Concurrent callers sharing one database are
// safe: the ledger row is claimed in the same transaction that runs the
// script.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, d.createLedger); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	names, err := fs.Glob(scripts, driver+"/*.sql")
	if err != nil {
		return fmt.Errorf("list %s migrations: %w", driver, err)
	}
	for _, name := range names {
		script, err := scripts.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := runMigration(ctx, db, d, name, string(script)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// runMigration claims the ledger row and executes the script in one
// transaction. A claim that affects zero rows means the migration was
// already applied, here or by another process, and the script is
// skipped.
func runMigration(ctx context.Context, db *sql.DB, d dialect, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, d.claimRow, name)
	if err != nil {
		return fmt.Errorf("claim schema_migrations row: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read claim row count: %w", err)
	}
	if claimed == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
