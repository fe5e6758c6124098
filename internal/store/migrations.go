package store

import (
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/verdantlab/fieldsync/migrations"
)

// RunMigrations brings the schema up to date from the embedded SQL
// files. Called on every store open; versions already applied are
// skipped, so re-running is safe.
func RunMigrations(db *sql.DB) error {
	// goose logs to stdout by default, which is noise inside an
	// embedded library.
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
