package storage

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/pressly/goose"
)

// Migrate runs the SQL migrations in dir against db. Callers open db with
// the pgx stdlib driver; the pgxpool used for queries stays separate.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Wrap(err, "storage: set migration dialect")
	}
	return errors.Wrap(goose.Up(db, dir), "storage: run migrations")
}
