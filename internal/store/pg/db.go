// Package pg implements the Postgres-backed RevisionStore, adapted from
// the donor's internal/store/pg package shape: a thin database/sql wrapper
// opened via the pgx stdlib driver, migrated with golang-migrate, queried
// with plain SQL (no ORM), mirroring the donor's own store style.
package pg

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// OpenDB opens a Postgres connection pool via the pgx stdlib driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
