// Package sqlite implements the single-node RevisionStore backed by
// modernc.org/sqlite (pure Go, no cgo) for deployments without a Postgres
// instance. golang-migrate's sqlite driver assumes the cgo mattn/go-sqlite3
// driver, so this store creates its one table directly rather than pulling
// in a second, cgo-requiring migration path (see DESIGN.md).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/nextlevelbuilder/goclaw-guard/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS guard_config_revisions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	backend    TEXT NOT NULL,
	hash       TEXT NOT NULL,
	config     TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS guard_config_revisions_backend_idx
	ON guard_config_revisions (backend, created_at DESC);
`

// RevisionStore is the sqlite-backed store.RevisionStore.
type RevisionStore struct {
	db *sql.DB
}

// NewRevisionStore opens (creating if absent) the sqlite file at path and
// ensures its schema exists.
func NewRevisionStore(path string) (*RevisionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &RevisionStore{db: db}, nil
}

func (s *RevisionStore) Record(ctx context.Context, backend, hash string, config []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guard_config_revisions (backend, hash, config) VALUES (?, ?, ?)`,
		backend, hash, string(config))
	return err
}

func (s *RevisionStore) List(ctx context.Context, backend string, limit int) ([]store.Revision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, backend, hash, config, created_at FROM guard_config_revisions
		 WHERE backend = ? ORDER BY created_at DESC LIMIT ?`, backend, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Revision
	for rows.Next() {
		var r store.Revision
		var cfg string
		if err := rows.Scan(&r.ID, &r.Backend, &r.Hash, &cfg, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Config = []byte(cfg)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RevisionStore) Close() error { return s.db.Close() }
