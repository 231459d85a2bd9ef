package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nextlevelbuilder/goclaw-guard/internal/store"
)

// RevisionStore is the Postgres-backed store.RevisionStore.
type RevisionStore struct {
	db *sql.DB
}

// NewRevisionStore opens dsn, runs the embedded migration, and returns a
// ready-to-use RevisionStore.
func NewRevisionStore(dsn string) (*RevisionStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate guard_config_revisions: %w", err)
	}
	return &RevisionStore{db: db}, nil
}

func (s *RevisionStore) Record(ctx context.Context, backend, hash string, config []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guard_config_revisions (backend, hash, config) VALUES ($1, $2, $3)`,
		backend, hash, config)
	return err
}

func (s *RevisionStore) List(ctx context.Context, backend string, limit int) ([]store.Revision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, backend, hash, config, created_at FROM guard_config_revisions
		 WHERE backend = $1 ORDER BY created_at DESC LIMIT $2`, backend, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Revision
	for rows.Next() {
		var r store.Revision
		if err := rows.Scan(&r.ID, &r.Backend, &r.Hash, &r.Config, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *RevisionStore) Close() error { return s.db.Close() }
