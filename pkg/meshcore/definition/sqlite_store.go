package definition

import (
	"context"
	"database/sql"
	"errors"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default Store, a pure-Go sqlite driver over the two
// tables the cores consult: manifests(id, version) and
// files(id, datavalid).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) a sqlite database at path
// and ensures the manifests/files tables exist.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS manifests (id TEXT PRIMARY KEY, version INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS files (id TEXT PRIMARY KEY, datavalid INTEGER NOT NULL DEFAULT 0)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ExecInt64 matches the store contract both cores depend on: it runs a
// query expected to return a single integer column and reports whether a
// row came back: rows == 0 means no row, rows == 1 means a row was read
// (only the first row is read), and rows == -1 goes with a non-nil err.
// A COUNT(*) query always returns one row; its count is in value.
func (s *SQLiteStore) ExecInt64(ctx context.Context, query string, args ...interface{}) (value int64, rows int, err error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var v int64
	err = row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, -1, err
	}
	return v, 1, nil
}

// UpsertManifestVersion writes or overwrites the stored version for id,
// the store-side counterpart of the in-memory version cache's insert.
func (s *SQLiteStore) UpsertManifestVersion(ctx context.Context, id string, version uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO manifests(id, version) VALUES(?, ?)
		 ON CONFLICT(id) DO UPDATE SET version=excluded.version WHERE excluded.version > manifests.version`,
		id, int64(version))
	return err
}

// MarkFileValid records that id's payload is fully present and verified.
func (s *SQLiteStore) MarkFileValid(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files(id, datavalid) VALUES(?, 1)
		 ON CONFLICT(id) DO UPDATE SET datavalid=1`, id)
	return err
}
