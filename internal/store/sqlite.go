package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// #region schema

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	key     TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	value   BLOB NOT NULL
);
`

// #endregion schema

// #region sqlite

// SQLite is the default embedded backend: one versioned key/value table.
// Multiple processes on one host share it through the database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite-backed store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Per-connection pragmas stay valid only while one pooled connection
	// serves every caller; cross-process contention is covered by WAL.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Read returns the record and its current version.
func (s *SQLite) Read(ctx context.Context, key string) ([]byte, VersionTag, error) {
	var value []byte
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version FROM records WHERE key = ?`, key,
	).Scan(&value, &version)
	if err == sql.ErrNoRows {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, unavailable("read", key, err)
	}
	return value, VersionTag(version), nil
}

// ConditionalWrite advances the record one version if the stored version
// still matches expected.
func (s *SQLite) ConditionalWrite(ctx context.Context, key string, value []byte, expected VersionTag) (VersionTag, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET value = ?, version = version + 1 WHERE key = ? AND version = ?`,
		value, key, uint64(expected),
	)
	if err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return expected + 1, nil
}

// CreateIfAbsent inserts the record at version 1, leaving any existing
// record untouched.
func (s *SQLite) CreateIfAbsent(ctx context.Context, key string, value []byte) (VersionTag, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (key, version, value) VALUES (?, 1, ?)`,
		key, value,
	)
	if err != nil {
		return 0, unavailable("create", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("create", key, err)
	}
	if n == 0 {
		return 0, ErrAlreadyExists
	}
	return 1, nil
}

// #endregion sqlite
