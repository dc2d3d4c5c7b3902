package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// #region schema

const postgresSchema = `
CREATE TABLE IF NOT EXISTS records (
	key     TEXT PRIMARY KEY,
	version BIGINT NOT NULL,
	value   BYTEA NOT NULL
)`

// #endregion schema

// #region postgres

// Postgres is the shared-server backend for runs whose workers span hosts.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to the server named by dsn and ensures the records
// table exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Read returns the record and its current version.
func (p *Postgres) Read(ctx context.Context, key string) ([]byte, VersionTag, error) {
	var value []byte
	var version uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT value, version FROM records WHERE key = $1`, key,
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
func (p *Postgres) ConditionalWrite(ctx context.Context, key string, value []byte, expected VersionTag) (VersionTag, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE records SET value = $1, version = version + 1 WHERE key = $2 AND version = $3`,
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
func (p *Postgres) CreateIfAbsent(ctx context.Context, key string, value []byte) (VersionTag, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO records (key, version, value) VALUES ($1, 1, $2) ON CONFLICT (key) DO NOTHING`,
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

// #endregion postgres
