package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// #region contract

// VersionTag is the optimistic-concurrency token attached to every record.
// Tags start at 1 on creation and advance by one on every successful
// conditional write. Zero never names a stored version.
type VersionTag uint64

// Backend is the full coordination contract. Three primitives are enough:
// any store honoring them (embedded KV, relational table with a version
// column, document store with etags) is substitutable.
type Backend interface {
	// Read returns the record and its current tag, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, VersionTag, error)

	// ConditionalWrite replaces the record only if its stored tag still
	// equals expected, returning the new tag. A moved or missing tag
	// yields ErrConflict and no write.
	ConditionalWrite(ctx context.Context, key string, value []byte, expected VersionTag) (VersionTag, error)

	// CreateIfAbsent inserts a new record at tag 1, or reports
	// ErrAlreadyExists without touching the stored value.
	CreateIfAbsent(ctx context.Context, key string, value []byte) (VersionTag, error)

	Close() error
}

// #endregion contract

// #region errors

var (
	// ErrNotFound reports a read of a key that was never created.
	ErrNotFound = errors.New("record not found")

	// ErrConflict reports a conditional write whose expected tag no longer
	// matches. Callers re-read and recompute; under contention this is
	// routine, not a failure.
	ErrConflict = errors.New("version conflict")

	// ErrAlreadyExists reports a create on a key that already has a record.
	ErrAlreadyExists = errors.New("record already exists")
)

// UnavailableError wraps a transient backend failure (connection refused,
// I/O error, timeout). Callers retry with backoff; it never indicates a
// logical conflict.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err marks a transient backend failure.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

func unavailable(op, key string, err error) error {
	return &UnavailableError{Op: op, Key: key, Err: err}
}

// #endregion errors

// #region open

// Open builds a backend from a DSN. Supported forms:
//
//	memory:                 in-process map, single-process only
//	sqlite:path/to.db       embedded SQLite (also the default for bare paths)
//	badger:path/to/dir      embedded Badger KV
//	postgres://...          shared PostgreSQL server
func Open(dsn string) (Backend, error) {
	scheme, rest, found := strings.Cut(dsn, ":")
	if !found {
		scheme, rest = "sqlite", dsn
	}
	switch scheme {
	case "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(rest)
	case "badger":
		return NewBadger(rest)
	case "postgres", "postgresql":
		return NewPostgres(dsn)
	default:
		// A bare relative path like "runs/search.db" cuts at a false scheme.
		return NewSQLite(dsn)
	}
}

// #endregion open
