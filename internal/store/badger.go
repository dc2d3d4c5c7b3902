package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// #region badger

// Badger is an embedded KV backend. The version tag rides in an 8-byte
// header ahead of the payload; Badger's transactional conflict detection
// keeps racing tag advances serialized.
type Badger struct {
	db   *badger.DB
	done chan struct{}
}

// NewBadger opens (creating if needed) a Badger-backed store at dir.
// An empty dir opens an in-memory instance.
func NewBadger(dir string) (*Badger, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithSyncWrites(true)
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &Badger{db: db, done: make(chan struct{})}
	if dir != "" {
		go b.gcLoop()
	}
	return b, nil
}

// Close stops the GC loop and closes the database.
func (b *Badger) Close() error {
	close(b.done)
	return b.db.Close()
}

// gcLoop reclaims value-log space periodically. ErrNoRewrite means there
// was nothing to collect.
func (b *Badger) gcLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						return
					}
					break
				}
			}
		}
	}
}

// Read returns the record and its current tag.
func (b *Badger) Read(ctx context.Context, key string) ([]byte, VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, unavailable("read", key, err)
	}
	var value []byte
	var tag VersionTag

	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		tag, value, err = decodeEnvelope(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, unavailable("read", key, err)
	}
	return value, tag, nil
}

// ConditionalWrite advances the record one tag if the stored tag still
// matches expected. A commit-time transaction conflict also reports
// ErrConflict: some other writer advanced the record first.
func (b *Badger) ConditionalWrite(ctx context.Context, key string, value []byte, expected VersionTag) (VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	tag, _, err := decodeEnvelope(raw)
	if err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	if tag != expected {
		return 0, ErrConflict
	}

	next := expected + 1
	if err := txn.Set([]byte(key), encodeEnvelope(next, value)); err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return 0, ErrConflict
		}
		return 0, unavailable("conditional-write", key, err)
	}
	return next, nil
}

// CreateIfAbsent inserts the record at tag 1. A commit-time conflict means
// a racing creator won; that is reported as ErrAlreadyExists.
func (b *Badger) CreateIfAbsent(ctx context.Context, key string, value []byte) (VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("create", key, err)
	}
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	_, err := txn.Get([]byte(key))
	if err == nil {
		return 0, ErrAlreadyExists
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, unavailable("create", key, err)
	}

	if err := txn.Set([]byte(key), encodeEnvelope(1, value)); err != nil {
		return 0, unavailable("create", key, err)
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return 0, ErrAlreadyExists
		}
		return 0, unavailable("create", key, err)
	}
	return 1, nil
}

// #endregion badger

// #region envelope

func encodeEnvelope(tag VersionTag, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(tag))
	copy(buf[8:], payload)
	return buf
}

func decodeEnvelope(raw []byte) (VersionTag, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, fmt.Errorf("envelope too short: %d bytes", len(raw))
	}
	return VersionTag(binary.LittleEndian.Uint64(raw)), raw[8:], nil
}

// #endregion envelope
