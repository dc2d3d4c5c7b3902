package store

import (
	"context"
	"sync"
)

// #region memory

// Memory is an in-process backend: a map with per-key version counters.
// It serves single-process runs and tests; workers in other processes
// cannot see it.
type Memory struct {
	mu      sync.Mutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	value []byte
	tag   VersionTag
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]memoryRecord)}
}

// Read returns the record and its current tag.
func (m *Memory) Read(ctx context.Context, key string) ([]byte, VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, unavailable("read", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	out := make([]byte, len(rec.value))
	copy(out, rec.value)
	return out, rec.tag, nil
}

// ConditionalWrite replaces the record if the tag still matches.
func (m *Memory) ConditionalWrite(ctx context.Context, key string, value []byte, expected VersionTag) (VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("conditional-write", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.tag != expected {
		return 0, ErrConflict
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	next := rec.tag + 1
	m.records[key] = memoryRecord{value: stored, tag: next}
	return next, nil
}

// CreateIfAbsent inserts the record at tag 1.
func (m *Memory) CreateIfAbsent(ctx context.Context, key string, value []byte) (VersionTag, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("create", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[key]; ok {
		return 0, ErrAlreadyExists
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.records[key] = memoryRecord{value: stored, tag: 1}
	return 1, nil
}

// Close releases nothing; it exists to satisfy the contract.
func (m *Memory) Close() error { return nil }

// #endregion memory
