package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rahul/stepwise/internal/fault"
)

// KV is the storage collaborator: whole values are read and written under a
// key. Get leaves out untouched when the key is absent, so callers pass
// their fallback in out and check the returned found flag when they care.
type KV interface {
	Get(ctx context.Context, key string, out any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// SQLiteKV keeps every key as one JSON document in a single table.
type SQLiteKV struct {
	DB *sql.DB
}

func NewSQLiteKV(dbPath string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, err, "open %s", dbPath)
	}

	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, fault.Wrap(fault.StorageError, err, "initialise %s", dbPath)
		}
	}

	return &SQLiteKV{DB: db}, nil
}

func (s *SQLiteKV) Get(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fault.Wrap(fault.StorageError, err, "read %s", key)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fault.Wrap(fault.StorageError, err, "decode %s", key)
	}
	return true, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "encode %s", key)
	}
	query := `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.DB.ExecContext(ctx, query, key, string(data)); err != nil {
		return fault.Wrap(fault.StorageError, err, "write %s", key)
	}
	return nil
}

func (s *SQLiteKV) Close() error {
	return s.DB.Close()
}

// MemoryKV is an in-process KV. Values are stored JSON-encoded so readers
// never share memory with writers.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string, out any) (bool, error) {
	m.mu.RLock()
	raw, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fault.Wrap(fault.StorageError, err, "decode %s", key)
	}
	return true, nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.StorageError, err, "encode %s", key)
	}
	m.mu.Lock()
	m.data[key] = data
	m.mu.Unlock()
	return nil
}
