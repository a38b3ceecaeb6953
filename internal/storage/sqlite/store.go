// Package sqlite provides a SQLite implementation of the storage.Store interface.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sweeney/aps-controller/internal/storage"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite implementation of storage.Store.
type Store struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// NewMemoryStore creates an in-memory SQLite store.
func NewMemoryStore() (*Store, error) {
	return newStore(":memory:")
}

// NewFileStore creates a file-based SQLite store.
func NewFileStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return newStore(path)
}

func newStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite doesn't handle concurrent writes well, and an
	// in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	store := &Store{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection. Closing a transaction-scoped
// store is a no-op.
func (s *Store) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

// Slot methods

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.q.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound{Resource: "key", ID: key}
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT OR REPLACE INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
	`, key, value, time.Now().UnixNano())
	return err
}

// Log methods

func (s *Store) Append(ctx context.Context, key string, rec storage.Record) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO records (key, id, ts, payload)
		VALUES (?, ?, ?, ?)
	`, key, rec.ID, rec.Timestamp.UnixNano(), rec.Payload)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) List(ctx context.Context, key string) ([]storage.Record, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, ts, payload FROM records
		WHERE key = ?
		ORDER BY ts ASC, seq ASC
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []storage.Record
	for rows.Next() {
		var rec storage.Record
		var ts int64
		if err := rows.Scan(&rec.ID, &ts, &rec.Payload); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(0, ts)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) Prune(ctx context.Context, key string, before time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM records WHERE key = ? AND ts < ?
	`, key, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Update runs fn in a transaction. Nested calls join the outer transaction.
func (s *Store) Update(ctx context.Context, fn func(storage.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx, tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Verify interface compliance
var _ storage.Store = (*Store)(nil)
