package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a SQLite database file. Values survive
// plugin unload; a reinstalled plugin sees its previous data and its
// quota accounting is recomputed from the rows.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the plugin storage database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?cache=shared&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS plugin_storage (
			namespace TEXT NOT NULL,
			key       TEXT NOT NULL,
			value     BLOB NOT NULL,
			size      INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, key)
		);
		CREATE INDEX IF NOT EXISTS idx_plugin_storage_ns ON plugin_storage(namespace);
	`)
	return err
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, namespace, key string, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_storage (namespace, key, value, size, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			size = excluded.size,
			updated_at = excluded.updated_at
	`, namespace, key, value, len(value))
	if err != nil {
		return fmt.Errorf("failed to store %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM plugin_storage WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, true, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, namespace, key string) error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_storage WHERE namespace = ? AND key = ?`,
		namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM plugin_storage WHERE namespace = ? ORDER BY key`,
		namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UsedBytes implements Store.
func (s *SQLiteStore) UsedBytes(ctx context.Context, namespace string) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM plugin_storage WHERE namespace = ?`,
		namespace).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to size namespace %s: %w", namespace, err)
	}
	return used.Int64, nil
}

// SizeOf implements Store.
func (s *SQLiteStore) SizeOf(ctx context.Context, namespace, key string) (int64, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT size FROM plugin_storage WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to size %s/%s: %w", namespace, key, err)
	}
	return size, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
