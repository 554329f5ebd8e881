package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a SQLite database file that every worker
// process opens. Population is serialized by a FileLock next to the database.
type SQLiteStore struct {
	db   *sql.DB
	lock *FileLock
}

// NewSQLiteStore opens or creates the shared cache database at dbPath and its
// lock file at dbPath + ".lock". Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	// busy_timeout lets concurrent worker processes wait on each other's writes.
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?_busy_timeout=10000&_journal_mode=WAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	lock, err := NewFileLock(dbPath + ".lock")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, lock: lock}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		payload BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Version implements Store.
func (s *SQLiteStore) Version(ctx context.Context, key string) (uint64, bool, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM cache_entries WHERE key = ?`, key).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

// Load implements Store. Version and payload come from the same row read.
func (s *SQLiteStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	e := Entry{Key: key}
	err := s.db.QueryRowContext(ctx,
		`SELECT version, payload FROM cache_entries WHERE key = ?`, key,
	).Scan(&e.Version, &e.Payload)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Publish implements Store. Payload and version change in one transaction.
func (s *SQLiteStore) Publish(ctx context.Context, key string, payload []byte) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO cache_entries (key, version, payload, updated_at)
		 VALUES (?, 1, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET
		   version = cache_entries.version + 1,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		key, payload,
	); err != nil {
		return 0, err
	}
	var version uint64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM cache_entries WHERE key = ?`, key).Scan(&version); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// Lock implements Store using the file lock beside the database.
func (s *SQLiteStore) Lock(ctx context.Context) (func(), error) {
	return s.lock.Lock(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
