package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores []byte values, which represent HTTP responses, grouped into named caches.
// Each named cache is one generation of the offline cache.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// CreateCache creates the named cache if it does not exist yet.
	CreateCache(ctx context.Context, name string) error
	// HasCache checks if the named cache exists.
	HasCache(ctx context.Context, name string) (bool, error)
	// CacheNames returns the names of all caches, in creation order.
	CacheNames(ctx context.Context) ([]string, error)
	// DeleteCache removes the named cache and all its entries.
	// It returns false if there was no such cache.
	DeleteCache(ctx context.Context, name string) (bool, error)
	// Get returns the stored bytes for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, name, key string) ([]byte, bool, error)
	// PutCE stores the entry in the named cache, replacing any entry with the same key.
	// It returns ErrNoSuchCache if the named cache does not exist.
	PutCE(ctx context.Context, name string, ce CacheEntry) error
	// Purge removes the entry for the given key.
	// It returns false if there was no such entry.
	Purge(ctx context.Context, name, key string) (bool, error)
	// Keys returns all keys of the named cache, oldest first.
	Keys(ctx context.Context, name string) ([]string, error)
	// Close releases resources held by the provider.
	Close() error
}

// ErrNoSuchCache is returned when writing to a cache that does not exist (anymore).
var ErrNoSuchCache = errors.New("No such cache")

type CacheEntry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache provider with the given filename as the db.
// If file name is empty or "memory", a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	memory := filename == "" || filename == "memory"
	if memory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	if memory {
		// a memory db lives and dies with its connection
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, statement := range statements {
		if _, err := db.Exec(statement); err != nil {
			db.Close()
			return SQLiteCache{}, err
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) CreateCache(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	return err
}

func (s SQLiteCache) HasCache(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteCache) CacheNames(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "SELECT name FROM caches ORDER BY rowid")
}

func (s SQLiteCache) DeleteCache(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s SQLiteCache) Get(ctx context.Context, name, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE cache = ? AND key = ?", name, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteCache) PutCE(ctx context.Context, name string, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNoSuchCache
	} else if err != nil {
		return err
	}
	// replacing deletes the old row, so the entry moves to the end of the key order
	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
		name, ce.Key, ce.StoredAt.Unix(), ce.Bytes)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) Purge(ctx context.Context, name, key string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s SQLiteCache) Keys(ctx context.Context, name string) ([]string, error) {
	return s.strings(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY rowid", name)
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}

// strings runs a query selecting a single text column.
func (s SQLiteCache) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}
