package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates that a requested resource was not found
	ErrNotFound = errors.New("resource not found")
)

// Database is the SQLite backed store for the Electrum result cache and the
// wallet's persisted preferences.
type Database struct {
	conn *sql.DB
}

// NewDatabase creates a new database connection and initializes tables
func NewDatabase(dbPath string) (*Database, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &Database{conn: conn}

	if err := db.initTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// initTables creates all required tables
func (db *Database) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS electrum_cache (
			cache_key TEXT PRIMARY KEY,
			cache_value TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS preferences (
			pref_key TEXT PRIMARY KEY,
			pref_value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// GetCacheEntry returns the cached value for key. The boolean is false on a
// cache miss.
func (db *Database) GetCacheEntry(key string) (string, bool, error) {
	var value string
	err := db.conn.QueryRow(`SELECT cache_value FROM electrum_cache WHERE cache_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutCacheEntries writes all entries in one transaction, overwriting any
// existing value for the same key.
func (db *Database) PutCacheEntries(entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO electrum_cache (cache_key, cache_value, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET cache_value = excluded.cache_value
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for key, value := range entries {
		if _, err := stmt.Exec(key, value, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to write cache entry %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// CountCacheEntries returns the number of cached entries
func (db *Database) CountCacheEntries() (int, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM electrum_cache`).Scan(&count)
	return count, err
}

// GetCacheEntries lists cache entries ordered by key
func (db *Database) GetCacheEntries() ([]CacheEntry, error) {
	rows, err := db.conn.Query(`
		SELECT cache_key, cache_value, created_at
		FROM electrum_cache
		ORDER BY cache_key ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CacheEntry
	for rows.Next() {
		var entry CacheEntry
		if err := rows.Scan(&entry.Key, &entry.Value, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetPreference returns the stored preference value, or ErrNotFound
func (db *Database) GetPreference(key string) (string, error) {
	var value string
	err := db.conn.QueryRow(`SELECT pref_value FROM preferences WHERE pref_key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetPreference stores a preference value
func (db *Database) SetPreference(key, value string) error {
	_, err := db.conn.Exec(`
		INSERT INTO preferences (pref_key, pref_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pref_key) DO UPDATE SET pref_value = excluded.pref_value, updated_at = excluded.updated_at
	`, key, value, time.Now())
	return err
}

// DeletePreference removes a preference. Removing a missing key is not an
// error.
func (db *Database) DeletePreference(key string) error {
	_, err := db.conn.Exec(`DELETE FROM preferences WHERE pref_key = ?`, key)
	return err
}
