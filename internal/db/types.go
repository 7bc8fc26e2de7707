package db

import (
	"time"
)

// CacheEntry is one persisted Electrum response. Key is the txid plus a
// verbosity suffix; Value is the serialized transaction record or raw hex.
type CacheEntry struct {
	Key       string    `json:"key" db:"cache_key"`
	Value     string    `json:"value" db:"cache_value"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Store is implemented by every backend: the SQLite Database and the
// Badger KV store.
type Store interface {
	GetCacheEntry(key string) (string, bool, error)
	PutCacheEntries(entries map[string]string) error
	CountCacheEntries() (int, error)
	GetPreference(key string) (string, error)
	SetPreference(key, value string) error
	DeletePreference(key string) error
	Close() error
}

var (
	_ Store = (*Database)(nil)
	_ Store = (*BadgerStore)(nil)
)
