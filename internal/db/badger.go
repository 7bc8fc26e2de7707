package db

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	cachePrefix      = "cache/"
	preferencePrefix = "pref/"
)

// BadgerStore is the Badger KV backend. Cache entries and preferences share
// one keyspace under distinct prefixes.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens a Badger store at dir. An empty dir opens an
// in-memory store.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		if strings.Contains(err.Error(), "Cannot acquire directory lock") {
			return nil, fmt.Errorf("cache at %s is locked by another process: %w", dir, err)
		}
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) get(key string) (string, bool, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("badger get: %w", err)
	}
	return string(val), true, nil
}

// GetCacheEntry returns the cached value for key
func (b *BadgerStore) GetCacheEntry(key string) (string, bool, error) {
	return b.get(cachePrefix + key)
}

// PutCacheEntries writes all entries with a single write batch
func (b *BadgerStore) PutCacheEntries(entries map[string]string) error {
	if len(entries) == 0 {
		return nil
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for key, value := range entries {
		if err := wb.Set([]byte(cachePrefix+key), []byte(value)); err != nil {
			return fmt.Errorf("badger put: %w", err)
		}
	}
	return wb.Flush()
}

// CountCacheEntries returns the number of cached entries
func (b *BadgerStore) CountCacheEntries() (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(cachePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// GetPreference returns the stored preference value, or ErrNotFound
func (b *BadgerStore) GetPreference(key string) (string, error) {
	value, ok, err := b.get(preferencePrefix + key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// SetPreference stores a preference value
func (b *BadgerStore) SetPreference(key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(preferencePrefix+key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// DeletePreference removes a preference
func (b *BadgerStore) DeletePreference(key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(preferencePrefix + key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Close closes the store
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
