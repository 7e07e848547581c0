// Package keyValStore wraps a badger instance behind the small surface the
// node and operation stores need. Values at or above the chunk threshold are
// content-chunked, compressed and deduplicated transparently, so callers
// always see the exact bytes they wrote.
package keyValStore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"runtime"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// ErrKeyNotFound is returned by Read when no value is stored under a key.
var ErrKeyNotFound = errors.New("key not found")

type StoreConfig struct {
	Path          string // directory holding the badger files
	MinimumFreeGB int    // refuse to open when the disk has less free space
	Logger        *logrus.Logger
}

type KeyValStore struct {
	config   StoreConfig
	badgerDB *badger.DB
	log      *logrus.Logger
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	if err := config.check(); err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Path, err)
	}

	store := &KeyValStore{
		config:   config,
		badgerDB: db,
		log:      config.Logger,
	}
	store.logDiskUsage()

	return store, nil
}

// Write stores content under key. Content at or above the chunk threshold is
// split into content-addressed chunks and replaced by a manifest.
func (k *KeyValStore) Write(key []byte, content []byte) error {
	if len(content) >= chunkThreshold {
		return k.writeChunked(key, content)
	}

	value := append([]byte{tagInline}, content...)
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("error writing key %s: %w", hex.EncodeToString(key), err)
	}
	return nil
}

// Read returns the exact bytes previously written under key.
func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("key %s: %w", hex.EncodeToString(key), ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %s: %w", hex.EncodeToString(key), err)
	}
	return k.expandValue(value)
}

// Has reports whether a value is stored under key.
func (k *KeyValStore) Has(key []byte) (bool, error) {
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error checking key %s: %w", hex.EncodeToString(key), err)
	}
	return true, nil
}

// WriteBatch stores many small key/value pairs in one transaction.
func (k *KeyValStore) WriteBatch(batch [][2][]byte) error {
	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		for _, kv := range batch {
			value := append([]byte{tagInline}, kv[1]...)
			if err := txn.Set(kv[0], value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing batch: %w", err)
	}
	return nil
}

// BatchCheckKeyExistence reports existence for each key, keyed by the raw
// key bytes as a string.
func (k *KeyValStore) BatchCheckKeyExistence(keys [][]byte) (map[string]bool, error) {
	existsMap := make(map[string]bool, len(keys))

	err := k.badgerDB.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			_, err := txn.Get(key)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					existsMap[string(key)] = false
					continue
				}
				return err
			}
			existsMap[string(key)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error checking key existence: %w", err)
	}
	return existsMap, nil
}

// GetItemsWithPrefix returns all key/value pairs whose key starts with prefix,
// in key order. Values are expanded the same way Read expands them.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	var raw [][2][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			raw = append(raw, [2][]byte{key, value})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning prefix %s: %w", hex.EncodeToString(prefix), err)
	}

	items := make([][2][]byte, 0, len(raw))
	for _, kv := range raw {
		expanded, err := k.expandValue(kv[1])
		if err != nil {
			return nil, err
		}
		items = append(items, [2][]byte{kv[0], expanded})
	}
	return items, nil
}

// GetKeysWithPrefix returns all keys with the given prefix without touching
// the values.
func (k *KeyValStore) GetKeysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning prefix %s: %w", hex.EncodeToString(prefix), err)
	}
	return keys, nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("cleanup before close failed")
	}
	return k.badgerDB.Close()
}

// Clean syncs, flattens and garbage collects the value log.
func (k *KeyValStore) Clean() error {
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	if err := k.badgerDB.Flatten(runtime.NumCPU()); err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	if err := k.badgerDB.RunValueLogGC(0.1); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
