package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var credentialsBucket = []byte("credentials")

// BoltStore keeps credentials in an embedded bbolt database.
// Every Write and Delete runs in a single transaction.
type BoltStore struct {
	db *bolt.DB
}

// Compile-time check to ensure BoltStore implements Store
var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) the database at path with 0600 permissions.
// Fails after one second if another process holds the database open.
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	return &BoltStore{db: db}, nil
}

// Read returns the value stored under key. Returns ErrNotFound if missing or empty.
func (b *BoltStore) Read(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return nil
		}
		// Bytes are only valid inside the transaction, string() copies them
		value = string(bucket.Get([]byte(key)))
		return nil
	})
	if err != nil {
		return "", err
	}

	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Write stores all entries in one transaction.
func (b *BoltStore) Write(ctx context.Context, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(credentialsBucket)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := bucket.Put([]byte(e.Key), []byte(e.Value)); err != nil {
				return fmt.Errorf("writing %s: %w", e.Key, err)
			}
		}
		return nil
	})
}

// Delete removes all keys in one transaction.
func (b *BoltStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(credentialsBucket)
		if bucket == nil {
			return nil
		}
		for _, k := range keys {
			if err := bucket.Delete([]byte(k)); err != nil {
				return fmt.Errorf("deleting %s: %w", k, err)
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
