package credstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when the key has no stored value.
var ErrNotFound = errors.New("credential not found")

// Entry is a single key/value pair to persist.
type Entry struct {
	Key   string
	Value string
}

// Store reads and writes string credentials to persistent storage.
type Store interface {
	// Read returns the stored value for key. Returns ErrNotFound if the key
	// is missing or empty.
	Read(ctx context.Context, key string) (string, error)

	// Write persists entries in order, overwriting existing values.
	Write(ctx context.Context, entries ...Entry) error

	// Delete removes keys in order. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Close releases backend resources.
	Close() error
}
