package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FileStore keeps all credentials in a single JSON document with secure permissions.
// Writes use temp file + rename for crash safety, so a sequence of entries passed
// to one Write either lands completely or not at all.
type FileStore struct {
	filePath string
	lock     *flock.Flock
	mu       sync.Mutex
}

// Compile-time check to ensure FileStore implements Store
var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore for the given path, creating parent directories
// with 0700 permissions if they don't exist.
func NewFileStore(filePath string) (*FileStore, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	return &FileStore{
		filePath: filePath,
		// Guards against the daemon and a CLI command rewriting the document concurrently
		lock: flock.New(filePath + ".lock"),
	}, nil
}

// Read returns the value stored under key. Returns error if the file has insecure
// permissions or cannot be parsed.
func (f *FileStore) Read(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var value string
	err := f.withLock(ctx, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		value = doc[key]
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

// Write merges entries into the document and atomically replaces the file.
func (f *FileStore) Write(ctx context.Context, entries ...Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return f.withLock(ctx, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		for _, e := range entries {
			doc[e.Key] = e.Value
		}
		return f.save(ctx, doc)
	})
}

// Delete removes keys from the document. The file itself is kept, even when empty.
func (f *FileStore) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return f.withLock(ctx, func() error {
		doc, err := f.load()
		if err != nil {
			return err
		}
		changed := false
		for _, k := range keys {
			if _, ok := doc[k]; ok {
				delete(doc, k)
				changed = true
			}
		}
		if !changed {
			return nil
		}
		return f.save(ctx, doc)
	})
}

// Close is a no-op; the lock is only held for the duration of a single operation.
func (f *FileStore) Close() error {
	return nil
}

func (f *FileStore) withLock(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", f.lock.Path(), err)
	}
	defer func() { _ = f.lock.Unlock() }()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

// load reads the document. A missing file is an empty document.
func (f *FileStore) load() (map[string]string, error) {
	// Check file permissions before reading
	info, err := os.Stat(f.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if info.Mode().Perm() != 0600 {
		return nil, fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.filePath, info.Mode().Perm())
	}

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return nil, err
	}

	doc := map[string]string{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.filePath, err)
	}
	return doc, nil
}

// save atomically replaces the document using temp file + rename.
// Sets file permissions to 0600 (owner read/write only).
func (f *FileStore) save(ctx context.Context, doc map[string]string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	// Create secure temp file in same directory for atomic rename
	dir := filepath.Dir(f.filePath)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if err := tempFile.Chmod(0600); err != nil {
		return err
	}
	if _, err := tempFile.Write(append(data, '\n')); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}

	// Atomic rename to final location
	return os.Rename(tempName, f.filePath)
}
