package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// KeyringStore provides OS-native secure credential storage.
// Uses macOS Keychain, Windows Credential Manager, or Linux Secret Service.
// Each key is a separate keyring item named "<user>/<key>" under the service.
type KeyringStore struct {
	service string
	user    string
}

// Compile-time check to ensure KeyringStore implements Store
var _ Store = (*KeyringStore)(nil)

// NewKeyringStore creates a KeyringStore for the OS-native credential storage
// (macOS Keychain, Windows Credential Manager, etc.) using the given service and user identifiers.
func NewKeyringStore(service, user string) (*KeyringStore, error) {
	if service == "" {
		return nil, fmt.Errorf("service cannot be empty")
	}
	if user == "" {
		return nil, fmt.Errorf("user cannot be empty")
	}

	return &KeyringStore{
		service: service,
		user:    user,
	}, nil
}

// Read returns the value from the system keyring. Returns ErrNotFound if missing or empty.
func (k *KeyringStore) Read(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	value, err := keyring.Get(k.service, k.item(key))
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	if value == "" {
		return "", ErrNotFound
	}

	return value, nil
}

// Write persists entries one item at a time, overwriting existing values.
// The keyring has no transactions, so a failure leaves earlier entries written.
func (k *KeyringStore) Write(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := keyring.Set(k.service, k.item(e.Key), e.Value); err != nil {
			return fmt.Errorf("writing %s to keyring: %w", e.Key, err)
		}
	}
	return nil
}

// Delete removes items from the system keyring, ignoring items that don't exist.
func (k *KeyringStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := keyring.Delete(k.service, k.item(key))
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("deleting %s from keyring: %w", key, err)
		}
	}
	return nil
}

// Close is a no-op for the keyring.
func (k *KeyringStore) Close() error {
	return nil
}

func (k *KeyringStore) item(key string) string {
	return k.user + "/" + key
}
