package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/florianilch/stringart-drive/internal/credstore"
	"github.com/florianilch/stringart-drive/internal/identity"
	"github.com/florianilch/stringart-drive/internal/session"
)

// Auth bundles the session manager with the store and provider it owns.
type Auth struct {
	Manager *session.Manager

	store    credstore.Store
	provider *identity.Google
}

// OpenAuth wires store, Google provider and session manager from cfg.
// No I/O is performed until the manager is initialized.
func OpenAuth(cfg AuthConfig, opts ...identity.Option) (*Auth, error) {
	store, err := cfg.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create credential store: %w", err)
	}

	provider, err := identity.NewGoogle(identity.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		RedirectPort: int(cfg.RedirectPort),
	}, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create identity provider: %w", err)
	}

	manager, err := session.New(store, provider, append(cfg.SessionOptions(), session.WithLogger(slog.Default()))...)
	if err != nil {
		_ = provider.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	return &Auth{Manager: manager, store: store, provider: provider}, nil
}

// Close stops renewal and releases the provider and store. Session state stays persisted.
func (a *Auth) Close() error {
	return errors.Join(a.Manager.Close(), a.provider.Close(), a.store.Close())
}
