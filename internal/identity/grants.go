package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/florianilch/stringart-drive/internal/credstore"
)

// KeyRefreshToken is the store key of the Google refresh token. It is owned by
// the provider; the session manager never reads it.
const KeyRefreshToken = "google_refresh_token"

// grantStore persists the refresh token, skipping writes when it did not change.
type grantStore struct {
	store credstore.Store

	lastRefreshToken atomic.Pointer[string]
	writeMu          sync.Mutex
}

// load returns the stored refresh token, or "" if there is none.
func (g *grantStore) load(ctx context.Context) (string, error) {
	if last := g.lastRefreshToken.Load(); last != nil {
		return *last, nil
	}

	token, err := g.store.Read(ctx, KeyRefreshToken)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading refresh token: %w", err)
	}
	g.lastRefreshToken.Store(&token)
	return token, nil
}

// save persists token if it differs from the last known value. Google only
// returns a refresh token on consent, so an empty token is ignored.
func (g *grantStore) save(ctx context.Context, token string) {
	if token == "" {
		return
	}
	// Hot path: lock-free atomic read
	if last := g.lastRefreshToken.Load(); last != nil && *last == token {
		return
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := g.store.Write(ctx, credstore.Entry{Key: KeyRefreshToken, Value: token}); err != nil {
		// The access token is still valid, but silent renewal will need consent
		slog.ErrorContext(ctx, "failed to persist refresh token", "error", err)
		return
	}
	// Update cached token only on success, so the next grant retries the write
	g.lastRefreshToken.Store(&token)
}

// clear removes the refresh token from memory and store.
func (g *grantStore) clear(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	// Nothing cached: the next load reads the store again and picks up a token
	// another process stored after a new consent
	g.lastRefreshToken.Store(nil)
	if err := g.store.Delete(ctx, KeyRefreshToken); err != nil {
		return fmt.Errorf("deleting refresh token: %w", err)
	}
	return nil
}
