package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/florianilch/stringart-drive/internal/credstore"
)

// Store keys owned by the manager.
const (
	KeyAccessToken      = "google_access_token"
	KeyTokenExpiry      = "google_token_expiry"
	KeyUserInfo         = "google_user_info"
	KeyRefreshScheduled = "google_token_refresh_scheduled_time"
)

// clearOrder deletes the expiry first: without it no remaining key describes a usable session.
var clearOrder = []string{KeyTokenExpiry, KeyAccessToken, KeyRefreshScheduled, KeyUserInfo}

// persistedState is the manager's view of the store after a restart.
type persistedState struct {
	token       *Token
	scheduledAt time.Time
	identity    *Identity
}

// load reads all manager keys. Missing or malformed values are reported as absent;
// only store failures are returned as errors.
func (m *Manager) load(ctx context.Context) (persistedState, error) {
	var st persistedState

	value, err := m.readKey(ctx, KeyAccessToken)
	if err != nil {
		return st, err
	}
	expiryRaw, err := m.readKey(ctx, KeyTokenExpiry)
	if err != nil {
		return st, err
	}
	if value != "" && expiryRaw != "" {
		expiry, err := parseMillis(expiryRaw)
		if err != nil {
			m.logger.WarnContext(ctx, "ignoring malformed stored token expiry", "error", err)
		} else {
			st.token = &Token{Value: value, ExpiresAt: expiry}
		}
	}

	scheduledRaw, err := m.readKey(ctx, KeyRefreshScheduled)
	if err != nil {
		return st, err
	}
	if scheduledRaw != "" {
		if st.scheduledAt, err = parseMillis(scheduledRaw); err != nil {
			m.logger.WarnContext(ctx, "ignoring malformed scheduled refresh time", "error", err)
		}
	}

	identityRaw, err := m.readKey(ctx, KeyUserInfo)
	if err != nil {
		return st, err
	}
	if identityRaw != "" {
		var id Identity
		if err := json.Unmarshal([]byte(identityRaw), &id); err != nil {
			m.logger.WarnContext(ctx, "ignoring malformed cached identity", "error", err)
		} else {
			st.identity = &id
		}
	}

	return st, nil
}

func (m *Manager) readKey(ctx context.Context, key string) (string, error) {
	value, err := m.store.Read(ctx, key)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// persistLocked writes the in-memory session. The expiry is removed first and
// written last so an interrupted sequence never pairs a new token with a stale expiry.
func (m *Manager) persistLocked(ctx context.Context) error {
	if m.token == nil {
		return m.store.Delete(ctx, clearOrder...)
	}

	if err := m.store.Delete(ctx, KeyTokenExpiry); err != nil {
		return fmt.Errorf("invalidating stored expiry: %w", err)
	}

	entries := []credstore.Entry{
		{Key: KeyAccessToken, Value: m.token.Value},
		{Key: KeyRefreshScheduled, Value: formatMillis(m.scheduledAt)},
	}
	if m.identity != nil {
		raw, err := json.Marshal(m.identity)
		if err != nil {
			return fmt.Errorf("encoding identity: %w", err)
		}
		entries = append(entries, credstore.Entry{Key: KeyUserInfo, Value: string(raw)})
	}
	entries = append(entries, credstore.Entry{Key: KeyTokenExpiry, Value: formatMillis(m.token.ExpiresAt)})

	if err := m.store.Write(ctx, entries...); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

func (m *Manager) persistIdentityLocked(ctx context.Context) error {
	raw, err := json.Marshal(m.identity)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	return m.store.Write(ctx, credstore.Entry{Key: KeyUserInfo, Value: string(raw)})
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing epoch millis %q: %w", s, err)
	}
	return time.UnixMilli(ms), nil
}
