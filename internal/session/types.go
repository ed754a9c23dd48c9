package session

import (
	"context"
	"time"
)

// Token is the bearer credential currently held by the manager.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Identity is the signed-in user's profile as reported by the provider.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"name"`
	AvatarURL   string `json:"imageUrl,omitempty"`
}

// TokenRequest asks the provider for a new token.
type TokenRequest struct {
	// ID correlates the request with its response (and, for interactive
	// requests, with the consent callback).
	ID string

	// Interactive allows the provider to show a consent prompt.
	// When false the provider must not involve the user.
	Interactive bool
}

// Grant is a token issued by the provider.
type Grant struct {
	AccessToken string
	ExpiresIn   time.Duration
}

// Provider issues, revokes and describes tokens. Implementations must be
// safe for concurrent use.
type Provider interface {
	RequestToken(ctx context.Context, req TokenRequest) (*Grant, error)
	Revoke(ctx context.Context, token string) error
	FetchIdentity(ctx context.Context, token string) (*Identity, error)
}

// Status is a point-in-time view of the session.
type Status struct {
	SignedIn         bool          `json:"signed_in"`
	ExpiresAt        time.Time     `json:"expires_at,omitzero"`
	TimeUntilExpiry  time.Duration `json:"time_until_expiry"`
	ScheduledRefresh time.Time     `json:"scheduled_refresh,omitzero"`
	RefreshScheduled bool          `json:"refresh_scheduled"`
	Refreshing       bool          `json:"refreshing"`
	Identity         *Identity     `json:"identity,omitempty"`
}
