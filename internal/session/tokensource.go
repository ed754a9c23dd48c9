package session

import (
	"context"

	"golang.org/x/oauth2"
)

// managerTokenSource adapts a Manager to oauth2.TokenSource.
type managerTokenSource struct {
	m *Manager
}

// Compile-time check to ensure managerTokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = managerTokenSource{}

// TokenSource returns an oauth2.TokenSource backed by EnsureValidToken, for use
// with oauth2.Transport. Tokens inside the renewal window are refreshed before
// they are returned.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return managerTokenSource{m: m}
}

func (ts managerTokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation);
	// the refresh itself is bounded by the manager's refresh timeout
	token, err := ts.m.ensureValid(context.Background())
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: token.Value,
		TokenType:   "Bearer",
		// Report the safety buffer as expiry so oauth2 never attaches a token we consider dead
		Expiry: token.ExpiresAt.Add(-ts.m.safetyBuffer),
	}, nil
}
