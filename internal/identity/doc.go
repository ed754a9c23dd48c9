// Package identity implements session.Provider for Google OAuth 2.0.
//
// Interactive requests run the authorization-code flow with PKCE against a
// loopback redirect. The OAuth state parameter carries the request ID, so
// concurrent consent flows never pick up each other's callbacks. Offline access
// is requested with prompt=consent so Google always returns a refresh token.
//
// Silent requests exchange the stored refresh token for a new access token
// without user involvement. When no refresh token is stored, or Google rejects
// it, ErrConsentRequired is returned.
//
// # Usage
//
//	provider, err := identity.NewGoogle(identity.Config{
//		ClientID:     clientID,
//		ClientSecret: clientSecret,
//		Scopes:       identity.DefaultScopes,
//	}, store)
//	mgr, err := session.New(store, provider)
//
// # Custom Endpoints
//
// Token, revocation and userinfo endpoints can be replaced, e.g. for tests:
//
//	provider, err := identity.NewGoogle(cfg, store,
//		identity.WithEndpoint(oauth2.Endpoint{TokenURL: srv.URL + "/token"}),
//		identity.WithRevokeURL(srv.URL+"/revoke"),
//		identity.WithUserinfoURL(srv.URL+"/"),
//	)
package identity
