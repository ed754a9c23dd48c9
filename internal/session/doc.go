// Package session manages the lifecycle of the bearer token used for Google Drive calls.
//
// A Manager acquires tokens from a Provider (interactively with consent, or
// silently), persists them to a credstore.Store, and renews them shortly
// before they expire. Renewal is single-flight: the background timer, callers
// of EnsureValidToken, and explicit RefreshSilently calls share one provider
// request and observe the same outcome.
//
// A failed silent renewal ends the session. Handlers registered with
// OnSessionExpired are notified so the application can ask the user to sign
// in again; renewal is never retried automatically.
//
//	m, err := session.New(store, provider)
//	if err := m.Initialize(ctx); err != nil { ... }
//	if !m.IsSignedIn() {
//		err = m.SignIn(ctx, true)
//	}
//	token, err := m.EnsureValidToken(ctx)
package session
