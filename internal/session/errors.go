package session

import "errors"

var (
	// ErrNotInitialized is returned by SignIn before Initialize completed.
	ErrNotInitialized = errors.New("session manager not initialized")

	// ErrNotSignedIn is returned when no live token is held.
	ErrNotSignedIn = errors.New("not signed in or token expired")

	// ErrSignInFailed wraps provider failures during SignIn.
	ErrSignInFailed = errors.New("sign-in failed")

	// ErrSignInInProgress is returned when SignIn is called while another sign-in is pending.
	ErrSignInInProgress = errors.New("sign-in already in progress")

	// ErrSilentRefreshFailed wraps the cause of a failed renewal. The session is
	// cleared when it is returned and a new interactive sign-in is required.
	ErrSilentRefreshFailed = errors.New("silent token refresh failed")

	// ErrRevocationFailed wraps revocation failures during SignOut. It is only logged.
	ErrRevocationFailed = errors.New("token revocation failed")

	// ErrClosed is returned to callers waiting on a refresh abandoned by Close.
	ErrClosed = errors.New("session manager closed")

	errEmptyGrant = errors.New("provider returned an empty access token")
)
