package identity

import "errors"

var (
	// ErrConsentRequired is returned by silent requests when no usable refresh
	// token is stored. Only an interactive request can recover.
	ErrConsentRequired = errors.New("user consent required")

	// ErrConsentDenied is returned when the user or Google aborted the consent flow.
	ErrConsentDenied = errors.New("consent denied")

	// ErrNoIdentity is returned by FetchIdentity when neither the userinfo API nor
	// a cached id_token describes the user.
	ErrNoIdentity = errors.New("identity unavailable")

	errClosed = errors.New("identity provider closed")
)
