package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/florianilch/stringart-drive/internal/credstore"
	"github.com/florianilch/stringart-drive/internal/session"
)

// RevokeURL is Google's token revocation endpoint.
const RevokeURL = "https://oauth2.googleapis.com/revoke"

// DefaultScopes grants per-file Drive access plus the profile shown after sign-in.
var DefaultScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/drive.file",
	"https://www.googleapis.com/auth/userinfo.profile",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Config holds the OAuth client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// RedirectPort is the loopback port for consent redirects. 0 picks a free port.
	RedirectPort int
}

// Opener presents the consent URL to the user, e.g. by launching a browser.
type Opener func(ctx context.Context, authURL string) error

// Option configures a Google provider.
type Option func(*googleConfig)

type googleConfig struct {
	baseTransport http.RoundTripper
	endpoint      oauth2.Endpoint
	revokeURL     string
	userinfoURL   string
	opener        Opener
	logger        *slog.Logger
}

// WithTransport sets a custom base transport for all requests to Google.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *googleConfig) {
		c.baseTransport = transport
	}
}

// WithEndpoint replaces the OAuth authorization and token endpoints.
func WithEndpoint(endpoint oauth2.Endpoint) Option {
	return func(c *googleConfig) {
		c.endpoint = endpoint
	}
}

// WithRevokeURL replaces the revocation endpoint.
func WithRevokeURL(u string) Option {
	return func(c *googleConfig) {
		c.revokeURL = u
	}
}

// WithUserinfoURL replaces the base URL of the userinfo API.
func WithUserinfoURL(u string) Option {
	return func(c *googleConfig) {
		c.userinfoURL = u
	}
}

// WithOpener sets how the consent URL reaches the user. By default it is logged.
func WithOpener(o Opener) Option {
	return func(c *googleConfig) {
		c.opener = o
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *googleConfig) {
		c.logger = l
	}
}

// Google issues tokens through Google's OAuth 2.0 endpoints.
type Google struct {
	oauth      oauth2.Config
	httpClient *http.Client
	grants     *grantStore
	callbacks  *loopback

	revokeURL   string
	userinfoURL string
	opener      Opener
	logger      *slog.Logger

	// idToken is the id_token of the latest grant, for FetchIdentity fallback
	idToken atomic.Pointer[string]
}

// Compile-time check to ensure Google implements session.Provider
var _ session.Provider = (*Google)(nil)

// NewGoogle creates a Google provider that keeps its refresh token in store.
// No I/O is performed until the first request.
func NewGoogle(cfg Config, store credstore.Store, opts ...Option) (*Google, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("missing OAuth client id")
	}
	if store == nil {
		return nil, fmt.Errorf("missing credential store")
	}
	if cfg.RedirectPort < 0 || cfg.RedirectPort > 65535 {
		return nil, fmt.Errorf("invalid redirect port %d", cfg.RedirectPort)
	}

	c := &googleConfig{
		baseTransport: http.DefaultTransport,
		endpoint:      google.Endpoint,
		revokeURL:     RevokeURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.opener == nil {
		logger := c.logger
		c.opener = func(ctx context.Context, authURL string) error {
			logger.InfoContext(ctx, "open this URL in a browser to sign in", "url", authURL)
			return nil
		}
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &Google{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint:     c.endpoint,
		},
		httpClient: &http.Client{
			// Bounds token requests even when the caller's context has no deadline
			Timeout:   30 * time.Second,
			Transport: c.baseTransport,
		},
		grants:      &grantStore{store: store},
		callbacks:   newLoopback(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.RedirectPort)), c.logger),
		revokeURL:   c.revokeURL,
		userinfoURL: c.userinfoURL,
		opener:      c.opener,
		logger:      c.logger,
	}, nil
}

// oauthContext injects the provider's HTTP client (oauth2.HTTPClient key).
func (g *Google) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
}

// RequestToken runs the consent flow for interactive requests and the
// refresh-token grant otherwise.
func (g *Google) RequestToken(ctx context.Context, req session.TokenRequest) (*session.Grant, error) {
	var (
		tok *oauth2.Token
		err error
	)
	if req.Interactive {
		tok, err = g.consent(ctx, req.ID)
	} else {
		tok, err = g.silent(ctx)
	}
	if err != nil {
		return nil, err
	}

	g.grants.save(context.WithoutCancel(ctx), tok.RefreshToken)
	if idToken, ok := tok.Extra("id_token").(string); ok && idToken != "" {
		g.idToken.Store(&idToken)
	}

	grant := &session.Grant{AccessToken: tok.AccessToken}
	if !tok.Expiry.IsZero() {
		grant.ExpiresIn = time.Until(tok.Expiry)
	}
	return grant, nil
}

func (g *Google) silent(ctx context.Context) (*oauth2.Token, error) {
	refreshToken, err := g.grants.load(ctx)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return nil, ErrConsentRequired
	}

	tok, err := g.oauth.TokenSource(g.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == "invalid_grant" {
			if cerr := g.grants.clear(context.WithoutCancel(ctx)); cerr != nil {
				g.logger.ErrorContext(ctx, "failed to drop rejected refresh token", "error", cerr)
			}
			return nil, fmt.Errorf("%w: refresh token rejected: %w", ErrConsentRequired, err)
		}
		return nil, fmt.Errorf("refreshing token: %w", err)
	}
	return tok, nil
}

func (g *Google) consent(ctx context.Context, state string) (*oauth2.Token, error) {
	if state == "" {
		state = uuid.NewString()
	}

	redirectURL, results, cancel, err := g.callbacks.register(state)
	if err != nil {
		return nil, err
	}
	defer cancel()

	cfg := g.oauth
	cfg.RedirectURL = redirectURL
	verifier := oauth2.GenerateVerifier()
	authURL := cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)

	if err := g.opener(ctx, authURL); err != nil {
		return nil, fmt.Errorf("presenting consent page: %w", err)
	}

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		code = res.code
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tok, err := cfg.Exchange(g.oauthContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchanging authorization code: %w", err)
	}
	return tok, nil
}

// Revoke revokes token with Google and forgets the stored refresh token. The
// refresh token is dropped even when the revocation request fails.
func (g *Google) Revoke(ctx context.Context, token string) error {
	clearErr := g.grants.clear(context.WithoutCancel(ctx))
	g.idToken.Store(nil)

	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Join(fmt.Errorf("creating revoke request: %w", err), clearErr)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return errors.Join(fmt.Errorf("revoking token: %w", err), clearErr)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return errors.Join(fmt.Errorf("revoking token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), clearErr)
	}
	return clearErr
}

// FetchIdentity asks the userinfo API for the profile of token's owner and
// falls back to the claims of the latest id_token.
func (g *Google) FetchIdentity(ctx context.Context, token string) (*session.Identity, error) {
	id, err := g.fetchUserinfo(ctx, token)
	if err == nil {
		return id, nil
	}

	g.logger.WarnContext(ctx, "userinfo request failed, using id_token claims", "error", err)
	id, cerr := g.identityFromIDToken()
	if cerr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoIdentity, errors.Join(err, cerr))
	}
	return id, nil
}

func (g *Google) fetchUserinfo(ctx context.Context, token string) (*session.Identity, error) {
	client := oauth2.NewClient(g.oauthContext(ctx), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if g.userinfoURL != "" {
		opts = append(opts, option.WithEndpoint(g.userinfoURL))
	}
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating userinfo client: %w", err)
	}

	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("fetching userinfo: %w", err)
	}
	return &session.Identity{
		ID:          info.Id,
		Email:       info.Email,
		DisplayName: info.Name,
		AvatarURL:   info.Picture,
	}, nil
}

type idTokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

func (g *Google) identityFromIDToken() (*session.Identity, error) {
	raw := g.idToken.Load()
	if raw == nil {
		return nil, errors.New("no id_token received")
	}

	// Not verified: the token came directly from the token endpoint
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(*raw, &claims); err != nil {
		return nil, fmt.Errorf("parsing id_token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("id_token has no subject")
	}
	return &session.Identity{
		ID:          claims.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
		AvatarURL:   claims.Picture,
	}, nil
}

// Close stops the consent redirect listener and fails pending consent requests.
func (g *Google) Close() error {
	return g.callbacks.close()
}
