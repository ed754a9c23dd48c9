// Package gateway serves the local HTTP API: an authenticated pass-through to
// the Drive API plus endpoints to inspect and control the session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/oauth2"

	"github.com/florianilch/stringart-drive/internal/observability/middleware"
	"github.com/florianilch/stringart-drive/internal/session"
)

// DefaultBaseURL is the upstream for forwarded Drive API calls.
const DefaultBaseURL = "https://www.googleapis.com"

// Session is the part of session.Manager the gateway depends on.
type Session interface {
	TokenSource() oauth2.TokenSource
	Status() session.Status
	RefreshSilently(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// Compile-time check that session.Manager satisfies Session
var _ Session = (*session.Manager)(nil)

// Option configures a Gateway.
type Option func(*gatewayConfig)

type gatewayConfig struct {
	baseURL       string
	baseTransport http.RoundTripper
	logger        *slog.Logger
}

// WithBaseURL sets the upstream base URL. Defaults to DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *gatewayConfig) {
		c.baseURL = u
	}
}

// WithTransport sets the transport used for upstream requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *gatewayConfig) {
		c.baseTransport = transport
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *gatewayConfig) {
		c.logger = l
	}
}

// Gateway represents the local HTTP server
type Gateway struct {
	mux     *http.ServeMux
	server  *http.Server
	session Session
}

// Compile-time check that Gateway implements http.Handler
var _ http.Handler = (*Gateway)(nil)

// New creates a Gateway forwarding Drive API calls with the session's bearer token.
func New(sess Session, opts ...Option) (*Gateway, error) {
	if sess == nil {
		return nil, fmt.Errorf("missing session")
	}

	cfg := &gatewayConfig{
		baseURL:       DefaultBaseURL,
		baseTransport: http.DefaultTransport,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	upstream, err := url.Parse(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL: %q is not absolute", cfg.baseURL)
	}

	// Token() goes through EnsureValidToken, so tokens close to expiry are renewed first
	transport := &oauth2.Transport{
		Source: sess.TokenSource(),
		Base:   &headerFilterTransport{Base: cfg.baseTransport},
	}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			// The client must not choose the credential
			pr.Out.Header.Del("Authorization")
		},
		// FlushInterval: -1 flushes only when the upstream does, so downloads stream through
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler:  upstreamErrorHandler,
	}

	g := &Gateway{mux: http.NewServeMux(), session: sess}

	forwarded := applyMiddlewares(reverseProxyHandler,
		middleware.Logging(cfg.logger),
		Recovery,
	)
	g.mux.Handle("/drive/v3/", forwarded)
	g.mux.Handle("/upload/drive/v3/", forwarded)

	g.handle("GET /auth/status", g.handleStatus, cfg.logger)
	g.handle("POST /auth/refresh", g.handleRefresh, cfg.logger)
	g.handle("POST /auth/signout", g.handleSignOut, cfg.logger)
	g.handle("GET /healthz", g.handleHealth, cfg.logger)
	g.mux.Handle("GET /metrics", promhttp.Handler())

	return g, nil
}

func (g *Gateway) handle(pattern string, h http.HandlerFunc, logger *slog.Logger) {
	g.mux.Handle(pattern, applyMiddlewares(h,
		middleware.Logging(logger),
		Recovery,
	))
}

// ServeHTTP implements http.Handler interface
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mux.ServeHTTP(w, r)
}

// upstreamErrorHandler maps token failures to 401 and everything else to 502.
func upstreamErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, session.ErrNotSignedIn), errors.Is(err, session.ErrSilentRefreshFailed):
		slog.InfoContext(ctx, "rejecting request without session", "error", err)
		writeJSONError(ctx, w, "not signed in", http.StatusUnauthorized)
	case errors.Is(err, context.Canceled):
		// Client went away, nobody to answer
		w.WriteHeader(http.StatusBadGateway)
	default:
		slog.WarnContext(ctx, "upstream request failed", "error", err)
		writeJSONError(ctx, w, "upstream request failed", http.StatusBadGateway)
	}
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (g *Gateway) Start(ctx context.Context, address string) (<-chan error, error) {
	// Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	g.server = &http.Server{
		Handler:      g,
		ReadTimeout:  5 * time.Minute, // Uploads of large files
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := g.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	if err := g.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = g.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
