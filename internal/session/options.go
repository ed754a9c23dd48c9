package session

import (
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultRenewalWindow is how long before expiry the token is proactively renewed.
	DefaultRenewalWindow = 5 * time.Minute

	// DefaultSafetyBuffer is subtracted from expiry when deciding whether a token
	// may still be handed out. It must be shorter than the renewal window, otherwise
	// a token would be considered dead before renewal is ever attempted.
	DefaultSafetyBuffer = 30 * time.Second

	// DefaultRefreshTimeout bounds a single silent renewal attempt.
	DefaultRefreshTimeout = 5 * time.Second

	// DefaultTokenLifetime applies when the provider omits the token lifetime.
	DefaultTokenLifetime = time.Hour

	identityFetchTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*config)

type config struct {
	clock          Clock
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	renewalWindow  time.Duration
	safetyBuffer   time.Duration
	refreshTimeout time.Duration
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = l
	}
}

// WithTracerProvider sets where provider requests are traced. Defaults to the
// global provider installed by otel.SetTracerProvider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithRenewalWindow sets the lead time before expiry at which renewal starts.
func WithRenewalWindow(d time.Duration) Option {
	return func(cfg *config) {
		cfg.renewalWindow = d
	}
}

// WithSafetyBuffer sets the margin before expiry after which a token is no longer used.
func WithSafetyBuffer(d time.Duration) Option {
	return func(cfg *config) {
		cfg.safetyBuffer = d
	}
}

// WithRefreshTimeout bounds how long a silent renewal may take.
func WithRefreshTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.refreshTimeout = d
	}
}

func (c *config) validate() error {
	if c.clock == nil {
		return fmt.Errorf("missing clock")
	}
	if c.tracerProvider == nil {
		c.tracerProvider = otel.GetTracerProvider()
	}
	if c.safetyBuffer < 0 {
		return fmt.Errorf("safety buffer must not be negative, got %s", c.safetyBuffer)
	}
	if c.renewalWindow <= c.safetyBuffer {
		return fmt.Errorf("renewal window (%s) must be longer than safety buffer (%s)", c.renewalWindow, c.safetyBuffer)
	}
	if c.refreshTimeout <= 0 {
		return fmt.Errorf("refresh timeout must be positive, got %s", c.refreshTimeout)
	}
	return nil
}
